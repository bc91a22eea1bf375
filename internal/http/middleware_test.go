package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUsers struct {
	users map[string]*models.User
	err   error
}

func (s stubUsers) UserForAPIKey(_ context.Context, key string) (*models.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.users[key], nil
}

type stubGate struct {
	exceeded bool
	err      error
	calls    []models.QuotaType
}

func (g *stubGate) IsQuotaExceeded(_ context.Context, _ string, t models.QuotaType) (bool, error) {
	g.calls = append(g.calls, t)
	return g.exceeded, g.err
}

func newRelayEngine(users UserLookup, gate QuotaChecker, allowOnError func() bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(APIKeyAuthMiddleware(users), QuotaGateMiddleware(gate, allowOnError))
	handler := func(c *gin.Context) {
		meta, _ := c.Get("accessMetadata")
		c.JSON(http.StatusOK, gin.H{"identity": c.GetString(IdentityContextKey), "meta": meta})
	}
	engine.POST("/v1/chat/completions", handler)
	engine.POST("/v1/responses", handler)
	engine.POST("/v1beta/models/*action", handler)
	engine.GET("/v1/models", handler)
	engine.GET("/healthz", handler)
	return engine
}

func defaultUsers() stubUsers {
	return stubUsers{users: map[string]*models.User{
		"sk-alice": {ID: 7, Username: "alice"},
		"sk-carol": {ID: 9, Username: "carol", Disabled: true},
	}}
}

func serve(engine *gin.Engine, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader("{}"))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestQuotaTypeForPath(t *testing.T) {
	cases := map[string]models.QuotaType{
		"/v1/chat/completions":                                models.QuotaTypeText,
		"/v1/messages/":                                       models.QuotaTypeText,
		"/v1/responses":                                       models.QuotaTypeText,
		"/v1beta/models/gemini-2.5-pro:generateContent":       models.QuotaTypeText,
		"/v1beta/models/gemini-2.5-pro:streamGenerateContent": models.QuotaTypeText,
	}
	for path, want := range cases {
		got, ok := QuotaTypeForPath(path)
		require.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
	for _, path := range []string{"/v1/models", "/v1/messages/count_tokens", "/v1/images/generations", "/v1beta/models/gemini-2.5-pro:countTokens", "/v0/admin/quota/rules", "/healthz"} {
		_, ok := QuotaTypeForPath(path)
		assert.False(t, ok, path)
	}
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	engine := newRelayEngine(defaultUsers(), nil, nil)

	rec := serve(engine, http.MethodPost, "/v1/chat/completions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(engine, http.MethodPost, "/v1/chat/completions", map[string]string{"Authorization": "Bearer sk-unknown"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(engine, http.MethodPost, "/v1/chat/completions", map[string]string{"X-Api-Key": "sk-carol"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(engine, http.MethodPost, "/v1/chat/completions", map[string]string{"Authorization": "Bearer sk-alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"identity":"alice","meta":{"user_id":"7","`+usage.IdentityMetadataKey+`":"alice"}}`, rec.Body.String())

	rec = serve(engine, http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent?key=sk-alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(engine, http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", map[string]string{"X-Goog-Api-Key": "sk-alice"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(engine, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuthMiddlewareLookupError(t *testing.T) {
	engine := newRelayEngine(stubUsers{err: errors.New("db down")}, nil, nil)
	rec := serve(engine, http.MethodPost, "/v1/chat/completions", map[string]string{"Authorization": "Bearer sk-alice"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestQuotaGateMiddleware(t *testing.T) {
	auth := map[string]string{"Authorization": "Bearer sk-alice"}

	gate := &stubGate{}
	engine := newRelayEngine(defaultUsers(), gate, nil)
	rec := serve(engine, http.MethodPost, "/v1/responses", auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []models.QuotaType{models.QuotaTypeText}, gate.calls)

	rec = serve(engine, http.MethodGet, "/v1/models", auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gate.calls, 1)

	gate = &stubGate{exceeded: true}
	engine = newRelayEngine(defaultUsers(), gate, nil)
	rec = serve(engine, http.MethodPost, "/v1/chat/completions", auth)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"quota exceeded","type":"text"}`, rec.Body.String())
}

func TestQuotaGateMiddlewareCheckError(t *testing.T) {
	auth := map[string]string{"Authorization": "Bearer sk-alice"}
	gate := &stubGate{err: errors.New("db down")}

	open := newRelayEngine(defaultUsers(), gate, func() bool { return true })
	rec := serve(open, http.MethodPost, "/v1/chat/completions", auth)
	assert.Equal(t, http.StatusOK, rec.Code)

	closed := newRelayEngine(defaultUsers(), gate, func() bool { return false })
	rec = serve(closed, http.MethodPost, "/v1/chat/completions", auth)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
