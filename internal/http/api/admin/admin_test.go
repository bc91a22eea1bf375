package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/cache"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/config"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/db"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/directory"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/quota"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/security"
	internalsettings "github.com/router-for-me/CLIProxyAPIQuota/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "admin-secret"

type adminServer struct {
	engine   *gin.Engine
	token    string
	db       *gorm.DB
	failOpen bool
}

func newAdminServer(t *testing.T) *adminServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, errOpen)
	require.NoError(t, db.Migrate(conn))

	store := internalsettings.NewStore(conn)
	require.NoError(t, store.Refresh(t.Context()))

	dir := directory.New(conn)
	mem := cache.NewMemoryCache(nil)
	cfg := quota.StaticConfig(quota.Config{
		DefaultAmounts: map[models.QuotaType]int64{models.QuotaTypeText: 1000},
		PeriodDays:     30,
	})
	engine := quota.New(quota.Options{
		DB:          conn,
		Cache:       mem,
		Locker:      mem,
		Config:      cfg,
		Groups:      dir,
		Names:       dir,
		Credentials: dir,
		Notifier:    quota.MultiNotifier{quota.LogNotifier{}, quota.NewDBNotifier(conn)},
	})

	s := &adminServer{db: conn}
	router := gin.New()
	RegisterAdminRoutes(router, Deps{
		DB:        conn,
		JWT:       config.JWTConfig{Secret: testSecret, Expiry: time.Hour},
		Engine:    engine,
		Config:    cfg,
		Settings:  store,
		Directory: dir,

		AllowOnError: func() bool { return s.failOpen },
	})

	token, errToken := security.IssueAdminToken(testSecret, "ops", time.Hour, time.Now())
	require.NoError(t, errToken)
	s.engine = router
	s.token = token
	return s
}

func (s *adminServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, errMarshal := json.Marshal(body)
		require.NoError(t, errMarshal)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAdminAuth(t *testing.T) {
	s := newAdminServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v0/admin/quota/rules", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, errToken := security.IssueAdminToken("wrong-secret", "ops", time.Hour, time.Now())
	require.NoError(t, errToken)
	req = httptest.NewRequest(http.MethodGet, "/v0/admin/quota/rules", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRuleLifecycle(t *testing.T) {
	s := newAdminServer(t)

	rec := s.do(t, http.MethodPost, "/v0/admin/user-groups", gin.H{"name": "staff", "display_name": "Staff"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	groupID := uint64(decode(t, rec)["id"].(float64))

	rec = s.do(t, http.MethodPost, "/v0/admin/users", gin.H{"username": "alice", "name": "Alice", "group_ids": []uint64{groupID}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode(t, rec)["api_key"])

	rec = s.do(t, http.MethodPost, "/v0/admin/quota/rules", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	assert.EqualValues(t, 0, created["amount"])
	ruleID := uint64(created["id"].(float64))
	rulePath := fmt.Sprintf("/v0/admin/quota/rules/%d", ruleID)

	rec = s.do(t, http.MethodPut, rulePath, quota.RuleInput{
		Type:     models.QuotaTypeText,
		Amount:   100,
		Priority: 1,
		Entities: []quota.EntityRef{{EntityType: models.EntityTypeGroup, EntityID: "staff"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode(t, rec)
	assert.EqualValues(t, 100, updated["amount"])
	assert.Len(t, updated["entities"], 1)

	rec = s.do(t, http.MethodPut, rulePath, gin.H{"type": 0, "amount": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/v0/admin/quota/rules/9999", quota.RuleInput{Type: models.QuotaTypeText})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v0/admin/quota/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Rules []quota.RuleView `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Rules, 1)
	require.Len(t, listed.Rules[0].Entities, 1)
	assert.Equal(t, "Staff", listed.Rules[0].Entities[0].DisplayName)

	rec = s.do(t, http.MethodPost, "/v0/admin/quota/usage", gin.H{"identity": "alice", "type": "text", "units": 150})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/v0/admin/quota/usage", gin.H{"identity": "alice", "type": "video", "units": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v0/admin/quota/identities/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var overview struct {
		Quotas []quota.Status `json:"quotas"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	require.NotEmpty(t, overview.Quotas)
	assert.Equal(t, models.QuotaTypeText, overview.Quotas[0].Type)
	assert.True(t, overview.Quotas[0].Exceeded)
	assert.Equal(t, int64(150), overview.Quotas[0].Used)

	rec = s.do(t, http.MethodGet, "/v0/admin/quota/report?type=text", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report struct {
		Rows []quota.ReportRow `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Rows, 1)
	assert.Equal(t, quota.ReportRow{Kind: quota.ReportRowUser, Key: "alice", Label: "Alice", Usage: 150}, report.Rows[0])

	rec = s.do(t, http.MethodGet, "/v0/admin/quota/report?type=text&start=2030-01-02&end=2030-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v0/admin/quota/usage/identities/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["deleted"])

	rec = s.do(t, http.MethodDelete, rulePath, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, rulePath, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGroupRenameMovesAssignments(t *testing.T) {
	s := newAdminServer(t)

	rec := s.do(t, http.MethodPost, "/v0/admin/user-groups", gin.H{"name": "staff"})
	require.Equal(t, http.StatusCreated, rec.Code)
	groupID := uint64(decode(t, rec)["id"].(float64))

	rec = s.do(t, http.MethodPost, "/v0/admin/quota/rules", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	ruleID := uint64(decode(t, rec)["id"].(float64))
	rec = s.do(t, http.MethodPut, fmt.Sprintf("/v0/admin/quota/rules/%d", ruleID), quota.RuleInput{
		Type:     models.QuotaTypeImage,
		Amount:   5,
		Entities: []quota.EntityRef{{EntityType: models.EntityTypeGroup, EntityID: "staff"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPut, fmt.Sprintf("/v0/admin/user-groups/%d", groupID), gin.H{"name": "employees"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v0/admin/quota/rules", nil)
	var listed struct {
		Rules []quota.RuleView `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Rules, 1)
	require.Len(t, listed.Rules[0].Entities, 1)
	assert.Equal(t, "employees", listed.Rules[0].Entities[0].EntityID)
}

func TestUserGroupNameConflict(t *testing.T) {
	s := newAdminServer(t)

	rec := s.do(t, http.MethodPost, "/v0/admin/user-groups", gin.H{"name": "staff"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, "/v0/admin/user-groups", gin.H{"name": "ops"})
	require.Equal(t, http.StatusCreated, rec.Code)
	opsID := uint64(decode(t, rec)["id"].(float64))

	rec = s.do(t, http.MethodPost, "/v0/admin/user-groups", gin.H{"name": "staff"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPut, fmt.Sprintf("/v0/admin/user-groups/%d", opsID), gin.H{"name": "staff"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/v0/admin/user-groups/%d", opsID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", decode(t, rec)["name"])

	rec = s.do(t, http.MethodPost, "/v0/admin/users", gin.H{"username": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, "/v0/admin/users", gin.H{"username": "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQuotaCheckNotifiesOnFirstCrossing(t *testing.T) {
	s := newAdminServer(t)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v0/admin/users", gin.H{"username": "alice"}).Code)
	rec := s.do(t, http.MethodPost, "/v0/admin/quota/rules", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rulePath := fmt.Sprintf("/v0/admin/quota/rules/%d", uint64(decode(t, rec)["id"].(float64)))
	rec = s.do(t, http.MethodPut, rulePath, quota.RuleInput{
		Type:     models.QuotaTypeImage,
		Amount:   2,
		Entities: []quota.EntityRef{{EntityType: models.EntityTypeUser, EntityID: "alice"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	notifications := func() int64 {
		var count int64
		require.NoError(t, s.db.Model(&models.Notification{}).Where("user_id = ?", "alice").Count(&count).Error)
		return count
	}

	rec = s.do(t, http.MethodPost, "/v0/admin/quota/check", gin.H{"identity": "alice", "type": "image"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode(t, rec)["exceeded"])
	assert.Zero(t, notifications())

	rec = s.do(t, http.MethodPost, "/v0/admin/quota/usage", gin.H{"identity": "alice", "type": "image", "units": 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/v0/admin/quota/check", gin.H{"identity": "alice", "type": "image"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["exceeded"])
	assert.Equal(t, "image", body["type"])
	assert.EqualValues(t, 1, notifications())

	rec = s.do(t, http.MethodPost, "/v0/admin/quota/check", gin.H{"identity": "alice", "type": "image", "shared_credentials": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["exceeded"])
	assert.EqualValues(t, 1, notifications())

	rec = s.do(t, http.MethodPost, "/v0/admin/quota/check", gin.H{"identity": "alice", "type": "video"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPost, "/v0/admin/quota/check", gin.H{"identity": " ", "type": "image"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuotaCheckUsageUnavailable(t *testing.T) {
	s := newAdminServer(t)
	sqlDB, errDB := s.db.DB()
	require.NoError(t, errDB)
	require.NoError(t, sqlDB.Close())

	rec := s.do(t, http.MethodPost, "/v0/admin/quota/check", gin.H{"identity": "carol", "type": "text"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.failOpen = true
	rec = s.do(t, http.MethodPost, "/v0/admin/quota/check", gin.H{"identity": "carol", "type": "text"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, false, body["exceeded"])
	assert.Equal(t, true, body["degraded"])
}

func TestSettingsEndpoints(t *testing.T) {
	s := newAdminServer(t)
	path := "/v0/admin/settings/" + internalsettings.QuotaPeriodDaysKey

	rec := s.do(t, http.MethodPut, path, gin.H{"value": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/v0/admin/settings/UNKNOWN", gin.H{"value": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, path, gin.H{"value": 7})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 7, decode(t, rec)["value"])

	rec = s.do(t, http.MethodGet, "/v0/admin/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["settings"], 1)
}

func TestEntitySearch(t *testing.T) {
	s := newAdminServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v0/admin/user-groups", gin.H{"name": "staff"}).Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v0/admin/users", gin.H{"username": "stan"}).Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v0/admin/users", gin.H{"username": "bob"}).Code)

	rec := s.do(t, http.MethodGet, "/v0/admin/quota/entities?q=st", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result struct {
		Entities []directory.Entity `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Entities, 2)
	assert.Equal(t, "stan", result.Entities[0].ID)
	assert.Equal(t, "staff", result.Entities[1].ID)
}
