package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminRole is the role claim required on admin tokens.
const AdminRole = "admin"

var (
	// ErrEmptySecret indicates the signing secret is not configured.
	ErrEmptySecret = errors.New("jwt secret is empty")
	// ErrNotAdmin indicates a valid token without the admin role.
	ErrNotAdmin = errors.New("token is not an admin token")
)

// AdminClaims are the claims carried by admin bearer tokens.
type AdminClaims struct {
	Role string `json:"role"` // Must equal AdminRole.
	jwt.RegisteredClaims
}

// IssueAdminToken signs an HS256 admin token for subject.
func IssueAdminToken(secret, subject string, expiry time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrEmptySecret
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("jwt subject is empty")
	}
	claims := AdminClaims{
		Role: AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	}
	signed, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if errSign != nil {
		return "", fmt.Errorf("sign admin token: %w", errSign)
	}
	return signed, nil
}

// ParseAdminToken verifies an admin token and returns its claims.
func ParseAdminToken(secret, token string) (*AdminClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	claims := &AdminClaims{}
	parsed, errParse := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if errParse != nil {
		return nil, fmt.Errorf("parse admin token: %w", errParse)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("parse admin token: invalid token")
	}
	if claims.Role != AdminRole {
		return nil, ErrNotAdmin
	}
	return claims, nil
}
