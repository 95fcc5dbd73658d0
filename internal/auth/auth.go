// Package auth covers the three credential domains: the process-wide admin
// JWT, per-tenant API keys, and per-tenant user JWTs, plus the role
// resolution machine that the data plane runs for every request.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cascata/backend/internal/directory"
)

// Role is the authorisation level granted to a request.
type Role string

const (
	RoleService       Role = "service_role"
	RoleAuthenticated Role = "authenticated"
	RoleAnon          Role = "anon"
)

// AdminTokenTTL is the lifetime of control-plane admin tokens.
const AdminTokenTTL = 12 * time.Hour

// MintAdminToken issues an HS256 admin JWT for the given subject.
func MintAdminToken(secret, subject string) (string, error) {
	claims := jwt.MapClaims{
		"role": "admin",
		"sub":  subject,
		"exp":  time.Now().Add(AdminTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyAdminToken reports whether bearer is a valid admin JWT and returns
// its subject.
func VerifyAdminToken(secret, bearer string) (string, bool) {
	if bearer == "" {
		return "", false
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	if role, _ := claims["role"].(string); role != "admin" {
		return "", false
	}
	sub, _ := claims["sub"].(string)
	return sub, true
}

// VerifyTenantToken validates a tenant user JWT against the project's
// signing secret and returns the claims.
func VerifyTenantToken(jwtSecret, bearer string) (jwt.MapClaims, error) {
	if bearer == "" {
		return nil, errors.New("empty token")
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// authFlowPaths are data-plane auth endpoints reachable without a
// credential; they bootstrap sessions (OAuth callback, passwordless links,
// token refresh, MFA challenge).
var authFlowPaths = []string{
	"/auth/callback",
	"/auth/magiclink",
	"/auth/otp",
	"/auth/refresh",
	"/auth/challenge",
	"/auth/verify",
}

func isAuthFlowPath(path string) bool {
	for _, p := range authFlowPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// Identity is the outcome of role resolution.
type Identity struct {
	Role   Role
	Admin  bool
	Claims jwt.MapClaims // tenant user claims when Role == authenticated
}

func equalKeys(a, b string) bool {
	return a != "" && b != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ResolveRole runs the authorisation state machine; first match wins.
// Returns nil when no state matches (→ 401 at the pipeline).
func ResolveRole(p *directory.Project, bearer, apikey, path string, systemRequest bool) *Identity {
	switch {
	case systemRequest:
		return &Identity{Role: RoleService, Admin: true}
	case equalKeys(bearer, p.ServiceKey):
		return &Identity{Role: RoleService}
	case equalKeys(bearer, p.AnonKey):
		return &Identity{Role: RoleAnon}
	case equalKeys(apikey, p.ServiceKey):
		return &Identity{Role: RoleService}
	}

	if claims, err := VerifyTenantToken(p.JWTSecret, bearer); err == nil {
		return &Identity{Role: RoleAuthenticated, Claims: claims}
	}

	switch {
	case equalKeys(apikey, p.AnonKey):
		return &Identity{Role: RoleAnon}
	case isAuthFlowPath(path):
		return &Identity{Role: RoleAnon}
	}
	return nil
}

// ExtractCredentials pulls the bearer and apikey from their header or query
// carriers.
func ExtractCredentials(authHeader, tokenQuery, apikeyHeader, apikeyQuery string) (bearer, apikey string) {
	bearer = strings.TrimPrefix(authHeader, "Bearer ")
	if bearer == authHeader {
		// Not a Bearer header; ignore other schemes.
		bearer = ""
	}
	if bearer == "" {
		bearer = tokenQuery
	}
	apikey = apikeyHeader
	if apikey == "" {
		apikey = apikeyQuery
	}
	return bearer, apikey
}
