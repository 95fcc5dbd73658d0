package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascata/backend/internal/directory"
)

const testSecret = "test-system-secret"

func testProject() *directory.Project {
	return &directory.Project{
		Slug:       "acme",
		AnonKey:    "anon-key-value",
		ServiceKey: "service-key-value",
		JWTSecret:  "tenant-jwt-secret",
	}
}

func mintTenantToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

// ============================================================================
// ADMIN TOKENS
// ============================================================================

func TestAdminTokenRoundTrip(t *testing.T) {
	token, err := MintAdminToken(testSecret, "ops")
	require.NoError(t, err)

	sub, ok := VerifyAdminToken(testSecret, token)
	assert.True(t, ok)
	assert.Equal(t, "ops", sub)
}

func TestAdminTokenWrongSecret(t *testing.T) {
	token, err := MintAdminToken(testSecret, "ops")
	require.NoError(t, err)

	_, ok := VerifyAdminToken("other-secret", token)
	assert.False(t, ok)
}

func TestAdminTokenRequiresAdminRole(t *testing.T) {
	// A tenant-style token signed with the system secret must not pass.
	token := mintTenantToken(t, testSecret, jwt.MapClaims{"role": "authenticated", "sub": "u1"})
	_, ok := VerifyAdminToken(testSecret, token)
	assert.False(t, ok)
}

func TestAdminTokenEmptyBearer(t *testing.T) {
	_, ok := VerifyAdminToken(testSecret, "")
	assert.False(t, ok)
}

func TestTenantTokenRejectsExpired(t *testing.T) {
	token := mintTenantToken(t, "s", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	_, err := VerifyTenantToken("s", token)
	assert.Error(t, err)
}

// ============================================================================
// ROLE RESOLUTION
// ============================================================================

func TestResolveRoleSystemRequest(t *testing.T) {
	id := ResolveRole(testProject(), "", "", "/api/data/acme/t", true)
	require.NotNil(t, id)
	assert.Equal(t, RoleService, id.Role)
	assert.True(t, id.Admin)
}

func TestResolveRoleServiceKeyBearer(t *testing.T) {
	id := ResolveRole(testProject(), "service-key-value", "", "/x", false)
	require.NotNil(t, id)
	assert.Equal(t, RoleService, id.Role)
	assert.False(t, id.Admin)
}

func TestResolveRoleAnonKeyBearer(t *testing.T) {
	id := ResolveRole(testProject(), "anon-key-value", "", "/x", false)
	require.NotNil(t, id)
	assert.Equal(t, RoleAnon, id.Role)
}

func TestResolveRoleServiceKeyViaApikeyHeader(t *testing.T) {
	id := ResolveRole(testProject(), "", "service-key-value", "/x", false)
	require.NotNil(t, id)
	assert.Equal(t, RoleService, id.Role)
}

func TestResolveRoleTenantJWT(t *testing.T) {
	p := testProject()
	token := mintTenantToken(t, p.JWTSecret, jwt.MapClaims{"sub": "u1", "role": "authenticated"})

	id := ResolveRole(p, token, "", "/x", false)
	require.NotNil(t, id)
	assert.Equal(t, RoleAuthenticated, id.Role)
	assert.Equal(t, "u1", id.Claims["sub"])
}

func TestResolveRoleTenantJWTWrongSecret(t *testing.T) {
	p := testProject()
	token := mintTenantToken(t, "not-the-secret", jwt.MapClaims{"sub": "u1"})

	id := ResolveRole(p, token, "", "/x", false)
	assert.Nil(t, id)
}

func TestResolveRoleAnonApikey(t *testing.T) {
	id := ResolveRole(testProject(), "", "anon-key-value", "/x", false)
	require.NotNil(t, id)
	assert.Equal(t, RoleAnon, id.Role)
}

func TestResolveRoleAuthFlowPathWithoutCredential(t *testing.T) {
	id := ResolveRole(testProject(), "", "", "/api/data/acme/auth/refresh", false)
	require.NotNil(t, id)
	assert.Equal(t, RoleAnon, id.Role)
}

func TestResolveRoleNoMatch(t *testing.T) {
	assert.Nil(t, ResolveRole(testProject(), "", "", "/api/data/acme/t", false))
	assert.Nil(t, ResolveRole(testProject(), "wrong", "wrong", "/api/data/acme/t", false))
}

// ============================================================================
// CREDENTIAL EXTRACTION
// ============================================================================

func TestExtractCredentials(t *testing.T) {
	bearer, apikey := ExtractCredentials("Bearer abc", "", "key1", "")
	assert.Equal(t, "abc", bearer)
	assert.Equal(t, "key1", apikey)

	// Query fallbacks.
	bearer, apikey = ExtractCredentials("", "tok", "", "key2")
	assert.Equal(t, "tok", bearer)
	assert.Equal(t, "key2", apikey)

	// Non-Bearer schemes are ignored.
	bearer, _ = ExtractCredentials("Basic dXNlcg==", "", "", "")
	assert.Empty(t, bearer)
}
