package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cascata/backend/internal/auth"
	"github.com/cascata/backend/internal/directory"
)

const testJWTSecret = "control-test-secret"

func newStoreWithAdmin(t *testing.T, username, password string) *directory.Store {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	mock.ExpectQuery(`FROM admins WHERE username = \$1`).
		WithArgs(username).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password_hash"}).
			AddRow("a-1", username, string(hash)))

	return directory.NewStore(db)
}

func newEmptyAdminStore(t *testing.T, username string) *directory.Store {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectQuery(`FROM admins WHERE username = \$1`).
		WithArgs(username).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password_hash"}))
	return directory.NewStore(db)
}

func TestHandleLoginIssuesToken(t *testing.T) {
	store := newStoreWithAdmin(t, "root", "hunter2")
	h := HandleLogin(store, testJWTSecret)

	req := httptest.NewRequest(http.MethodPost, "/api/control/login",
		strings.NewReader(`{"username":"root","password":"hunter2"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token     string `json:"token"`
		Username  string `json:"username"`
		ExpiresIn int    `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "root", body.Username)
	assert.Positive(t, body.ExpiresIn)

	subject, ok := auth.VerifyAdminToken(testJWTSecret, body.Token)
	require.True(t, ok)
	assert.Equal(t, "root", subject)
}

func TestHandleLoginWrongPassword(t *testing.T) {
	store := newStoreWithAdmin(t, "root", "hunter2")
	h := HandleLogin(store, testJWTSecret)

	req := httptest.NewRequest(http.MethodPost, "/api/control/login",
		strings.NewReader(`{"username":"root","password":"wrong"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "token")
}

func TestHandleLoginUnknownUser(t *testing.T) {
	store := newEmptyAdminStore(t, "ghost")
	h := HandleLogin(store, testJWTSecret)

	req := httptest.NewRequest(http.MethodPost, "/api/control/login",
		strings.NewReader(`{"username":"ghost","password":"whatever"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleLoginMalformedBody(t *testing.T) {
	h := HandleLogin(nil, testJWTSecret)
	req := httptest.NewRequest(http.MethodPost, "/api/control/login", strings.NewReader(`{`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleVerify(t *testing.T) {
	token, err := auth.MintAdminToken(testJWTSecret, "root")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/control/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	HandleVerify(testJWTSecret).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"root"`)
}

func TestHandleVerifyRejectsInvalidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/control/verify", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	HandleVerify(testJWTSecret).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdmin(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	guarded := RequireAdmin(testJWTSecret, inner)

	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/control/projects", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.MintAdminToken(testJWTSecret, "root")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/control/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Tokens signed under a different secret are rejected.
	other, err := auth.MintAdminToken("other-secret", "root")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/control/projects", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
