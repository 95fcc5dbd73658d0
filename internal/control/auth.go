// Package control is the admin plane: operator auth, project lifecycle,
// key rotation, blocklists, the panic shield and snapshot in/out.
package control

import (
	"encoding/json"
	"log"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/auth"
	"github.com/cascata/backend/internal/directory"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var logger = log.New(log.Writer(), "[CONTROL] ", log.LstdFlags)

// verifyPassword checks an admin's credentials against the control DB.
func verifyPassword(r *http.Request, store *directory.Store, username, password string) (*directory.Admin, error) {
	admin, err := store.GetAdmin(r.Context(), username)
	if err != nil || admin == nil {
		return nil, apperr.New(apperr.Unauthorized, "Invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) != nil {
		return nil, apperr.New(apperr.Unauthorized, "Invalid credentials")
	}
	return admin, nil
}

// HandleLogin verifies an admin password and issues a 12 hour token.
func HandleLogin(store *directory.Store, jwtSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			apperr.Write(w, r, apperr.New(apperr.Validation, "Invalid JSON body"))
			return
		}

		admin, err := verifyPassword(r, store, body.Username, body.Password)
		if err != nil {
			apperr.Write(w, r, err)
			return
		}

		token, err := auth.MintAdminToken(jwtSecret, admin.Username)
		if err != nil {
			apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Minting admin token", err))
			return
		}

		logger.Printf("Admin %s logged in", admin.Username)
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      token,
			"username":   admin.Username,
			"expires_in": int(auth.AdminTokenTTL.Seconds()),
		})
	}
}

// HandleVerify reports whether the presented bearer is a live admin token.
func HandleVerify(jwtSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bearer, _ := auth.ExtractCredentials(r.Header.Get("Authorization"), "", "", "")
		subject, ok := auth.VerifyAdminToken(jwtSecret, bearer)
		if !ok {
			apperr.Write(w, r, apperr.New(apperr.Unauthorized, "Invalid or expired token"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "username": subject})
	}
}

// RequireAdmin gates control endpoints behind a valid admin token.
func RequireAdmin(jwtSecret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, _ := auth.ExtractCredentials(r.Header.Get("Authorization"), "", "", "")
		if _, ok := auth.VerifyAdminToken(jwtSecret, bearer); !ok {
			apperr.Write(w, r, apperr.New(apperr.Unauthorized, "Admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
