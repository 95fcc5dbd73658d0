// Package apperr defines the error taxonomy surfaced on the wire. Every
// handler funnels failures through Write so clients see a uniform shape and
// internal detail never leaks.
package apperr

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Kind classifies an error for HTTP mapping.
type Kind string

const (
	Unauthorized    Kind = "unauthorized"
	Forbidden       Kind = "forbidden"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	Validation      Kind = "validation"
	PayloadTooLarge Kind = "payload_too_large"
	RateLimited     Kind = "rate_limited"
	LockedDown      Kind = "locked_down"
	BadGateway      Kind = "bad_gateway"
	Internal        Kind = "internal"
)

// Error is the uniform application error.
type Error struct {
	Kind    Kind                   `json:"-"`
	Message string                 `json:"error"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return e.Message + ": " + e.wrapped.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// Status maps the kind to its HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Validation:
		return http.StatusBadRequest
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case RateLimited:
		return http.StatusTooManyRequests
	case LockedDown:
		return http.StatusServiceUnavailable
	case BadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an Error that wraps a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: cause}
}

// WithDetail attaches structured detail for the response body.
func (e *Error) WithDetail(key string, val interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = val
	return e
}

// FromPG maps known Postgres SQLSTATEs onto the taxonomy. Works for both the
// pgx and lib/pq drivers. Unknown codes surface as Internal.
func FromPG(err error) *Error {
	code, _ := pgCode(err)
	switch code {
	case "23505":
		return Wrap(Conflict, "unique constraint violation", err)
	case "23503":
		return Wrap(Validation, "referential integrity violation", err)
	case "23502":
		return Wrap(Validation, "missing required field", err)
	case "42703":
		return Wrap(Validation, "unknown column", err)
	case "22P02":
		return Wrap(Validation, "invalid type cast", err)
	case "42P01":
		return Wrap(NotFound, "relation does not exist", err)
	}
	return Wrap(Internal, "database error", err)
}

// PGCode extracts the SQLSTATE and message from a driver error, empty when
// the error is not a Postgres error.
func PGCode(err error) (code, message string) { return pgCode(err) }

func pgCode(err error) (string, string) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code, pgxErr.Message
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Message
	}
	return "", ""
}

// PGPosition returns the statement position of a Postgres error, 0 if absent.
func PGPosition(err error) int {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return int(pgxErr.Position)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Position != "" {
		var pos int
		for _, c := range pqErr.Position {
			if c < '0' || c > '9' {
				return 0
			}
			pos = pos*10 + int(c-'0')
		}
		return pos
	}
	return 0
}

// Write renders err as JSON. Unrecognised errors become 500s. 5xx paths are
// logged with route and method; 4xx paths are not.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = Wrap(Internal, "internal server error", err)
	}

	status := appErr.Status()
	if status >= 500 {
		log.Printf("[ERROR] %s %s → %d: %v", r.Method, r.URL.Path, status, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(appErr)
}
