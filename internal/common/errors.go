package common

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound           = errors.New("requested resource not found")
	ErrBadRequest         = errors.New("bad request")
	ErrConflict           = errors.New("resource conflict")
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token has expired")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrForbidden          = errors.New("forbidden access")
	ErrUpstream           = errors.New("completion service failed")
	ErrUpstreamTimeout    = errors.New("completion service timed out")
	ErrPersistence        = errors.New("failed to persist conversation")
)

// Stable error kinds exposed to clients.
const (
	KindNotFound           = "NotFound"
	KindBadRequest         = "BadRequest"
	KindConflict           = "Conflict"
	KindInternal           = "Internal"
	KindDuplicateUsername  = "DuplicateUsername"
	KindInvalidCredentials = "InvalidCredentials"
	KindInvalidToken       = "InvalidToken"
	KindExpiredToken       = "ExpiredToken"
	KindUnauthorized       = "Unauthorized"
	KindForbidden          = "Forbidden"
	KindUpstreamError      = "UpstreamError"
	KindUpstreamTimeout    = "UpstreamTimeout"
	KindPersistenceError   = "PersistenceError"
)

type errorClass struct {
	sentinel error
	status   int
	kind     string
}

// Order matters: more specific sentinels first.
var errorClasses = []errorClass{
	{ErrDuplicateUsername, http.StatusBadRequest, KindDuplicateUsername},
	{ErrInvalidCredentials, http.StatusBadRequest, KindInvalidCredentials},
	{ErrExpiredToken, http.StatusUnauthorized, KindExpiredToken},
	{ErrInvalidToken, http.StatusUnauthorized, KindInvalidToken},
	{ErrUnauthorized, http.StatusUnauthorized, KindUnauthorized},
	{ErrForbidden, http.StatusForbidden, KindForbidden},
	{ErrUpstreamTimeout, http.StatusGatewayTimeout, KindUpstreamTimeout},
	{ErrUpstream, http.StatusBadGateway, KindUpstreamError},
	{ErrPersistence, http.StatusInternalServerError, KindPersistenceError},
	{ErrNotFound, http.StatusNotFound, KindNotFound},
	{ErrBadRequest, http.StatusBadRequest, KindBadRequest},
	{ErrConflict, http.StatusConflict, KindConflict},
}

func classify(err error) (errorClass, bool) {
	for _, c := range errorClasses {
		if errors.Is(err, c.sentinel) {
			return c, true
		}
	}
	return errorClass{}, false
}

// HTTPStatusFromError maps domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if c, ok := classify(err); ok {
		return c.status
	}
	if IsUniqueViolation(err) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// ErrorKind returns the stable, client-facing kind of err.
func ErrorKind(err error) string {
	if c, ok := classify(err); ok {
		return c.kind
	}
	if IsUniqueViolation(err) {
		return KindConflict
	}
	return KindInternal
}

// PublicMessage returns a message that is safe to send to clients. Only the
// sentinel text of client errors is ever exposed; wrapped context is dropped.
func PublicMessage(err error) string {
	c, ok := classify(err)
	if !ok {
		return "internal server error"
	}
	if c.status >= http.StatusInternalServerError {
		switch c.sentinel {
		case ErrUpstream, ErrUpstreamTimeout:
			return "the assistant is currently unavailable, please try again"
		default:
			return "internal server error"
		}
	}
	return c.sentinel.Error()
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
