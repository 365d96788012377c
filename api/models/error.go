package models

import (
	"errors"
	"net/http"
)

const (
	minLimit = 1
	maxLimit = 1000
)

var (
	ErrInvalidJSON = err{
		code:  http.StatusBadRequest,
		error: errors.New("Invalid JSON"),
	}
	ErrInvalidSignature = err{
		code:  http.StatusUnauthorized,
		error: errors.New("Invalid webhook signature"),
	}
	ErrMissingAdminKey = err{
		code:  http.StatusUnauthorized,
		error: errors.New("Missing X-Admin-Key header"),
	}
	ErrInvalidAdminKey = err{
		code:  http.StatusForbidden,
		error: errors.New("Invalid admin API key"),
	}
	ErrLimitOutOfRange = err{
		code:  http.StatusBadRequest,
		error: errors.New("Limit must be between 1 and 1000"),
	}
	ErrLimitsMissingBody = err{
		code:  http.StatusBadRequest,
		error: errors.New("Missing limits"),
	}
	ErrLimitsNoValidEntries = err{
		code:  http.StatusBadRequest,
		error: errors.New("No valid limit entries"),
	}
	ErrOrgMissingName = err{
		code:  http.StatusBadRequest,
		error: errors.New("Missing org name"),
	}
)

// ValidLimit reports whether an override value is acceptable.
func ValidLimit(limit int64) bool {
	return limit >= minLimit && limit <= maxLimit
}

// any error that implements this interface will return an API response
// with the provided status code and error message body
type APIError interface {
	Code() int
	error
}

type err struct {
	code int
	error
}

func (e err) Code() int { return e.code }

func NewAPIError(code int, e error) APIError { return err{code, e} }

// uniform error output
type Error struct {
	Message string `json:"message"`
}
