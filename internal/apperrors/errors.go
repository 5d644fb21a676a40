package apperrors

import "errors"

var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrStore        = errors.New("store unavailable")
	ErrRateLimited  = errors.New("rate limited")
)
