package models

import "errors"

// Sentinel errors shared by both the authoritative service and the client session.
var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrResourceUnavailable = errors.New("no resource available")
	ErrNotFound            = errors.New("not found")
)
