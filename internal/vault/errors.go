package vault

import "errors"

// Vault error types.
var (
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrInvalidParent = errors.New("invalid parent folder")
	ErrCycle         = errors.New("folder move would create a cycle")
	ErrConflict      = errors.New("concurrent modification conflict")
)
