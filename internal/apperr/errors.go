package apperr

import "errors"

// Sentinel errors shared across packages. Callers match with errors.Is;
// producers wrap with fmt.Errorf("pkg: context: %w", ...).
var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrLockTimeout          = errors.New("lock acquisition timed out")
	ErrOperationTimeout     = errors.New("operation timed out")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrIndexWrite           = errors.New("index write failed")
	ErrSyncConflict         = errors.New("sync conflict")
	ErrRefValidation        = errors.New("invalid ref")
)
