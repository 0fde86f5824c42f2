package mission

import "github.com/dig-os/digd/internal/errors"

const (
	ErrNotFound          = errors.ErrorCode("mission_not_found")
	ErrDuplicateID       = errors.ErrorCode("mission_duplicate_id")
	ErrInvalidMission    = errors.ErrorCode("mission_invalid")
	ErrInvalidTransition = errors.ErrorCode("mission_invalid_transition")
	ErrUnsatisfiable     = errors.ErrorCode("resource_unsatisfiable")
	ErrEpochOutOfRange   = errors.ErrorCode("mission_epoch_out_of_range")
	ErrStorageInit       = errors.ErrorCode("mission_storage_init_failed")
	ErrStorageAccess     = errors.ErrorCode("mission_storage_access_failed")
	ErrStorageClose      = errors.ErrorCode("mission_storage_close_failed")
)
