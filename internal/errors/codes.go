package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Governance errors (surfaced to API callers and mission submitters)
	ErrSensorUnavailable     ErrorCode = "sensor_unavailable"
	ErrResourceUnsatisfiable ErrorCode = "resource_unsatisfiable"
	ErrCheckpointWriteFailed ErrorCode = "checkpoint_write_failed"
	ErrReservationApply      ErrorCode = "reservation_apply_failed"
	ErrMissionNotFound       ErrorCode = "mission_not_found"

	// Operation errors
	ErrOperationFailed  ErrorCode = "operation_failed"
	ErrTimeout          ErrorCode = "operation_timeout"
	ErrInvalidOperation ErrorCode = "invalid_operation"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:              "Internal error occurred",
	ErrInvalidArgument:       "Invalid argument provided",
	ErrUnavailable:           "Service unavailable",
	ErrAlreadyRunning:        "Daemon is already running",
	ErrInvalidConfig:         "Invalid configuration",
	ErrBindFlags:             "Failed to bind flags",
	ErrReadConfig:            "Failed to read configuration",
	ErrInvalidInterval:       "Invalid interval value",
	ErrInvalidLogLevel:       "Invalid log level",
	ErrInitFailed:            "Initialization failed",
	ErrShutdownFailed:        "Shutdown failed",
	ErrSensorUnavailable:     "Hardware sensor unavailable",
	ErrResourceUnsatisfiable: "Resource requirement cannot be satisfied",
	ErrCheckpointWriteFailed: "Checkpoint write failed",
	ErrReservationApply:      "Failed to apply resource reservation",
	ErrMissionNotFound:       "Mission not found",
	ErrOperationFailed:       "Operation failed",
	ErrTimeout:               "Operation timed out",
	ErrInvalidOperation:      "Invalid operation",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
