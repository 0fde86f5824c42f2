package telemetry

import "github.com/dig-os/digd/internal/errors"

const (
	// Sensor errors
	ErrSensorRead     = errors.ErrorCode("telemetry_sensor_read_failed")
	ErrSensorInit     = errors.ErrorCode("telemetry_sensor_init_failed")
	ErrSensorShutdown = errors.ErrorCode("telemetry_sensor_shutdown_failed")

	// Configuration errors
	ErrInvalidConfig = errors.ErrorCode("telemetry_invalid_config")
	ErrInvalidDBPath = errors.ErrorCode("telemetry_invalid_db_path")

	// Storage errors
	ErrStorageAccess = errors.ErrorCode("telemetry_storage_access_failed")
	ErrStorageInit   = errors.ErrorCode("telemetry_storage_init_failed")
	ErrStorageClose  = errors.ErrorCode("telemetry_storage_close_failed")
)
