package errors

// Codes shared across packages. Package-specific codes live next to the
// package that returns them.
const (
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Lifecycle
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrInitApp        ErrorCode = "init_app_failed"
	ErrOpenDevice     ErrorCode = "open_device_failed"
	ErrCloseDevice    ErrorCode = "close_device_failed"

	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"

	// Telemetry
	ErrInitTelemetry  ErrorCode = "init_telemetry_failed"
	ErrCollectMetrics ErrorCode = "collect_metrics_failed"
	ErrCloseTelemetry ErrorCode = "close_telemetry_failed"
)

var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrInvalidArgument: "Invalid argument provided",
	ErrAlreadyRunning:  "Another instance is already running",
	ErrInvalidConfig:   "Invalid configuration",
	ErrMissingConfig:   "Missing configuration",
	ErrBindFlags:       "Failed to bind flags",
	ErrReadConfig:      "Failed to read config file",
	ErrInvalidInterval: "Invalid interval value",
	ErrInvalidLogLevel: "Invalid log level",
	ErrInitFailed:      "Initialization failed",
	ErrShutdownFailed:  "Shutdown failed",
	ErrInitApp:         "Failed to initialize scheduler daemon",
	ErrOpenDevice:      "Failed to open NPU device",
	ErrCloseDevice:     "Failed to close NPU device",
	ErrOperationFailed: "Operation failed",
	ErrTimeout:         "Operation timed out",
	ErrInitTelemetry:   "Failed to initialize telemetry",
	ErrCollectMetrics:  "Failed to record telemetry snapshot",
	ErrCloseTelemetry:  "Failed to close telemetry store",
}

// GetErrorMessage returns the message for code, or the code itself when it
// has none.
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
