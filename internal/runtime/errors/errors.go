package errors

import sterrors "errors"

var (
	ErrAlreadyRunning     = sterrors.New("streamsink: consumer is already running")
	ErrNotRunning         = sterrors.New("streamsink: consumer is not running")
	ErrNoStreams          = sterrors.New("streamsink: at least one stream is required")
	ErrCallbackRequired   = sterrors.New("streamsink: processing callback is required")
	ErrDrainTimeout       = sterrors.New("streamsink: timed out draining in-flight entries")
	ErrProcessingTimeout  = sterrors.New("streamsink: entry processing timed out")
	ErrShutdownTimeout    = sterrors.New("streamsink: shutdown grace period exceeded")
	ErrInvalidState       = sterrors.New("streamsink: invalid service state transition")
	ErrSinkNotConnected   = sterrors.New("streamsink: sink is not connected")
	ErrStoreRequired      = sterrors.New("streamsink: time-series store is required")
	ErrBufferOverflow     = sterrors.New("streamsink: sink buffer overflow")
	ErrPublisherRequired  = sterrors.New("streamsink: dead-letter publisher is required")
	ErrTopicRequired      = sterrors.New("streamsink: dead-letter topic is required")
	ErrPublisherClosed    = sterrors.New("streamsink: publisher is closed")
	ErrPayloadMissing     = sterrors.New("streamsink: entry has no payload field")
	ErrUnsupportedContent = sterrors.New("streamsink: unsupported payload content type")
)

var (
	ErrConfigRequired = sterrors.New("streamsink: configuration is required")
	ErrLoggerRequired = sterrors.New("streamsink: logger is required")
)

// ConfigValidationError marks an error produced while validating configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "streamsink: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
