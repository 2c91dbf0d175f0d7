package messenger

import "errors"

// Sentinel errors for messenger lifecycle operations
var (
	// ErrAlreadyStarted indicates Start() was called twice
	ErrAlreadyStarted = errors.New("messenger already started")

	// ErrStopped indicates the messenger has been stopped
	ErrStopped = errors.New("messenger stopped")

	// ErrStopTimeout indicates the consumer did not finish within the timeout
	ErrStopTimeout = errors.New("timeout waiting for messenger to stop")
)
