// Package errors provides standardized error handling patterns for the message bus.
// It includes Go error classification, standard error variables and helper functions
// for consistent error wrapping, plus the integer error codes carried inside replies.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360/mbus/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that must not be retried blindly
	ErrorFatal
	// ErrorApplication represents errors only the originating service interprets
	ErrorApplication
)

var classNames = [...]string{
	ErrorTransient:   "transient",
	ErrorInvalid:     "invalid",
	ErrorFatal:       "fatal",
	ErrorApplication: "application",
}

func (ec ErrorClass) String() string {
	if ec < 0 || int(ec) >= len(classNames) {
		return "unknown"
	}
	return classNames[ec]
}

var (
	// Lifecycle
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")

	// Network
	ErrConnectionLost = errors.New("connection lost")

	// Packets and payloads
	ErrInvalidData = errors.New("invalid data format")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Bus
	ErrSessionExists = errors.New("session already exists")
	ErrBusDestroyed  = errors.New("message bus destroyed")
)

// sentinelClasses is consulted in order for errors that carry neither a
// ClassifiedError nor a BusError.
var sentinelClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrConnectionLost, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
	{context.Canceled, ErrorTransient},
	{ErrInvalidConfig, ErrorFatal},
	{ErrMissingConfig, ErrorFatal},
	{ErrBusDestroyed, ErrorFatal},
	{ErrInvalidData, ErrorInvalid},
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// classOf finds the class of err. The outermost ClassifiedError wins, then a
// BusError's code, then the sentinel table. code is None unless a BusError
// decided the class.
func classOf(err error) (class ErrorClass, code Code, ok bool) {
	if err == nil {
		return 0, None, false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, None, true
	}
	var be *BusError
	if errors.As(err, &be) {
		return be.Code.Class(), be.Code, true
	}
	for _, s := range sentinelClasses {
		if errors.Is(err, s.err) {
			return s.class, None, true
		}
	}
	return 0, None, false
}

// IsTransient reports whether err may succeed if tried again. Application
// codes in the transient band count.
func IsTransient(err error) bool {
	class, code, ok := classOf(err)
	if !ok {
		return false
	}
	return class == ErrorTransient || (class == ErrorApplication && code.IsTransient())
}

// IsFatal reports whether err must not be retried. Application codes in the
// fatal band count.
func IsFatal(err error) bool {
	class, code, ok := classOf(err)
	if !ok {
		return false
	}
	return class == ErrorFatal || (class == ErrorApplication && code.IsFatal())
}

// IsInvalid reports whether err was caused by bad input or configuration.
func IsInvalid(err error) bool {
	class, _, ok := classOf(err)
	return ok && class == ErrorInvalid
}

// Classify returns the class of err. Errors nothing recognizes are treated
// as transient.
func Classify(err error) ErrorClass {
	if class, _, ok := classOf(err); ok {
		return class
	}
	return ErrorTransient
}

// Wrap adds context in the form "component.method: action failed: <err>".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// RetryConfig bounds how often and how fast the bus resends messages that
// failed with transient errors.
type RetryConfig struct {
	// MaxRetries counts resends after the first send; 0 disables the limit.
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
	Jitter        bool          `json:"jitter" yaml:"jitter"`
}

// DefaultRetryConfig returns the retry settings a bus starts with.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Backoff returns the delay sequence described by rc.
func (rc RetryConfig) Backoff() retry.Backoff {
	return retry.Backoff{
		Initial:    rc.InitialDelay,
		Max:        rc.MaxDelay,
		Multiplier: rc.BackoffFactor,
		Jitter:     rc.Jitter,
	}
}

// Delay is the wait before resend number n, counting from 0.
func (rc RetryConfig) Delay(n int) time.Duration {
	return rc.Backoff().Delay(n)
}
