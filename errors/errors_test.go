package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassNames(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "application", ErrorApplication.String())
	assert.Equal(t, "unknown", ErrorClass(999).String())
	assert.Equal(t, "unknown", ErrorClass(-1).String())
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		fatal     bool
		invalid   bool
		class     ErrorClass
	}{
		{"nil", nil, false, false, false, ErrorTransient},
		{"connection lost", ErrConnectionLost, true, false, false, ErrorTransient},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), true, false, false, ErrorTransient},
		{"invalid config", ErrInvalidConfig, false, true, false, ErrorFatal},
		{"bus destroyed", ErrBusDestroyed, false, true, false, ErrorFatal},
		{"invalid data", ErrInvalidData, false, false, true, ErrorInvalid},
		{"unrecognized", errors.New("operation timeout occurred"), false, false, false, ErrorTransient},
		{"bus error transient", NewBusError(SessionBusy, "busy"), true, false, false, ErrorTransient},
		{"bus error fatal", fmt.Errorf("wrapped: %w", NewBusError(UnknownPolicy, "nope")), false, true, false, ErrorFatal},
		{"app transient", NewBusError(AppTransientBase+2, "later"), true, false, false, ErrorApplication},
		{"app fatal", NewBusError(AppFatalBase+7, "app"), false, true, false, ErrorApplication},
		{"classified wins over sentinel", WrapInvalid(ErrInvalidConfig, "Loader", "Load", "decode"), false, false, true, ErrorInvalid},
		{"classified wins over code", WrapTransient(NewBusError(IllegalRoute, "x"), "Bus", "Send", "resolve"), true, false, false, ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err), "IsTransient")
			assert.Equal(t, tt.fatal, IsFatal(tt.err), "IsFatal")
			assert.Equal(t, tt.invalid, IsInvalid(tt.err), "IsInvalid")
			assert.Equal(t, tt.class, Classify(tt.err), "Classify")
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "SourceSession", "Send", "route lookup")
	require.Error(t, err)
	assert.Equal(t, "SourceSession.Send: route lookup failed: boom", err.Error())
	assert.ErrorIs(t, err, base)
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"fatal", WrapFatal, ErrorFatal},
		{"invalid", WrapInvalid, ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(base, "Bus", "Send", "transmit")

			var ce *ClassifiedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Bus", ce.Component)
			assert.Equal(t, "Send", ce.Operation)
			assert.Equal(t, "Bus.Send: transmit failed: boom", err.Error())
			assert.ErrorIs(t, err, base)
			assert.NoError(t, tt.wrap(nil, "a", "b", "c"))
		})
	}
}

func TestRetryConfigDelay(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:    5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for n, d := range want {
		assert.Equal(t, d, rc.Delay(n), "resend %d", n)
	}
}

func TestRetryConfigBackoff(t *testing.T) {
	rc := RetryConfig{
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 1.5,
		Jitter:        true,
	}

	b := rc.Backoff()
	assert.Equal(t, 50*time.Millisecond, b.Initial)
	assert.Equal(t, time.Second, b.Max)
	assert.Equal(t, 1.5, b.Multiplier)
	assert.True(t, b.Jitter)

	d := DefaultRetryConfig()
	assert.Equal(t, 3, d.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, d.Delay(0))
}

func TestCode_Bands(t *testing.T) {
	tests := []struct {
		code      Code
		transient bool
		fatal     bool
		app       bool
		class     ErrorClass
	}{
		{None, false, false, false, ErrorFatal},
		{SendQueueFull, true, false, false, ErrorTransient},
		{Timeout, true, false, false, ErrorTransient},
		{SendQueueClosed, true, false, false, ErrorTransient},
		{AppTransientBase + 3, true, false, true, ErrorApplication},
		{IllegalRoute, false, true, false, ErrorFatal},
		{SequenceError, false, true, false, ErrorFatal},
		{UnknownPolicy, false, true, false, ErrorFatal},
		{AppFatalBase + 1, false, true, true, ErrorApplication},
		{Code(42), false, true, false, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.transient, tt.code.IsTransient(), "IsTransient")
			assert.Equal(t, tt.fatal, tt.code.IsFatal(), "IsFatal")
			assert.Equal(t, tt.app, tt.code.IsApplication(), "IsApplication")
			if tt.code != None {
				assert.Equal(t, tt.class, tt.code.Class(), "Class")
			}
		})
	}
}

func TestCode_String(t *testing.T) {
	tests := map[Code]string{
		None:                 "NONE",
		Timeout:              "TIMEOUT",
		PolicyError:          "POLICY_ERROR",
		TransientBase + 77:   "TRANSIENT_ERROR(77)",
		AppTransientBase + 1: "APP_TRANSIENT_ERROR(1)",
		FatalBase + 99:       "FATAL_ERROR(99)",
		AppFatalBase + 5:     "APP_FATAL_ERROR(5)",
		Code(7):              "UNKNOWN(7)",
	}
	for code, want := range tests {
		assert.Equal(t, want, code.String())
	}
}

func TestBusError(t *testing.T) {
	err := NewBusError(NoAddressForService, "no address for service '%s'", "dst/session")
	assert.Contains(t, err.Error(), "NO_ADDRESS_FOR_SERVICE")
	err.Service = "dst"
	assert.Contains(t, err.Error(), "@ dst")
}
