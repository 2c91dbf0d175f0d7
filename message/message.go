package message

import (
	"time"

	"github.com/c360/mbus/route"
)

// Message is a routable sent from a source toward one or more destinations.
type Message interface {
	Routable

	Route() route.Route
	SetRoute(r route.Route)

	// TimeReceived is the local time the budget in TimeRemaining was
	// measured from.
	TimeReceived() time.Time
	SetTimeReceived(t time.Time)
	TimeRemaining() time.Duration
	SetTimeRemaining(d time.Duration)
	// TimeRemainingNow returns the budget left at now.
	TimeRemainingNow(now time.Time) time.Duration
	IsExpired(now time.Time) bool

	RetryCount() int
	SetRetryCount(n int)
	RetryEnabled() bool
	SetRetryEnabled(enabled bool)

	HasSequenceID() bool
	SequenceID() uint64

	// ApproxSize is the approximate encoded size used by throttling.
	ApproxSize() int

	state() *BaseMessage
}

// BaseMessage holds the routing state of a message. Protocol message types
// embed it and add Protocol, Type and their payload. The zero value has no
// route, no time budget and retries enabled.
type BaseMessage struct {
	routable

	route         route.Route
	timeReceived  time.Time
	timeRemaining time.Duration
	retry         int
	retryDisabled bool
	sequenceID    uint64
	hasSequenceID bool
}

func (m *BaseMessage) state() *BaseMessage {
	return m
}

// Route returns the remaining route.
func (m *BaseMessage) Route() route.Route {
	return m.route
}

// SetRoute sets the remaining route.
func (m *BaseMessage) SetRoute(r route.Route) {
	m.route = r
}

// TimeReceived returns the reference time of the budget.
func (m *BaseMessage) TimeReceived() time.Time {
	return m.timeReceived
}

// SetTimeReceived sets the reference time of the budget.
func (m *BaseMessage) SetTimeReceived(t time.Time) {
	m.timeReceived = t
}

// TimeRemaining returns the budget as of TimeReceived.
func (m *BaseMessage) TimeRemaining() time.Duration {
	return m.timeRemaining
}

// SetTimeRemaining sets the budget as of TimeReceived.
func (m *BaseMessage) SetTimeRemaining(d time.Duration) {
	m.timeRemaining = d
}

// TimeRemainingNow returns the budget left at now. It may be negative.
func (m *BaseMessage) TimeRemainingNow(now time.Time) time.Duration {
	if m.timeReceived.IsZero() {
		return m.timeRemaining
	}
	return m.timeRemaining - now.Sub(m.timeReceived)
}

// IsExpired returns true if no budget is left at now.
func (m *BaseMessage) IsExpired(now time.Time) bool {
	return m.TimeRemainingNow(now) <= 0
}

// RetryCount returns how many times this message has been resent.
func (m *BaseMessage) RetryCount() int {
	return m.retry
}

// SetRetryCount sets the resend counter.
func (m *BaseMessage) SetRetryCount(n int) {
	m.retry = n
}

// RetryEnabled returns false if the bus must never resend this message.
func (m *BaseMessage) RetryEnabled() bool {
	return !m.retryDisabled
}

// SetRetryEnabled enables or disables resending.
func (m *BaseMessage) SetRetryEnabled(enabled bool) {
	m.retryDisabled = !enabled
}

// HasSequenceID returns true if the message is subject to sequencing.
func (m *BaseMessage) HasSequenceID() bool {
	return m.hasSequenceID
}

// SequenceID returns the sequencing key.
func (m *BaseMessage) SequenceID() uint64 {
	return m.sequenceID
}

// SetSequenceID sets the sequencing key.
func (m *BaseMessage) SetSequenceID(id uint64) {
	m.sequenceID = id
	m.hasSequenceID = true
}

// ClearSequenceID removes the sequencing key.
func (m *BaseMessage) ClearSequenceID() {
	m.sequenceID = 0
	m.hasSequenceID = false
}

// ApproxSize returns 1. Protocols override it with the payload size.
func (m *BaseMessage) ApproxSize() int {
	return 1
}
