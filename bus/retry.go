package bus

import (
	"time"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
)

// RetryPolicy decides whether a failed message is resent and when.
type RetryPolicy interface {
	// CanRetry reports whether an error with code allows resend number
	// retry, counting from 1.
	CanRetry(code errors.Code, retry int) bool
	// Delay returns how long to wait before resend number retry.
	Delay(retry int) time.Duration
}

// TransientRetryPolicy retries transient errors with exponential backoff, at
// most MaxRetries times. A MaxRetries of zero or less means no bound other
// than the message's time budget.
type TransientRetryPolicy struct {
	cfg errors.RetryConfig
}

// NewTransientRetryPolicy creates a policy from cfg.
func NewTransientRetryPolicy(cfg errors.RetryConfig) *TransientRetryPolicy {
	return &TransientRetryPolicy{cfg: cfg}
}

// CanRetry implements RetryPolicy.
func (p *TransientRetryPolicy) CanRetry(code errors.Code, retry int) bool {
	if !code.IsTransient() {
		return false
	}
	return p.cfg.MaxRetries <= 0 || retry <= p.cfg.MaxRetries
}

// Delay implements RetryPolicy. The first resend goes out at once.
func (p *TransientRetryPolicy) Delay(retry int) time.Duration {
	if retry <= 1 {
		return 0
	}
	return p.cfg.Delay(retry - 2)
}

// NoRetryPolicy never retries.
type NoRetryPolicy struct{}

// CanRetry implements RetryPolicy.
func (NoRetryPolicy) CanRetry(errors.Code, int) bool { return false }

// Delay implements RetryPolicy.
func (NoRetryPolicy) Delay(int) time.Duration { return 0 }

// canRetryReply reports whether every error in reply allows resend number
// retry under policy.
func canRetryReply(policy RetryPolicy, reply message.Reply, retry int) bool {
	if policy == nil || !reply.HasErrors() || reply.HasFatalErrors() {
		return false
	}
	for _, e := range reply.Errors() {
		if !policy.CanRetry(e.Code, retry) {
			return false
		}
	}
	return true
}

// retryDelay prefers the delay a reply asks for over the policy's.
func retryDelay(policy RetryPolicy, reply message.Reply, retry int) time.Duration {
	if d, ok := reply.RetryDelay(); ok {
		return d
	}
	return policy.Delay(retry)
}
