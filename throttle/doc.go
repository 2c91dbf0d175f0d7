// Package throttle implements send-side admission control for source sessions.
//
// A source session asks its Policy before every send. A rejected send fails
// synchronously with SendQueueFull; an admitted one is reported through
// ProcessMessage, and its reply (real, synthesized timeout, or discard) through
// ProcessReply.
//
// Three policies are provided:
//
//	Static   fixed ceilings on pending count and pending byte size
//	Rate     token bucket in sends per second, plus an optional count ceiling
//	Dynamic  adaptive window tuned from observed reply latency and errors
//
// Policies lock internally, so the sending goroutine and the messenger consumer
// may call them concurrently. Rate and Dynamic take a clock.Clock so tests can
// drive time with clock.NewMock.
//
// Build a policy from configuration with FromConfig:
//
//	p, err := throttle.FromConfig(throttle.Config{Policy: "static", MaxPendingCount: 10}, nil)
package throttle
