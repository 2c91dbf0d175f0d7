// Package errors provides standardized error handling patterns for mbus components.
//
// # Overview
//
// Two related vocabularies live here:
//
//   - Go errors returned by constructors and lifecycle methods, classified as
//     Transient, Invalid, Fatal or Application and wrapped with component context.
//   - Integer reply codes (Code) carried inside replies across the bus. Codes are
//     grouped in disjoint bands so that any process can decide whether a reply is
//     retriable without knowing the code itself.
//
// # Code Bands
//
//	0                 NONE
//	[100000, 150000)  transient (SEND_QUEUE_FULL, SESSION_BUSY, TIMEOUT, ...)
//	[150000, 200000)  application transient
//	[200000, 250000)  fatal (ILLEGAL_ROUTE, UNKNOWN_POLICY, SEQUENCE_ERROR, ...)
//	[250000, 300000)  application fatal
//
// Application codes are opaque to the bus: the routing layer never treats them as
// its own failures, only the retry policy and the originating service look at them.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Client", "Connect", "dial")
//	errors.WrapInvalid(err, "Loader", "Load", "parse routing spec")
//	errors.WrapFatal(err, "MetricsRegistry", "Register", "register with prometheus")
//
// # Retry Configuration
//
// RetryConfig is the bus's resend budget. Its Backoff method yields the
// retry package's delay sequence:
//
//	rc := errors.DefaultRetryConfig()
//	rc.Delay(0) // 100ms
//	rc.Delay(2) // 400ms
//
// Errors not matched by a ClassifiedError, a BusError or a package sentinel
// are classified as transient.
package errors
