package errors

import "fmt"

// Code is the integer error code carried by replies. Codes are grouped in
// disjoint bands: [100000,200000) is transient, [200000,300000) is fatal.
// The upper half of each band is reserved for application codes.
type Code int

// Band boundaries
const (
	None Code = 0

	TransientBase    Code = 100000
	AppTransientBase Code = TransientBase + 50000
	FatalBase        Code = 200000
	AppFatalBase     Code = FatalBase + 50000
	CodeLimit        Code = AppFatalBase + 50000
)

// Transient codes
const (
	SendQueueFull       Code = TransientBase + 1
	NoAddressForService Code = TransientBase + 2
	ConnectionError     Code = TransientBase + 3
	UnknownSession      Code = TransientBase + 4
	SessionBusy         Code = TransientBase + 5
	SendAborted         Code = TransientBase + 6
	HandshakeFailed     Code = TransientBase + 7
	Timeout             Code = TransientBase + 8
	SendQueueClosed     Code = TransientBase + 9
)

// Fatal codes
const (
	IllegalRoute        Code = FatalBase + 2
	NoServicesForRoute  Code = FatalBase + 3
	EncodeError         Code = FatalBase + 5
	NetworkError        Code = FatalBase + 6
	UnknownProtocol     Code = FatalBase + 7
	DecodeError         Code = FatalBase + 8
	IncompatibleVersion Code = FatalBase + 10
	UnknownPolicy       Code = FatalBase + 11
	NetworkShutdown     Code = FatalBase + 12
	PolicyError         Code = FatalBase + 13
	SequenceError       Code = FatalBase + 14
)

var codeNames = map[Code]string{
	None:                "NONE",
	SendQueueFull:       "SEND_QUEUE_FULL",
	NoAddressForService: "NO_ADDRESS_FOR_SERVICE",
	ConnectionError:     "CONNECTION_ERROR",
	UnknownSession:      "UNKNOWN_SESSION",
	SessionBusy:         "SESSION_BUSY",
	SendAborted:         "SEND_ABORTED",
	HandshakeFailed:     "HANDSHAKE_FAILED",
	Timeout:             "TIMEOUT",
	SendQueueClosed:     "SEND_QUEUE_CLOSED",
	IllegalRoute:        "ILLEGAL_ROUTE",
	NoServicesForRoute:  "NO_SERVICES_FOR_ROUTE",
	EncodeError:         "ENCODE_ERROR",
	NetworkError:        "NETWORK_ERROR",
	UnknownProtocol:     "UNKNOWN_PROTOCOL",
	DecodeError:         "DECODE_ERROR",
	IncompatibleVersion: "INCOMPATIBLE_VERSION",
	UnknownPolicy:       "UNKNOWN_POLICY",
	NetworkShutdown:     "NETWORK_SHUTDOWN",
	PolicyError:         "POLICY_ERROR",
	SequenceError:       "SEQUENCE_ERROR",
}

// String returns the symbolic name of the code, or a band-relative name for
// codes without one.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	switch {
	case c >= AppFatalBase && c < CodeLimit:
		return fmt.Sprintf("APP_FATAL_ERROR(%d)", int(c-AppFatalBase))
	case c >= FatalBase && c < AppFatalBase:
		return fmt.Sprintf("FATAL_ERROR(%d)", int(c-FatalBase))
	case c >= AppTransientBase && c < FatalBase:
		return fmt.Sprintf("APP_TRANSIENT_ERROR(%d)", int(c-AppTransientBase))
	case c >= TransientBase && c < AppTransientBase:
		return fmt.Sprintf("TRANSIENT_ERROR(%d)", int(c-TransientBase))
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// IsTransient reports whether the code lies in the transient band.
func (c Code) IsTransient() bool {
	return c >= TransientBase && c < FatalBase
}

// IsFatal reports whether the code lies in the fatal band. Codes outside all
// bands are treated as fatal so they are never retried blindly.
func (c Code) IsFatal() bool {
	return c != None && !c.IsTransient()
}

// IsApplication reports whether the code is reserved for application use.
func (c Code) IsApplication() bool {
	return (c >= AppTransientBase && c < FatalBase) || (c >= AppFatalBase && c < CodeLimit)
}

// Class maps the code onto the generic error classification.
func (c Code) Class() ErrorClass {
	switch {
	case c.IsApplication():
		return ErrorApplication
	case c.IsTransient():
		return ErrorTransient
	default:
		return ErrorFatal
	}
}

// BusError carries a reply error code as a Go error.
type BusError struct {
	Code    Code
	Message string
	Service string
}

// NewBusError creates a BusError
func NewBusError(code Code, format string, args ...any) *BusError {
	return &BusError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface
func (e *BusError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("[%s @ %s]: %s", e.Code, e.Service, e.Message)
	}
	return fmt.Sprintf("[%s]: %s", e.Code, e.Message)
}
