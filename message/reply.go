package message

import (
	"fmt"
	"time"

	"github.com/c360/mbus/errors"
)

// Error is one error carried by a reply.
type Error struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Service string      `json:"service,omitempty"`
}

// NewError creates an Error with a formatted message.
func NewError(code errors.Code, format string, args ...any) Error {
	return Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsFatal returns true if the code is outside the transient band.
func (e Error) IsFatal() bool {
	return e.Code.IsFatal()
}

// Err converts the entry into a Go error.
func (e Error) Err() error {
	return &errors.BusError{Code: e.Code, Message: e.Message, Service: e.Service}
}

func (e Error) String() string {
	return e.Err().Error()
}

// Reply is the response to exactly one message.
type Reply interface {
	Routable

	// Message returns the message this reply answers, if still attached.
	Message() Message
	SetMessage(msg Message)

	Errors() []Error
	NumErrors() int
	AddError(e Error)
	HasErrors() bool
	HasFatalErrors() bool

	// RetryDelay is a delay requested by the replier, if any.
	RetryDelay() (time.Duration, bool)
	SetRetryDelay(d time.Duration)
}

// BaseReply holds the state shared by all replies.
type BaseReply struct {
	routable

	msg           Message
	errs          []Error
	retryDelay    time.Duration
	hasRetryDelay bool
}

// Message returns the attached message.
func (r *BaseReply) Message() Message {
	return r.msg
}

// SetMessage attaches msg.
func (r *BaseReply) SetMessage(msg Message) {
	r.msg = msg
}

// Errors returns a copy of the errors in the order they were added.
func (r *BaseReply) Errors() []Error {
	return append([]Error(nil), r.errs...)
}

// NumErrors returns the number of errors.
func (r *BaseReply) NumErrors() int {
	return len(r.errs)
}

// AddError appends e.
func (r *BaseReply) AddError(e Error) {
	r.errs = append(r.errs, e)
}

// HasErrors returns true if any error is present.
func (r *BaseReply) HasErrors() bool {
	return len(r.errs) > 0
}

// HasFatalErrors returns true if any error is fatal.
func (r *BaseReply) HasFatalErrors() bool {
	for _, e := range r.errs {
		if e.IsFatal() {
			return true
		}
	}
	return false
}

// RetryDelay returns the requested retry delay.
func (r *BaseReply) RetryDelay() (time.Duration, bool) {
	return r.retryDelay, r.hasRetryDelay
}

// SetRetryDelay requests a retry delay. A negative value clears it.
func (r *BaseReply) SetRetryDelay(d time.Duration) {
	if d < 0 {
		r.retryDelay, r.hasRetryDelay = 0, false
		return
	}
	r.retryDelay, r.hasRetryDelay = d, true
}

// EmptyReply is a reply without payload. The bus uses it for acknowledgements
// and for replies synthesised from errors.
type EmptyReply struct {
	BaseReply
}

// NewEmptyReply creates an EmptyReply.
func NewEmptyReply() *EmptyReply {
	return &EmptyReply{}
}

// NewErrorReply creates an EmptyReply carrying one error.
func NewErrorReply(code errors.Code, format string, args ...any) *EmptyReply {
	r := &EmptyReply{}
	r.AddError(NewError(code, format, args...))
	return r
}

// Protocol returns the empty string, EmptyReply belongs to no protocol.
func (*EmptyReply) Protocol() string {
	return ""
}

// Type returns 0.
func (*EmptyReply) Type() uint32 {
	return 0
}

// CopyErrors appends all errors of src to dst.
func CopyErrors(dst, src Reply) {
	for _, e := range src.Errors() {
		dst.AddError(e)
	}
}
