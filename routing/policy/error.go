package policy

import (
	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/routing"
)

// Error fails every message with a PolicyError carrying its parameter.
type Error struct {
	msg string
}

// NewError creates an Error policy.
func NewError(param string) *Error {
	return &Error{msg: param}
}

// Select implements routing.Policy.
func (p *Error) Select(ctx *routing.Context) {
	ctx.SetError(errors.PolicyError, "%s", p.msg)
}

// Merge implements routing.Policy. It is never reached because Select adds no
// children.
func (p *Error) Merge(ctx *routing.Context) {
	ctx.SetError(errors.PolicyError, "Merge should not be called for error policy.")
}

// Destroy implements routing.Policy.
func (p *Error) Destroy() {}
