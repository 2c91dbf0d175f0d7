package policy

import (
	"github.com/c360/mbus/routing"
)

// All sends a copy of the message to every candidate and merges the replies
// with routing.DefaultMerge.
type All struct {
	param string
}

// NewAll creates an All policy. param optionally lists recipients separated
// by ';'.
func NewAll(param string) *All {
	return &All{param: param}
}

// Select implements routing.Policy.
func (p *All) Select(ctx *routing.Context) {
	for _, h := range candidates(ctx, p.param) {
		ctx.AddChildHop(h)
	}
}

// Merge implements routing.Policy.
func (p *All) Merge(ctx *routing.Context) {
	routing.DefaultMerge(ctx)
}

// Destroy implements routing.Policy.
func (p *All) Destroy() {}
