package policy

import (
	"sync/atomic"

	"github.com/c360/mbus/routing"
)

// RoundRobin sends each message to the next candidate in turn.
type RoundRobin struct {
	param string
	next  atomic.Uint64
}

// NewRoundRobin creates a RoundRobin policy. param optionally lists
// recipients separated by ';'.
func NewRoundRobin(param string) *RoundRobin {
	return &RoundRobin{param: param}
}

// Select implements routing.Policy.
func (p *RoundRobin) Select(ctx *routing.Context) {
	hops := candidates(ctx, p.param)
	if len(hops) == 0 {
		return
	}
	i := (p.next.Add(1) - 1) % uint64(len(hops))
	ctx.AddChildHop(hops[i])
}

// Merge implements routing.Policy.
func (p *RoundRobin) Merge(ctx *routing.Context) {
	routing.DefaultMerge(ctx)
}

// Destroy implements routing.Policy.
func (p *RoundRobin) Destroy() {}
