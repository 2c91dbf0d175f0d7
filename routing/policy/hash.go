package policy

import (
	"github.com/c360/mbus/routing"
)

// Hash sends messages with the same sequence id to the same candidate, as
// long as the candidate list is stable. Messages without a sequence id are
// spread round robin.
type Hash struct {
	fallback *RoundRobin
	param    string
}

// NewHash creates a Hash policy. param optionally lists recipients separated
// by ';'.
func NewHash(param string) *Hash {
	return &Hash{param: param, fallback: NewRoundRobin(param)}
}

// Select implements routing.Policy.
func (p *Hash) Select(ctx *routing.Context) {
	msg := ctx.Message()
	if !msg.HasSequenceID() {
		p.fallback.Select(ctx)
		return
	}
	hops := candidates(ctx, p.param)
	if len(hops) == 0 {
		return
	}
	ctx.AddChildHop(hops[mix(msg.SequenceID())%uint64(len(hops))])
}

// mix spreads sequential ids over the candidates (splitmix64 finalizer).
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Merge implements routing.Policy.
func (p *Hash) Merge(ctx *routing.Context) {
	routing.DefaultMerge(ctx)
}

// Destroy implements routing.Policy.
func (p *Hash) Destroy() {}
