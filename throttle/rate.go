package throttle

import (
	"math"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/c360/mbus/message"
)

// Rate admits at most a fixed number of sends per second, measured with a
// token bucket refilled every 100ms worth of budget. An optional static
// pending limit applies on top.
type Rate struct {
	static  *Static
	limiter *rate.Limiter
	clock   clock.Clock
}

// NewRate creates a Rate policy allowing perSecond sends per second. A nil
// clock uses the wall clock.
func NewRate(perSecond float64, maxPendingCount int, clk clock.Clock) *Rate {
	if clk == nil {
		clk = clock.New()
	}
	burst := int(math.Ceil(perSecond / 10))
	if burst < 1 {
		burst = 1
	}
	return &Rate{
		static:  NewStatic(maxPendingCount, 0),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		clock:   clk,
	}
}

// CanSend implements Policy.
func (r *Rate) CanSend(msg message.Message, pendingCount int) bool {
	if !r.static.CanSend(msg, pendingCount) {
		return false
	}
	return r.limiter.TokensAt(r.clock.Now()) >= 1
}

// ProcessMessage implements Policy.
func (r *Rate) ProcessMessage(msg message.Message) {
	r.limiter.AllowN(r.clock.Now(), 1)
	r.static.ProcessMessage(msg)
}

// ProcessReply implements Policy.
func (r *Rate) ProcessReply(reply message.Reply) {
	r.static.ProcessReply(reply)
}

// MaxPendingCount implements Policy.
func (r *Rate) MaxPendingCount() int {
	return r.static.MaxPendingCount()
}

// SetRate changes the allowed sends per second.
func (r *Rate) SetRate(perSecond float64) {
	now := r.clock.Now()
	burst := int(math.Ceil(perSecond / 10))
	if burst < 1 {
		burst = 1
	}
	r.limiter.SetLimitAt(now, rate.Limit(perSecond))
	r.limiter.SetBurstAt(now, burst)
}
