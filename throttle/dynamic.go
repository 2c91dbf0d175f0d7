package throttle

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/mbus/message"
)

// DynamicConfig tunes a Dynamic policy. Zero fields take the defaults of
// DefaultDynamicConfig.
type DynamicConfig struct {
	MinWindow float64 `json:"min_window,omitempty" yaml:"min_window,omitempty"`
	MaxWindow float64 `json:"max_window,omitempty" yaml:"max_window,omitempty"`
	// Increment is added to the window after a batch that showed slack.
	Increment float64 `json:"increment,omitempty" yaml:"increment,omitempty"`
	// Weight scales Increment. Policies sharing a resource converge to windows
	// roughly proportional to their weights.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	// BackOff multiplies the window on overload.
	BackOff float64 `json:"back_off,omitempty" yaml:"back_off,omitempty"`
	// DecrementFactor bounds the back-off to at least this many increments.
	DecrementFactor float64 `json:"decrement_factor,omitempty" yaml:"decrement_factor,omitempty"`
	// LatencyTolerance is the relative excess over the minimal latency still
	// treated as slack.
	LatencyTolerance float64 `json:"latency_tolerance,omitempty" yaml:"latency_tolerance,omitempty"`
	// MinLatencyDecay lets the minimal latency estimate creep upward by this
	// fraction per batch so stale minima expire.
	MinLatencyDecay float64 `json:"min_latency_decay,omitempty" yaml:"min_latency_decay,omitempty"`
	// ResizeRate is the batch length in windows between adjustments.
	ResizeRate float64 `json:"resize_rate,omitempty" yaml:"resize_rate,omitempty"`
	// IdleTime without sends and nothing pending resets the window.
	IdleTime time.Duration `json:"idle_time,omitempty" yaml:"idle_time,omitempty"`
	// DecayTime without sends shrinks the window proportionally.
	DecayTime time.Duration `json:"decay_time,omitempty" yaml:"decay_time,omitempty"`
}

// DefaultDynamicConfig returns the default tuning.
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		MinWindow:        20,
		MaxWindow:        math.MaxInt32,
		Increment:        20,
		Weight:           1,
		BackOff:          0.9,
		DecrementFactor:  2,
		LatencyTolerance: 0.25,
		MinLatencyDecay:  0.01,
		ResizeRate:       3,
		IdleTime:         60 * time.Second,
		DecayTime:        5 * time.Second,
	}
}

func (c DynamicConfig) withDefaults() DynamicConfig {
	d := DefaultDynamicConfig()
	if c.MinWindow <= 0 {
		c.MinWindow = d.MinWindow
	}
	if c.MinWindow < 1 {
		c.MinWindow = 1
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = d.MaxWindow
	}
	if c.MaxWindow < c.MinWindow {
		c.MaxWindow = c.MinWindow
	}
	if c.Increment <= 0 {
		c.Increment = d.Increment
	}
	if c.Weight <= 0 {
		c.Weight = d.Weight
	}
	if c.BackOff <= 0 || c.BackOff >= 1 {
		c.BackOff = d.BackOff
	}
	if c.DecrementFactor <= 0 {
		c.DecrementFactor = d.DecrementFactor
	}
	if c.LatencyTolerance <= 0 {
		c.LatencyTolerance = d.LatencyTolerance
	}
	if c.MinLatencyDecay < 0 {
		c.MinLatencyDecay = d.MinLatencyDecay
	}
	if c.ResizeRate <= 0 {
		c.ResizeRate = d.ResizeRate
	}
	if c.IdleTime <= 0 {
		c.IdleTime = d.IdleTime
	}
	if c.DecayTime <= 0 || c.DecayTime > c.IdleTime {
		c.DecayTime = min(d.DecayTime, c.IdleTime)
	}
	return c
}

// Dynamic adapts a floating point window between MinWindow and MaxWindow.
//
// Replies are evaluated in batches of about ResizeRate windows. A batch whose
// mean latency stays within LatencyTolerance of the decayed minimal latency
// grows the window by Weight*Increment. A batch with errors, or whose latency
// grew faster than the window did since the previous batch, shrinks it to
// min(w*BackOff, w-DecrementFactor*Increment). Anything else holds.
type Dynamic struct {
	mu     sync.Mutex
	cfg    DynamicConfig
	clock  clock.Clock
	static *Static

	window   float64
	lastSend time.Time
	numSent  int

	sendTimes map[message.Message]time.Time

	batchCount   int
	batchErrors  int
	batchLatency time.Duration

	minLatency  float64
	prevLatency float64
	prevWindow  float64
}

// NewDynamic creates a Dynamic policy starting at the minimum window. A nil
// clock uses the wall clock.
func NewDynamic(cfg DynamicConfig, clk clock.Clock) *Dynamic {
	if clk == nil {
		clk = clock.New()
	}
	cfg = cfg.withDefaults()
	return &Dynamic{
		cfg:       cfg,
		clock:     clk,
		static:    NewStatic(0, 0),
		window:    cfg.MinWindow,
		lastSend:  clk.Now(),
		sendTimes: make(map[message.Message]time.Time),
	}
}

// CanSend implements Policy.
func (d *Dynamic) CanSend(msg message.Message, pendingCount int) bool {
	if !d.static.CanSend(msg, pendingCount) {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	elapsed := now.Sub(d.lastSend)
	switch {
	case elapsed > d.cfg.IdleTime && pendingCount == 0:
		d.window = math.Min(d.window, float64(pendingCount)+d.cfg.Increment)
	case elapsed > d.cfg.DecayTime:
		d.window *= float64(d.cfg.DecayTime) / float64(elapsed)
	}
	d.clamp()
	d.lastSend = now

	floor := math.Floor(d.window)
	limit := int(floor)
	if frac := d.window - floor; frac > 0 && float64(d.numSent%100)/100 < frac {
		limit++
	}
	return pendingCount < limit
}

// ProcessMessage implements Policy.
func (d *Dynamic) ProcessMessage(msg message.Message) {
	d.static.ProcessMessage(msg)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.numSent++
	d.sendTimes[msg] = d.clock.Now()
}

// ProcessReply implements Policy.
func (d *Dynamic) ProcessReply(reply message.Reply) {
	d.static.ProcessReply(reply)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if msg := reply.Message(); msg != nil {
		if sent, ok := d.sendTimes[msg]; ok {
			delete(d.sendTimes, msg)
			if !reply.HasErrors() {
				d.batchLatency += now.Sub(sent)
			}
		}
	}
	d.batchCount++
	if reply.HasErrors() {
		d.batchErrors++
	}

	if float64(d.batchCount) < d.window*d.cfg.ResizeRate {
		return
	}
	d.resize()
}

func (d *Dynamic) resize() {
	ok := d.batchCount - d.batchErrors
	var latency float64
	if ok > 0 {
		latency = float64(d.batchLatency) / float64(ok)
	}

	if latency > 0 {
		if d.minLatency == 0 {
			d.minLatency = latency
		} else {
			d.minLatency = math.Min(latency, d.minLatency*(1+d.cfg.MinLatencyDecay))
		}
	}

	switch {
	case d.batchErrors > 0:
		d.backOff()
	case latency <= d.minLatency*(1+d.cfg.LatencyTolerance):
		d.window += d.cfg.Weight * d.cfg.Increment
	case d.prevLatency > 0 && d.prevWindow > 0 &&
		latency/d.prevLatency > d.window/d.prevWindow:
		d.backOff()
	}
	d.clamp()

	d.prevLatency = latency
	d.prevWindow = d.window
	d.batchCount = 0
	d.batchErrors = 0
	d.batchLatency = 0
}

func (d *Dynamic) backOff() {
	d.window = math.Min(d.window*d.cfg.BackOff, d.window-d.cfg.DecrementFactor*d.cfg.Increment)
}

func (d *Dynamic) clamp() {
	d.window = math.Max(d.cfg.MinWindow, math.Min(d.cfg.MaxWindow, d.window))
}

// MaxPendingCount implements Policy.
func (d *Dynamic) MaxPendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.window)
}

// WindowSize returns the current window.
func (d *Dynamic) WindowSize() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window
}

// SetWindowSize sets the window, clamped to the configured bounds.
func (d *Dynamic) SetWindowSize(w float64) {
	d.mu.Lock()
	d.window = w
	d.clamp()
	d.mu.Unlock()
}

// SetMaxPendingCount adds a static pending ceiling on top of the window.
func (d *Dynamic) SetMaxPendingCount(n int) {
	d.static.SetMaxPendingCount(n)
}

// MinLatency returns the current minimal latency estimate.
func (d *Dynamic) MinLatency() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(d.minLatency)
}
