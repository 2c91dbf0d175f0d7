package throttle

import (
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/c360/mbus/errors"
)

// Policy kinds accepted by Config.Policy.
const (
	KindStatic  = "static"
	KindRate    = "rate"
	KindDynamic = "dynamic"
)

// Config selects and tunes the throttle policy of a source session.
type Config struct {
	// Policy is one of static, rate or dynamic. Empty means dynamic.
	Policy          string  `json:"policy,omitempty" yaml:"policy,omitempty"`
	MaxPendingCount int     `json:"max_pending_count,omitempty" yaml:"max_pending_count,omitempty"`
	MaxPendingSize  int64   `json:"max_pending_size,omitempty" yaml:"max_pending_size,omitempty"`
	RatePerSecond   float64 `json:"rate_per_second,omitempty" yaml:"rate_per_second,omitempty"`

	Dynamic DynamicConfig `json:"dynamic,omitempty" yaml:"dynamic,omitempty"`
}

// DefaultConfig returns a dynamic policy with default tuning.
func DefaultConfig() Config {
	return Config{Policy: KindDynamic, Dynamic: DefaultDynamicConfig()}
}

// Validate checks the policy kind and its required parameters.
func (c Config) Validate() error {
	switch c.Policy {
	case "", KindStatic, KindDynamic:
		return nil
	case KindRate:
		if c.RatePerSecond <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "throttle", "Validate",
				"rate policy requires rate_per_second > 0")
		}
		return nil
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown throttle policy %q", errors.ErrInvalidConfig, c.Policy),
			"throttle", "Validate", "policy kind check")
	}
}

// FromConfig builds the policy described by cfg. A nil clock uses the wall
// clock.
func FromConfig(cfg Config, clk clock.Clock) (Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Policy {
	case KindStatic:
		return NewStatic(cfg.MaxPendingCount, cfg.MaxPendingSize), nil
	case KindRate:
		return NewRate(cfg.RatePerSecond, cfg.MaxPendingCount, clk), nil
	default:
		d := NewDynamic(cfg.Dynamic, clk)
		if cfg.MaxPendingCount > 0 {
			d.SetMaxPendingCount(cfg.MaxPendingCount)
		}
		return d, nil
	}
}
