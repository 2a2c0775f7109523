package core

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type (
	RateLimiterConfig struct {
		// WindowDuration is in seconds.
		WindowDuration int64           `json:"windowDuration"`
		MaxOutflow     decimal.Decimal `json:"maxOutflow"`
	}

	// RateLimiter caps aggregate value outflow over a sliding window
	// without storing past events: the previous window's quantity decays
	// linearly as the current window progresses. O(1) state, O(1) update.
	RateLimiter struct {
		Config RateLimiterConfig `json:"config"`

		WindowStart int64           `json:"windowStart"`
		CurQty      decimal.Decimal `json:"curQty"`
		PrevQty     decimal.Decimal `json:"prevQty"`
	}
)

func (c *RateLimiterConfig) Validate() error {
	if c.WindowDuration <= 0 {
		return errors.Wrap(InvalidConfig, "window duration must be positive")
	}
	if c.MaxOutflow.IsNegative() {
		return errors.Wrap(InvalidConfig, "max outflow must be non-negative")
	}
	return nil
}

func NewRateLimiter(config RateLimiterConfig, now int64) (*RateLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &RateLimiter{
		Config:      config,
		WindowStart: now,
		CurQty:      decimal.Zero,
		PrevQty:     decimal.Zero,
	}, nil
}

// roll advances the window state to now. Two or more whole windows past
// the start, everything has decayed to zero; exactly one window past, the
// current bucket becomes the previous one.
func (rl *RateLimiter) roll(now int64) {
	d := rl.Config.WindowDuration
	switch {
	case now >= rl.WindowStart+2*d:
		rl.PrevQty = decimal.Zero
		rl.CurQty = decimal.Zero
		rl.WindowStart = now
	case now >= rl.WindowStart+d:
		rl.PrevQty = rl.CurQty
		rl.CurQty = decimal.Zero
		rl.WindowStart += d
	}
}

// decayedPrev is the previous window's contribution at now, after roll:
// prev * (D - (now - start + 1)) / D, never negative.
func (rl *RateLimiter) decayedPrev(now int64) decimal.Decimal {
	d := decimal.NewFromInt(rl.Config.WindowDuration)
	elapsed := decimal.NewFromInt(now - rl.WindowStart + 1)
	return rl.PrevQty.Mul(SatSub(d, elapsed)).Div(d)
}

// CurrentOutflow is the decayed previous-window contribution plus the
// current window's quantity, evaluated at now.
func (rl *RateLimiter) CurrentOutflow(now int64) decimal.Decimal {
	copied := *rl
	copied.roll(now)
	return copied.decayedPrev(now).Add(copied.CurQty)
}

// ProcessQty rolls the window forward and records qty of outflow, failing
// without committing when the decayed total would exceed the cap.
func (rl *RateLimiter) ProcessQty(now int64, qty decimal.Decimal) error {
	rl.roll(now)

	candidate := rl.CurQty.Add(qty)
	if rl.decayedPrev(now).Add(candidate).GreaterThan(rl.Config.MaxOutflow) {
		return RateLimitExceeded
	}

	rl.CurQty = candidate
	return nil
}

// Remaining estimates how much more outflow the limiter admits at now.
// Callers intersect it with per-reserve and per-obligation bounds.
func (rl *RateLimiter) Remaining(now int64) decimal.Decimal {
	return SatSub(rl.Config.MaxOutflow, rl.CurrentOutflow(now))
}

func (rl *RateLimiter) UpdateConfig(config RateLimiterConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	rl.Config = config
	return nil
}
