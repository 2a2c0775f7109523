package core

import (
	"math"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type (
	// RateCurvePoint is one breakpoint of the piecewise-linear
	// utilization -> borrow APR curve.
	RateCurvePoint struct {
		Utilization decimal.Decimal `json:"utilization"`
		Apr         decimal.Decimal `json:"apr"`
	}

	// EModeEntry grants a deposit reserve a more favorable LTV pair when
	// collateralizing borrows from one specific counterparty reserve.
	EModeEntry struct {
		ReserveIndex int             `json:"reserveIndex"`
		OpenLtv      decimal.Decimal `json:"openLtv"`
		CloseLtv     decimal.Decimal `json:"closeLtv"`
	}

	ReserveConfig struct {
		OpenLtv  decimal.Decimal `json:"openLtv"`
		CloseLtv decimal.Decimal `json:"closeLtv"`

		// BorrowWeight >= 1 inflates this asset's contribution to the
		// weighted borrow sums.
		BorrowWeight decimal.Decimal `json:"borrowWeight"`

		DepositLimit uint64 `json:"depositLimit"`
		BorrowLimit  uint64 `json:"borrowLimit"`

		BorrowFeeBps              uint64 `json:"borrowFeeBps"`
		SpreadFeeBps              uint64 `json:"spreadFeeBps"`
		LiquidationBonusBps       uint64 `json:"liquidationBonusBps"`
		ProtocolLiquidationFeeBps uint64 `json:"protocolLiquidationFeeBps"`

		Isolated bool `json:"isolated"`

		PriceMaxStaleness int64 `json:"priceMaxStaleness"`

		InterestRateCurve []RateCurvePoint `json:"interestRateCurve"`

		EModeOverrides []EModeEntry `json:"eModeOverrides,omitempty"`
	}
)

func (c *ReserveConfig) Validate() error {
	if c.OpenLtv.LessThan(decimal.Zero) || c.OpenLtv.GreaterThan(c.CloseLtv) {
		return errors.Wrap(InvalidConfig, "open ltv must satisfy 0 <= open <= close")
	}
	if c.CloseLtv.GreaterThan(ONE) {
		return errors.Wrap(InvalidConfig, "close ltv must not exceed 100%")
	}
	if c.BorrowWeight.LessThan(ONE) {
		return errors.Wrap(InvalidConfig, "borrow weight must be >= 1")
	}
	if c.PriceMaxStaleness <= 0 {
		return errors.Wrap(InvalidConfig, "price max staleness must be positive")
	}
	if len(c.InterestRateCurve) < 2 {
		return errors.Wrap(InvalidConfig, "interest rate curve needs at least two points")
	}
	first := c.InterestRateCurve[0]
	last := c.InterestRateCurve[len(c.InterestRateCurve)-1]
	if !first.Utilization.IsZero() || !last.Utilization.Equal(ONE) {
		return errors.Wrap(InvalidConfig, "interest rate curve must span utilization 0 to 1")
	}
	for i, p := range c.InterestRateCurve {
		if p.Apr.IsNegative() {
			return errors.Wrap(InvalidConfig, "negative apr breakpoint")
		}
		if i > 0 && !p.Utilization.GreaterThan(c.InterestRateCurve[i-1].Utilization) {
			return errors.Wrap(InvalidConfig, "interest rate curve utilization must strictly increase")
		}
	}
	for _, e := range c.EModeOverrides {
		if e.ReserveIndex < 0 {
			return errors.Wrap(InvalidConfig, "e-mode reserve index out of range")
		}
		if e.OpenLtv.LessThan(decimal.Zero) || e.OpenLtv.GreaterThan(e.CloseLtv) || e.CloseLtv.GreaterThan(ONE) {
			return errors.Wrap(InvalidConfig, "e-mode ltv pair out of range")
		}
	}
	return nil
}

// Update merges the non-zero fields of newConfig into c; zero-valued
// fields mean "leave unchanged". Isolated cannot be expressed as unset
// and only changes through wholesale replacement. The caller validates
// the merged result.
func (c *ReserveConfig) Update(newConfig *ReserveConfig) {
	if !newConfig.OpenLtv.IsZero() {
		c.OpenLtv = newConfig.OpenLtv
	}
	if !newConfig.CloseLtv.IsZero() {
		c.CloseLtv = newConfig.CloseLtv
	}
	if !newConfig.BorrowWeight.IsZero() {
		c.BorrowWeight = newConfig.BorrowWeight
	}
	if newConfig.DepositLimit != 0 {
		c.DepositLimit = newConfig.DepositLimit
	}
	if newConfig.BorrowLimit != 0 {
		c.BorrowLimit = newConfig.BorrowLimit
	}
	if newConfig.BorrowFeeBps != 0 {
		c.BorrowFeeBps = newConfig.BorrowFeeBps
	}
	if newConfig.SpreadFeeBps != 0 {
		c.SpreadFeeBps = newConfig.SpreadFeeBps
	}
	if newConfig.LiquidationBonusBps != 0 {
		c.LiquidationBonusBps = newConfig.LiquidationBonusBps
	}
	if newConfig.ProtocolLiquidationFeeBps != 0 {
		c.ProtocolLiquidationFeeBps = newConfig.ProtocolLiquidationFeeBps
	}
	if newConfig.PriceMaxStaleness != 0 {
		c.PriceMaxStaleness = newConfig.PriceMaxStaleness
	}
	if newConfig.InterestRateCurve != nil {
		c.InterestRateCurve = newConfig.InterestRateCurve
	}
	if newConfig.EModeOverrides != nil {
		c.EModeOverrides = newConfig.EModeOverrides
	}
}

// CalcApr interpolates linearly between the two breakpoints bracketing
// the given utilization. Utilization outside [0,1] clamps to the curve
// endpoints.
func (c *ReserveConfig) CalcApr(utilization decimal.Decimal) decimal.Decimal {
	curve := c.InterestRateCurve
	if utilization.LessThanOrEqual(curve[0].Utilization) {
		return curve[0].Apr
	}
	for i := 1; i < len(curve); i++ {
		left, right := curve[i-1], curve[i]
		if utilization.LessThanOrEqual(right.Utilization) {
			span := right.Utilization.Sub(left.Utilization)
			weight := utilization.Sub(left.Utilization).Div(span)
			return left.Apr.Add(weight.Mul(right.Apr.Sub(left.Apr)))
		}
	}
	return curve[len(curve)-1].Apr
}

func (c *ReserveConfig) EModeOverride(reserveIndex int) (EModeEntry, bool) {
	for _, e := range c.EModeOverrides {
		if e.ReserveIndex == reserveIndex {
			return e, true
		}
	}
	return EModeEntry{}, false
}

func (c *ReserveConfig) IsDepositLimitActive() bool {
	return c.DepositLimit != math.MaxUint64
}

func (c *ReserveConfig) IsBorrowLimitActive() bool {
	return c.BorrowLimit != math.MaxUint64
}

func (c *ReserveConfig) BorrowFee() decimal.Decimal {
	return FromBps(c.BorrowFeeBps)
}

func (c *ReserveConfig) SpreadFee() decimal.Decimal {
	return FromBps(c.SpreadFeeBps)
}

func (c *ReserveConfig) LiquidationBonus() decimal.Decimal {
	return FromBps(c.LiquidationBonusBps)
}

func (c *ReserveConfig) ProtocolLiquidationFee() decimal.Decimal {
	return FromBps(c.ProtocolLiquidationFeeBps)
}
