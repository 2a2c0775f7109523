package core

import (
	"github.com/shopspring/decimal"
)

type LiquidateResult struct {
	// CtokensSeized is the gross collateral taken from the obligation;
	// LiquidatorCtokens plus ProtocolFeeCtokens equals it exactly.
	CtokensSeized      uint64 `json:"ctokensSeized"`
	LiquidatorCtokens  uint64 `json:"liquidatorCtokens"`
	ProtocolFeeCtokens uint64 `json:"protocolFeeCtokens"`

	// Repaid is the debt settled, in underlying Decimal units of the
	// repay reserve. The custody collaborator collects ceil(Repaid).
	Repaid decimal.Decimal `json:"repaid"`
}

// Liquidate partially closes an unhealthy position: it settles debt in
// the repay reserve and seizes collateral in the withdraw reserve at a
// premium of (1 + liquidation bonus + protocol fee) on the repaid value.
// Settlement runs through the ordinary repay and unchecked-withdraw paths
// so aggregates and reward shares stay consistent. The obligation must
// have been refreshed at now, which also guarantees every price behind
// the health verdict passed its freshness check at now.
func Liquidate(log Log, o *Obligation, reserves []*Reserve, repayReserveIndex, withdrawReserveIndex int, now int64, requested uint64) (*LiquidateResult, error) {
	if requested == 0 {
		return nil, AmountTooSmall
	}
	if err := o.assertRefreshed(now); err != nil {
		return nil, err
	}
	if !o.IsLiquidatable() {
		return nil, ObligationHealthy
	}

	repayReserve, err := reserveAt(reserves, repayReserveIndex)
	if err != nil {
		return nil, err
	}
	withdrawReserve, err := reserveAt(reserves, withdrawReserveIndex)
	if err != nil {
		return nil, err
	}

	b, ok := o.findBorrow(repayReserve.Index)
	if !ok {
		return nil, BorrowRecordNotFound
	}
	d, ok := o.findDeposit(withdrawReserve.Index)
	if !ok {
		return nil, DepositRecordNotFound
	}

	// Dust borrows close in full; anything larger is capped by the close
	// factor over the whole weighted borrow value.
	var repayAmount decimal.Decimal
	if b.MarketValue.LessThanOrEqual(FULL_LIQUIDATION_THRESHOLD) {
		repayAmount = b.BorrowedAmount
	} else {
		maxRepayValue := decimal.Min(o.WeightedBorrowedValue.Mul(CLOSE_FACTOR), b.MarketValue)
		maxRepayAmount := b.BorrowedAmount.Mul(maxRepayValue).Div(b.MarketValue)
		repayAmount = decimal.Min(FromU64(requested), maxRepayAmount)
	}
	if repayAmount.LessThanOrEqual(decimal.Zero) {
		return nil, AmountTooSmall
	}

	repayValue := repayReserve.MarketValue(repayAmount)
	bonusTotal := withdrawReserve.Config.LiquidationBonus().Add(withdrawReserve.Config.ProtocolLiquidationFee())
	withdrawValue := repayValue.Mul(ONE.Add(bonusTotal))

	var ctokensSeized uint64
	if d.MarketValue.LessThan(withdrawValue) {
		// Deposit too small to cover the premium: seize it whole and
		// scale the repayment down proportionally.
		scale := d.MarketValue.Div(withdrawValue)
		repayAmount = repayAmount.Mul(scale)
		ctokensSeized = d.CtokenAmount
	} else {
		ctokensSeized = FloorU64(FromU64(d.CtokenAmount).Mul(withdrawValue).Div(d.MarketValue))
	}
	if ctokensSeized == 0 || repayAmount.LessThanOrEqual(decimal.Zero) {
		return nil, AmountTooSmall
	}

	repaid, err := o.Repay(log, repayReserve, repayAmount)
	if err != nil {
		return nil, err
	}
	if err := o.withdrawUnchecked(log, withdrawReserve, ctokensSeized); err != nil {
		return nil, err
	}

	liquidatorCtokens, protocolFee := withdrawReserve.DeductLiquidationFee(ctokensSeized)

	log.Info().Msgf("liquidated obligation %s: repaid %s of reserve %d, seized %d ctokens of reserve %d (%d fee)",
		o.Id, repaid, repayReserve.Index, ctokensSeized, withdrawReserve.Index, protocolFee)

	return &LiquidateResult{
		CtokensSeized:      ctokensSeized,
		LiquidatorCtokens:  liquidatorCtokens,
		ProtocolFeeCtokens: protocolFee,
		Repaid:             repaid,
	}, nil
}

// Forgive writes off residual bad debt of a position whose collateral has
// been fully seized. The loss lands on depositors through the ctoken
// ratio, since the forgiven debt no longer backs the supply.
func Forgive(log Log, o *Obligation, reserve *Reserve, now int64, maxForgiveAmount decimal.Decimal) (decimal.Decimal, error) {
	if maxForgiveAmount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, AmountTooSmall
	}
	if err := o.assertRefreshed(now); err != nil {
		return decimal.Zero, err
	}
	if len(o.Deposits) != 0 {
		return decimal.Zero, ObligationNotForgivable
	}
	if _, ok := o.findBorrow(reserve.Index); !ok {
		return decimal.Zero, BorrowRecordNotFound
	}

	forgiven, err := o.Repay(log, reserve, maxForgiveAmount)
	if err != nil {
		return decimal.Zero, err
	}
	reserve.ForgiveDebt(forgiven)

	log.Warn().Msgf("forgave %s of reserve %d debt on obligation %s", forgiven, reserve.Index, o.Id)
	return forgiven, nil
}

// ForgiveDebt erases debt without a matching repayment.
func (r *Reserve) ForgiveDebt(amount decimal.Decimal) {
	r.BorrowedAmount = SatSub(r.BorrowedAmount, amount)
}
