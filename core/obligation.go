package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/NovaLend/core/utils"
)

type (
	ObligationStore interface {
		CreateObligation(ctx context.Context, obligation *Obligation) error
		UpsertObligation(ctx context.Context, obligation *Obligation) error
		GetObligationById(ctx context.Context, obligationId uuid.UUID) (*Obligation, error)
		FindObligation(ctx context.Context, marketId uuid.UUID, owner string) (*Obligation, error)
		ListObligations(ctx context.Context, marketId uuid.UUID) ([]*Obligation, error)
	}

	// ObligationDeposit is one collateral record. At most one exists per
	// reserve; it is removed when the ctoken amount reaches exactly zero.
	ObligationDeposit struct {
		ReserveIndex int             `json:"reserveIndex"`
		CtokenAmount uint64          `json:"ctokenAmount"`
		MarketValue  decimal.Decimal `json:"marketValue"`
		RewardIndex  int             `json:"rewardIndex"`
	}

	// ObligationBorrow is one debt record. BorrowedAmount carries
	// principal plus interest in underlying units; CumulativeBorrowRate is
	// the reserve index snapshot at last interaction.
	ObligationBorrow struct {
		ReserveIndex         int             `json:"reserveIndex"`
		BorrowedAmount       decimal.Decimal `json:"borrowedAmount"`
		CumulativeBorrowRate decimal.Decimal `json:"cumulativeBorrowRate"`
		MarketValue          decimal.Decimal `json:"marketValue"`
		RewardIndex          int             `json:"rewardIndex"`
	}

	PositionSide uint8

	// UserRewardManager is the minimal share-accounting hook reward
	// distribution requires from positions. Entries are created lazily on
	// first touch of a reserve and addressed by index from the records.
	UserRewardManager struct {
		ReserveIndex int             `json:"reserveIndex"`
		Side         PositionSide    `json:"side"`
		Share        decimal.Decimal `json:"share"`
		Suppressed   bool            `json:"suppressed"`
	}

	Obligation struct {
		Id       uuid.UUID `json:"id"`
		MarketId uuid.UUID `json:"marketId"`
		Owner    string    `json:"owner"`

		Deposits []ObligationDeposit `json:"deposits"`
		Borrows  []ObligationBorrow  `json:"borrows"`

		DepositedValue decimal.Decimal `json:"depositedValue"`

		// AllowedBorrowValue uses the lower price bound and open LTVs;
		// UnhealthyBorrowValue uses spot and close LTVs.
		AllowedBorrowValue   decimal.Decimal `json:"allowedBorrowValue"`
		UnhealthyBorrowValue decimal.Decimal `json:"unhealthyBorrowValue"`

		UnweightedBorrowedValue         decimal.Decimal `json:"unweightedBorrowedValue"`
		WeightedBorrowedValue           decimal.Decimal `json:"weightedBorrowedValue"`
		WeightedBorrowedValueUpperBound decimal.Decimal `json:"weightedBorrowedValueUpperBound"`

		BorrowingIsolatedAsset bool `json:"borrowingIsolatedAsset"`

		RewardManagers []UserRewardManager `json:"rewardManagers"`

		// LastRefresh is the timestamp of the last full Refresh. Not
		// persisted: a reloaded obligation must refresh before any
		// health-gated operation.
		LastRefresh int64 `json:"-"`

		CreatedAt int64 `json:"createdAt"`
		UpdatedAt int64 `json:"updatedAt"`
	}
)

const (
	SideDeposit PositionSide = iota
	SideBorrow
)

func (ps PositionSide) String() string {
	switch ps {
	case SideDeposit:
		return "Deposit"
	case SideBorrow:
		return "Borrow"
	default:
		return "Unknown"
	}
}

func NewObligation(clk clock.Clock, marketId uuid.UUID, owner string) *Obligation {
	return &Obligation{
		Id:        uuid.Must(uuid.FromString(utils.GenUuidFromStrings(marketId.String(), owner))),
		MarketId:  marketId,
		Owner:     owner,
		CreatedAt: clk.Now().Unix(),
		UpdatedAt: clk.Now().Unix(),
	}
}

func reserveAt(reserves []*Reserve, index int) (*Reserve, error) {
	if index < 0 || index >= len(reserves) {
		return nil, ReserveNotFound
	}
	return reserves[index], nil
}

func (o *Obligation) findDeposit(reserveIndex int) (*ObligationDeposit, bool) {
	for i := range o.Deposits {
		if o.Deposits[i].ReserveIndex == reserveIndex {
			return &o.Deposits[i], true
		}
	}
	return nil, false
}

func (o *Obligation) findBorrow(reserveIndex int) (*ObligationBorrow, bool) {
	for i := range o.Borrows {
		if o.Borrows[i].ReserveIndex == reserveIndex {
			return &o.Borrows[i], true
		}
	}
	return nil, false
}

func (o *Obligation) ensureRewardManager(reserveIndex int, side PositionSide) int {
	for i := range o.RewardManagers {
		if o.RewardManagers[i].ReserveIndex == reserveIndex && o.RewardManagers[i].Side == side {
			return i
		}
	}
	o.RewardManagers = append(o.RewardManagers, UserRewardManager{
		ReserveIndex: reserveIndex,
		Side:         side,
		Share:        decimal.Zero,
	})
	return len(o.RewardManagers) - 1
}

func (o *Obligation) syncDepositShares(reserve *Reserve, d *ObligationDeposit) {
	m := &o.RewardManagers[d.RewardIndex]
	target := FromU64(d.CtokenAmount)
	if m.Suppressed {
		target = decimal.Zero
	}
	reserve.DepositRewards.changeShares(target.Sub(m.Share))
	m.Share = target
}

// Borrow reward shares are normalized debt so accruing interest does not
// dilute other borrowers.
func (o *Obligation) syncBorrowShares(reserve *Reserve, b *ObligationBorrow) {
	m := &o.RewardManagers[b.RewardIndex]
	target := decimal.Zero
	if !m.Suppressed && !b.CumulativeBorrowRate.IsZero() {
		target = b.BorrowedAmount.Div(b.CumulativeBorrowRate)
	}
	reserve.BorrowRewards.changeShares(target.Sub(m.Share))
	m.Share = target
}

// Refresh recomputes every cached value and aggregate from scratch at the
// current timestamp. It is mandatory before Borrow, Withdraw or
// liquidation, idempotent, and fails on any stale touched price.
func (o *Obligation) Refresh(log Log, reserves []*Reserve, now int64) error {
	unweighted := decimal.Zero
	weighted := decimal.Zero
	weightedUpper := decimal.Zero
	borrowingIsolated := false

	for i := range o.Borrows {
		b := &o.Borrows[i]
		reserve, err := reserveAt(reserves, b.ReserveIndex)
		if err != nil {
			return err
		}
		reserve.CompoundInterest(log, now)
		if err := reserve.AssertPriceFresh(now); err != nil {
			return err
		}

		b.compoundDebt(reserve)
		b.MarketValue = reserve.MarketValue(b.BorrowedAmount)

		weight := reserve.Config.BorrowWeight
		unweighted = unweighted.Add(b.MarketValue)
		weighted = weighted.Add(b.MarketValue.Mul(weight))
		weightedUpper = weightedUpper.Add(reserve.MarketValueUpperBound(b.BorrowedAmount).Mul(weight))

		if reserve.Config.Isolated {
			borrowingIsolated = true
		}
	}

	// Residual weighted borrow value available for e-mode allocation,
	// shared across all deposits so no value is counted twice.
	remaining := make([]decimal.Decimal, len(o.Borrows))
	for i := range o.Borrows {
		reserve := reserves[o.Borrows[i].ReserveIndex]
		remaining[i] = o.Borrows[i].MarketValue.Mul(reserve.Config.BorrowWeight)
	}

	deposited := decimal.Zero
	allowed := decimal.Zero
	unhealthy := decimal.Zero

	for i := range o.Deposits {
		d := &o.Deposits[i]
		reserve, err := reserveAt(reserves, d.ReserveIndex)
		if err != nil {
			return err
		}
		reserve.CompoundInterest(log, now)
		if err := reserve.AssertPriceFresh(now); err != nil {
			return err
		}

		d.MarketValue = reserve.CtokenMarketValue(d.CtokenAmount, Spot)
		lowerValue := reserve.CtokenMarketValue(d.CtokenAmount, Low)
		deposited = deposited.Add(d.MarketValue)

		a, u := o.blendDepositLtv(reserve, d.MarketValue, lowerValue, remaining)
		allowed = allowed.Add(a)
		unhealthy = unhealthy.Add(u)
	}

	o.DepositedValue = deposited
	o.AllowedBorrowValue = allowed
	o.UnhealthyBorrowValue = unhealthy
	o.UnweightedBorrowedValue = unweighted
	o.WeightedBorrowedValue = weighted
	o.WeightedBorrowedValueUpperBound = weightedUpper
	o.BorrowingIsolatedAsset = borrowingIsolated
	o.LastRefresh = now
	o.UpdatedAt = now
	return nil
}

// assertRefreshed requires a Refresh at exactly this timestamp. A passing
// Refresh also proves every price backing the aggregates was fresh at
// now, so the gate cannot go stale.
func (o *Obligation) assertRefreshed(now int64) error {
	if o.LastRefresh != now {
		return ObligationNotRefreshed
	}
	return nil
}

// blendDepositLtv walks the borrows from most-recently-added to least,
// allocating deposit value at the e-mode override LTV against each borrow
// that declares one, and applies the reserve's normal LTV pair to
// whatever remains. Both the deposit's residual capacity and each
// borrow's residual weighted value decrement as they are consumed.
func (o *Obligation) blendDepositLtv(reserve *Reserve, valueSpot, valueLower decimal.Decimal, remaining []decimal.Decimal) (allowed, unhealthy decimal.Decimal) {
	allowed = decimal.Zero
	unhealthy = decimal.Zero
	if valueSpot.IsZero() {
		return
	}

	residual := valueSpot
	for i := len(o.Borrows) - 1; i >= 0; i-- {
		override, ok := reserve.Config.EModeOverride(o.Borrows[i].ReserveIndex)
		if !ok {
			continue
		}
		alloc := decimal.Min(residual, remaining[i])
		if alloc.LessThanOrEqual(decimal.Zero) {
			continue
		}
		frac := alloc.Div(valueSpot)
		allowed = allowed.Add(valueLower.Mul(frac).Mul(override.OpenLtv))
		unhealthy = unhealthy.Add(valueSpot.Mul(frac).Mul(override.CloseLtv))
		residual = SatSub(residual, alloc)
		remaining[i] = SatSub(remaining[i], alloc)
		if residual.IsZero() {
			break
		}
	}

	frac := residual.Div(valueSpot)
	allowed = allowed.Add(valueLower.Mul(frac).Mul(reserve.Config.OpenLtv))
	unhealthy = unhealthy.Add(valueSpot.Mul(frac).Mul(reserve.Config.CloseLtv))
	return
}

func (b *ObligationBorrow) compoundDebt(reserve *Reserve) {
	if b.CumulativeBorrowRate.IsZero() {
		return
	}
	ratio := reserve.CumulativeBorrowRate.Div(b.CumulativeBorrowRate)
	b.BorrowedAmount = b.BorrowedAmount.Mul(ratio)
	b.CumulativeBorrowRate = reserve.CumulativeBorrowRate
}

// IsHealthy gates new borrows and withdrawals with the upper price bound,
// leaving a margin against oracle volatility.
func (o *Obligation) IsHealthy() bool {
	return o.WeightedBorrowedValueUpperBound.LessThanOrEqual(o.AllowedBorrowValue)
}

// IsLiquidatable triggers on spot so eligibility is not overly
// conservative.
func (o *Obligation) IsLiquidatable() bool {
	return o.WeightedBorrowedValue.GreaterThan(o.UnhealthyBorrowValue)
}

// Deposit adds ctokens to the matching record, updating aggregates
// incrementally. It deliberately does not require fresh prices: adding
// collateral only tightens safety. The e-mode blend is recomputed on the
// next full refresh.
func (o *Obligation) Deposit(log Log, reserve *Reserve, ctokenAmount uint64) error {
	if ctokenAmount == 0 {
		return AmountTooSmall
	}
	if _, ok := o.findBorrow(reserve.Index); ok {
		return SameAssetDepositBorrow
	}

	d, ok := o.findDeposit(reserve.Index)
	if !ok {
		o.Deposits = append(o.Deposits, ObligationDeposit{
			ReserveIndex: reserve.Index,
			RewardIndex:  o.ensureRewardManager(reserve.Index, SideDeposit),
		})
		d = &o.Deposits[len(o.Deposits)-1]
	}

	valueSpot := reserve.CtokenMarketValue(ctokenAmount, Spot)
	valueLower := reserve.CtokenMarketValue(ctokenAmount, Low)

	d.CtokenAmount += ctokenAmount
	d.MarketValue = d.MarketValue.Add(valueSpot)
	o.DepositedValue = o.DepositedValue.Add(valueSpot)
	o.AllowedBorrowValue = o.AllowedBorrowValue.Add(valueLower.Mul(reserve.Config.OpenLtv))
	o.UnhealthyBorrowValue = o.UnhealthyBorrowValue.Add(valueSpot.Mul(reserve.Config.CloseLtv))

	o.syncDepositShares(reserve, d)
	log.Debug().Msgf("obligation %s deposited %d ctokens into reserve %d", o.Id, ctokenAmount, reserve.Index)
	return nil
}

// Borrow records amount of new debt (the full debit including the
// origination fee). The health and isolation checks run before any
// mutation so a rejected borrow leaves the obligation untouched.
func (o *Obligation) Borrow(log Log, reserve *Reserve, now int64, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return AmountTooSmall
	}
	if err := o.assertRefreshed(now); err != nil {
		return err
	}
	// Refresh only touches reserves the obligation already has records
	// in; the target reserve needs its own freshness check.
	if err := reserve.AssertPriceFresh(now); err != nil {
		return err
	}
	if _, ok := o.findDeposit(reserve.Index); ok {
		return SameAssetDepositBorrow
	}

	_, exists := o.findBorrow(reserve.Index)
	borrowCount := len(o.Borrows)
	if !exists {
		borrowCount++
	}
	if (reserve.Config.Isolated || o.BorrowingIsolatedAsset) && borrowCount > 1 {
		return IsolatedAssetViolation
	}

	weight := reserve.Config.BorrowWeight
	valueSpot := reserve.MarketValue(amount)
	valueUpper := reserve.MarketValueUpperBound(amount)

	newWeightedUpper := o.WeightedBorrowedValueUpperBound.Add(valueUpper.Mul(weight))
	if newWeightedUpper.GreaterThan(o.AllowedBorrowValue) {
		return InsufficientHealth
	}

	b, ok := o.findBorrow(reserve.Index)
	if !ok {
		o.Borrows = append(o.Borrows, ObligationBorrow{
			ReserveIndex:         reserve.Index,
			CumulativeBorrowRate: reserve.CumulativeBorrowRate,
			RewardIndex:          o.ensureRewardManager(reserve.Index, SideBorrow),
		})
		b = &o.Borrows[len(o.Borrows)-1]
	}

	b.BorrowedAmount = b.BorrowedAmount.Add(amount)
	b.MarketValue = b.MarketValue.Add(valueSpot)
	o.UnweightedBorrowedValue = o.UnweightedBorrowedValue.Add(valueSpot)
	o.WeightedBorrowedValue = o.WeightedBorrowedValue.Add(valueSpot.Mul(weight))
	o.WeightedBorrowedValueUpperBound = newWeightedUpper
	if reserve.Config.Isolated {
		o.BorrowingIsolatedAsset = true
	}

	o.syncBorrowShares(reserve, b)
	log.Debug().Msgf("obligation %s borrowed %s from reserve %d", o.Id, amount, reserve.Index)
	return nil
}

// Repay settles up to maxRepayAmount of the borrow after compounding that
// single record's debt, and returns the Decimal amount actually repaid.
// The caller must collect exactly ceil(repaid) underlying units. Like
// Deposit it never requires fresh prices.
func (o *Obligation) Repay(log Log, reserve *Reserve, maxRepayAmount decimal.Decimal) (decimal.Decimal, error) {
	if maxRepayAmount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, AmountTooSmall
	}
	b, ok := o.findBorrow(reserve.Index)
	if !ok {
		return decimal.Zero, BorrowRecordNotFound
	}

	// Credit the interest accrued since the last touch to the aggregates
	// before sizing the repayment.
	weight := reserve.Config.BorrowWeight
	previousAmount := b.BorrowedAmount
	b.compoundDebt(reserve)
	interest := SatSub(b.BorrowedAmount, previousAmount)
	if interest.IsPositive() {
		interestValue := reserve.MarketValue(interest)
		interestUpper := reserve.MarketValueUpperBound(interest)
		b.MarketValue = b.MarketValue.Add(interestValue)
		o.UnweightedBorrowedValue = o.UnweightedBorrowedValue.Add(interestValue)
		o.WeightedBorrowedValue = o.WeightedBorrowedValue.Add(interestValue.Mul(weight))
		o.WeightedBorrowedValueUpperBound = o.WeightedBorrowedValueUpperBound.Add(interestUpper.Mul(weight))
	}

	repayAmount := decimal.Min(maxRepayAmount, b.BorrowedAmount)
	repayValue := reserve.MarketValue(repayAmount)
	repayUpper := reserve.MarketValueUpperBound(repayAmount)

	b.BorrowedAmount = b.BorrowedAmount.Sub(repayAmount)
	b.MarketValue = SatSub(b.MarketValue, repayValue)
	o.UnweightedBorrowedValue = SatSub(o.UnweightedBorrowedValue, repayValue)
	o.WeightedBorrowedValue = SatSub(o.WeightedBorrowedValue, repayValue.Mul(weight))
	o.WeightedBorrowedValueUpperBound = SatSub(o.WeightedBorrowedValueUpperBound, repayUpper.Mul(weight))

	o.syncBorrowShares(reserve, b)
	if b.BorrowedAmount.IsZero() {
		o.removeBorrow(reserve.Index)
	}

	log.Debug().Msgf("obligation %s repaid %s to reserve %d", o.Id, repayAmount, reserve.Index)
	return repayAmount, nil
}

// Withdraw removes collateral, failing up front if the position would no
// longer be healthy so a rejected withdrawal leaves state unchanged.
func (o *Obligation) Withdraw(log Log, reserve *Reserve, now int64, ctokenAmount uint64) error {
	if err := o.assertRefreshed(now); err != nil {
		return err
	}
	if err := reserve.AssertPriceFresh(now); err != nil {
		return err
	}

	valueLower := reserve.CtokenMarketValue(ctokenAmount, Low)
	newAllowed := SatSub(o.AllowedBorrowValue, valueLower.Mul(reserve.Config.OpenLtv))
	if o.WeightedBorrowedValueUpperBound.GreaterThan(newAllowed) {
		return InsufficientHealth
	}

	return o.withdrawUnchecked(log, reserve, ctokenAmount)
}

// withdrawUnchecked skips the health assertion; liquidation uses it
// directly because the position is already unhealthy. The allowed-borrow
// term is subtracted at the lower price bound, all others at spot.
// The subtraction always uses the reserve's normal open LTV: value the
// last refresh attributed at an e-mode override LTV stays counted until
// the next refresh recomputes the blend, so between refreshes
// AllowedBorrowValue may sit above what a recomputation would yield.
func (o *Obligation) withdrawUnchecked(log Log, reserve *Reserve, ctokenAmount uint64) error {
	if ctokenAmount == 0 {
		return AmountTooSmall
	}
	d, ok := o.findDeposit(reserve.Index)
	if !ok {
		return DepositRecordNotFound
	}
	if ctokenAmount > d.CtokenAmount {
		return InsufficientCtokens
	}

	valueSpot := reserve.CtokenMarketValue(ctokenAmount, Spot)
	valueLower := reserve.CtokenMarketValue(ctokenAmount, Low)

	d.CtokenAmount -= ctokenAmount
	d.MarketValue = SatSub(d.MarketValue, valueSpot)
	o.DepositedValue = SatSub(o.DepositedValue, valueSpot)
	o.AllowedBorrowValue = SatSub(o.AllowedBorrowValue, valueLower.Mul(reserve.Config.OpenLtv))
	o.UnhealthyBorrowValue = SatSub(o.UnhealthyBorrowValue, valueSpot.Mul(reserve.Config.CloseLtv))

	o.syncDepositShares(reserve, d)
	if d.CtokenAmount == 0 {
		o.removeDeposit(reserve.Index)
	}

	log.Debug().Msgf("obligation %s withdrew %d ctokens from reserve %d", o.Id, ctokenAmount, reserve.Index)
	return nil
}

func (o *Obligation) removeDeposit(reserveIndex int) {
	for i := range o.Deposits {
		if o.Deposits[i].ReserveIndex == reserveIndex {
			o.Deposits = append(o.Deposits[:i], o.Deposits[i+1:]...)
			return
		}
	}
}

func (o *Obligation) removeBorrow(reserveIndex int) {
	for i := range o.Borrows {
		if o.Borrows[i].ReserveIndex == reserveIndex {
			o.Borrows = append(o.Borrows[:i], o.Borrows[i+1:]...)
			break
		}
	}
	if len(o.Borrows) == 0 {
		o.BorrowingIsolatedAsset = false
	}
}

// MaxBorrowAmount solves for the largest requested amount (before the
// origination fee) that keeps the upper-bound weighted borrow value
// within the allowed borrow value. Callers intersect it with the
// reserve-level bound and the rate-limiter estimate.
func (o *Obligation) MaxBorrowAmount(reserve *Reserve) uint64 {
	headroom := SatSub(o.AllowedBorrowValue, o.WeightedBorrowedValueUpperBound)
	if headroom.IsZero() {
		return 0
	}
	tokens := reserve.UsdToTokenAmount(headroom.Div(reserve.Config.BorrowWeight), High)
	return FloorU64(tokens.Div(ONE.Add(reserve.Config.BorrowFee())))
}

// MaxWithdrawAmount is the largest ctoken amount withdrawable without
// breaching health. Zero-LTV collateral and positions without borrows are
// unconstrained up to the full balance.
func (o *Obligation) MaxWithdrawAmount(reserve *Reserve) uint64 {
	d, ok := o.findDeposit(reserve.Index)
	if !ok {
		return 0
	}
	if len(o.Borrows) == 0 || reserve.Config.OpenLtv.IsZero() {
		return d.CtokenAmount
	}

	headroom := SatSub(o.AllowedBorrowValue, o.WeightedBorrowedValueUpperBound)
	tokens := reserve.UsdToTokenAmount(headroom.Div(reserve.Config.OpenLtv), Low)
	ctokens := FloorU64(tokens.Div(reserve.CtokenRatio()))
	if ctokens > d.CtokenAmount {
		return d.CtokenAmount
	}
	return ctokens
}
