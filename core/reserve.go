package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type (
	ReserveStore interface {
		CreateReserve(ctx context.Context, reserve *Reserve) error
		UpsertReserve(ctx context.Context, reserve *Reserve) error
		GetReserve(ctx context.Context, marketId uuid.UUID, index int) (*Reserve, error)
		ListReserves(ctx context.Context, marketId uuid.UUID) ([]*Reserve, error)
	}

	// Reserve is a single-asset liquidity pool. Its array index inside the
	// market is its identity and never changes.
	Reserve struct {
		MarketId uuid.UUID `json:"marketId"`
		Index    int       `json:"index"`

		AssetId      string `json:"assetId"`
		MintDecimals int32  `json:"mintDecimals"`

		Config ReserveConfig `json:"config"`

		Price           decimal.Decimal `json:"price"`
		PriceLower      decimal.Decimal `json:"priceLower"`
		PriceUpper      decimal.Decimal `json:"priceUpper"`
		PriceLastUpdate int64           `json:"priceLastUpdate"`

		// AvailableAmount + BorrowedAmount is conserved modulo the fee
		// carve-outs below. AvailableAmount is integer token units;
		// BorrowedAmount carries accrued interest and so stays Decimal.
		AvailableAmount uint64          `json:"availableAmount"`
		BorrowedAmount  decimal.Decimal `json:"borrowedAmount"`
		CtokenSupply    uint64          `json:"ctokenSupply"`

		// CumulativeBorrowRate compounds on every touch and never
		// decreases. Obligations snapshot it per borrow.
		CumulativeBorrowRate decimal.Decimal `json:"cumulativeBorrowRate"`
		InterestLastUpdate   int64           `json:"interestLastUpdate"`

		// UnclaimedSpreadFees is interest withheld from depositors: it is
		// excluded from the ctoken exchange ratio until claimed.
		UnclaimedSpreadFees        decimal.Decimal `json:"unclaimedSpreadFees"`
		BorrowFeesAccumulated      uint64          `json:"borrowFeesAccumulated"`
		LiquidationFeesAccumulated uint64          `json:"liquidationFeesAccumulated"`

		DepositRewards PoolRewardManager `json:"depositRewards"`
		BorrowRewards  PoolRewardManager `json:"borrowRewards"`
	}

	// PoolRewardManager tracks the aggregate reward-bearing shares of one
	// side of a reserve. Distribution mechanics live outside this core;
	// obligations keep the totals in sync through their share hooks.
	PoolRewardManager struct {
		TotalShares decimal.Decimal `json:"totalShares"`
	}
)

func (m *PoolRewardManager) changeShares(delta decimal.Decimal) {
	m.TotalShares = decimal.Max(decimal.Zero, m.TotalShares.Add(delta))
}

func NewReserve(clk clock.Clock, marketId uuid.UUID, index int, assetId string, mintDecimals int32, config ReserveConfig) (*Reserve, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Reserve{
		MarketId:             marketId,
		Index:                index,
		AssetId:              assetId,
		MintDecimals:         mintDecimals,
		Config:               config,
		BorrowedAmount:       decimal.Zero,
		CumulativeBorrowRate: ONE,
		InterestLastUpdate:   clk.Now().Unix(),
		UnclaimedSpreadFees:  decimal.Zero,
	}, nil
}

func (r *Reserve) tokenScale() decimal.Decimal {
	return decimal.New(1, r.MintDecimals)
}

// TotalSupply is the underlying claimable by ctoken holders: spread fees
// already carved out for the protocol do not back ctokens.
func (r *Reserve) TotalSupply() decimal.Decimal {
	return SatSub(FromU64(r.AvailableAmount).Add(r.BorrowedAmount), r.UnclaimedSpreadFees)
}

// CtokenRatio is the ctoken -> underlying exchange ratio. It starts at
// 1:1 and only grows as interest accrues for depositors.
func (r *Reserve) CtokenRatio() decimal.Decimal {
	if r.CtokenSupply == 0 {
		return ONE
	}
	return r.TotalSupply().Div(FromU64(r.CtokenSupply))
}

func (r *Reserve) Utilization() decimal.Decimal {
	total := FromU64(r.AvailableAmount).Add(r.BorrowedAmount)
	if total.IsZero() {
		return decimal.Zero
	}
	return r.BorrowedAmount.Div(total)
}

// CompoundInterest advances the cumulative borrow rate and the aggregate
// debt by the utilization-implied APR over the elapsed seconds. Every
// code path that reads BorrowedAmount must have compounded at the current
// timestamp first; calling twice at the same timestamp is a no-op.
func (r *Reserve) CompoundInterest(log Log, now int64) {
	timeDelta := now - r.InterestLastUpdate
	if timeDelta <= 0 {
		return
	}
	r.InterestLastUpdate = now

	apr := r.Config.CalcApr(r.Utilization())
	factor := ONE.Add(apr.Mul(decimal.NewFromInt(timeDelta)).Div(decimal.NewFromInt(SECONDS_PER_YEAR)))

	newBorrowed := r.BorrowedAmount.Mul(factor)
	interest := newBorrowed.Sub(r.BorrowedAmount)
	spreadFee := interest.Mul(r.Config.SpreadFee())

	r.CumulativeBorrowRate = r.CumulativeBorrowRate.Mul(factor)
	r.BorrowedAmount = newBorrowed
	r.UnclaimedSpreadFees = r.UnclaimedSpreadFees.Add(spreadFee)

	log.Debug().Msgf("reserve %d accrued: dt=%ds apr=%s interest=%s spread=%s", r.Index, timeDelta, apr, interest, spreadFee)
}

func (r *Reserve) UpdatePrice(reading PriceReading) error {
	if err := reading.Validate(); err != nil {
		return err
	}
	r.Price = reading.Price
	r.PriceLower = reading.LowerBound
	r.PriceUpper = reading.UpperBound
	r.PriceLastUpdate = reading.Timestamp
	return nil
}

func (r *Reserve) AssertPriceFresh(now int64) error {
	if r.PriceLastUpdate == 0 || now-r.PriceLastUpdate > r.Config.PriceMaxStaleness {
		return PriceStale
	}
	return nil
}

// DepositLiquidityAndMintCtokens takes underlying token units and returns
// the ctokens to mint, floored so depositors never receive more claim
// than they paid for.
func (r *Reserve) DepositLiquidityAndMintCtokens(amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, AmountTooSmall
	}
	if r.Config.IsDepositLimitActive() {
		newTotal := FromU64(r.AvailableAmount + amount).Add(r.BorrowedAmount)
		if newTotal.GreaterThan(FromU64(r.Config.DepositLimit)) {
			return 0, DepositCapExceeded
		}
	}

	ctokens := FloorU64(FromU64(amount).Div(r.CtokenRatio()))
	if ctokens == 0 {
		return 0, AmountTooSmall
	}

	r.AvailableAmount += amount
	r.CtokenSupply += ctokens
	return ctokens, nil
}

// RedeemCtokens burns ctokens and returns the underlying to pay out,
// floored, bounded by available liquidity.
func (r *Reserve) RedeemCtokens(ctokenAmount uint64) (uint64, error) {
	if ctokenAmount == 0 {
		return 0, AmountTooSmall
	}
	if ctokenAmount > r.CtokenSupply {
		return 0, InsufficientCtokens
	}

	underlying := FloorU64(FromU64(ctokenAmount).Mul(r.CtokenRatio()))
	if underlying > r.AvailableAmount {
		return 0, InsufficientLiquidity
	}

	r.CtokenSupply -= ctokenAmount
	r.AvailableAmount -= underlying
	return underlying, nil
}

// BorrowLiquidity debits requested plus the ceil-rounded origination fee.
// The borrower owes the full debit; the fee portion is routed to the fee
// pool by the custody collaborator.
func (r *Reserve) BorrowLiquidity(requested uint64) (total uint64, fee uint64, err error) {
	if requested == 0 {
		return 0, 0, AmountTooSmall
	}
	fee = CeilU64(FromU64(requested).Mul(r.Config.BorrowFee()))
	total = requested + fee

	if total > r.AvailableAmount {
		return 0, 0, InsufficientLiquidity
	}
	if r.Config.IsBorrowLimitActive() {
		newBorrowed := r.BorrowedAmount.Add(FromU64(total))
		if newBorrowed.GreaterThan(FromU64(r.Config.BorrowLimit)) {
			return 0, 0, BorrowCapExceeded
		}
	}

	r.AvailableAmount -= total
	r.BorrowedAmount = r.BorrowedAmount.Add(FromU64(total))
	r.BorrowFeesAccumulated += fee
	return total, fee, nil
}

// RepayLiquidity credits repayAmount collected token units back to the
// pool and settles settleAmount of aggregate debt. The two differ by at
// most the ceil-rounding on collection.
func (r *Reserve) RepayLiquidity(repayAmount uint64, settleAmount decimal.Decimal) {
	r.AvailableAmount += repayAmount
	r.BorrowedAmount = SatSub(r.BorrowedAmount, settleAmount)
}

func (r *Reserve) priceOf(bias PriceBias) decimal.Decimal {
	switch bias {
	case Low:
		return r.PriceLower
	case High:
		return r.PriceUpper
	default:
		return r.Price
	}
}

// MarketValue converts underlying token units (Decimal) to USD at spot.
func (r *Reserve) MarketValue(amount decimal.Decimal) decimal.Decimal {
	return r.MarketValueWithBias(amount, Spot)
}

func (r *Reserve) MarketValueUpperBound(amount decimal.Decimal) decimal.Decimal {
	return r.MarketValueWithBias(amount, High)
}

func (r *Reserve) MarketValueLowerBound(amount decimal.Decimal) decimal.Decimal {
	return r.MarketValueWithBias(amount, Low)
}

func (r *Reserve) MarketValueWithBias(amount decimal.Decimal, bias PriceBias) decimal.Decimal {
	return amount.Div(r.tokenScale()).Mul(r.priceOf(bias))
}

func (r *Reserve) CtokenMarketValue(ctokenAmount uint64, bias PriceBias) decimal.Decimal {
	return r.MarketValueWithBias(FromU64(ctokenAmount).Mul(r.CtokenRatio()), bias)
}

// UsdToTokenAmount converts a USD value into underlying token units at
// the biased price. Rounding is the caller's decision.
func (r *Reserve) UsdToTokenAmount(value decimal.Decimal, bias PriceBias) decimal.Decimal {
	price := r.priceOf(bias)
	if price.IsZero() {
		return decimal.Zero
	}
	return value.Div(price).Mul(r.tokenScale())
}

// DeductLiquidationFee splits the protocol's cut out of a gross seized
// ctoken amount. The seize premium is (1 + bonus + protocolFee) of the
// repaid value, so the protocol's share of the gross is
// protocolFee / (1 + bonus + protocolFee), ceil-rounded in the
// protocol's favor.
func (r *Reserve) DeductLiquidationFee(ctokenAmount uint64) (liquidatorAmount uint64, protocolFee uint64) {
	denom := ONE.Add(r.Config.LiquidationBonus()).Add(r.Config.ProtocolLiquidationFee())
	protocolFee = CeilU64(FromU64(ctokenAmount).Mul(r.Config.ProtocolLiquidationFee()).Div(denom))
	if protocolFee > ctokenAmount {
		protocolFee = ctokenAmount
	}
	r.LiquidationFeesAccumulated += protocolFee
	return ctokenAmount - protocolFee, protocolFee
}

// ClaimFees drains the three fee pools and returns the amounts the
// custody collaborator should move: spread fees (underlying, bounded by
// available liquidity), borrow origination fees (underlying, already
// outside the pool), and liquidation fees (ctokens).
func (r *Reserve) ClaimFees() (spreadFees uint64, borrowFees uint64, liquidationFeeCtokens uint64) {
	spreadFees = FloorU64(decimal.Min(r.UnclaimedSpreadFees, FromU64(r.AvailableAmount)))
	r.UnclaimedSpreadFees = SatSub(r.UnclaimedSpreadFees, FromU64(spreadFees))
	r.AvailableAmount -= spreadFees

	borrowFees = r.BorrowFeesAccumulated
	r.BorrowFeesAccumulated = 0

	liquidationFeeCtokens = r.LiquidationFeesAccumulated
	r.LiquidationFeesAccumulated = 0
	return
}

// MaxBorrowAmount is the reserve-level bound on a new borrow debit:
// remaining borrow cap intersected with available liquidity.
func (r *Reserve) MaxBorrowAmount() uint64 {
	max := r.AvailableAmount
	if r.Config.IsBorrowLimitActive() {
		capRemaining := FloorU64(SatSub(FromU64(r.Config.BorrowLimit), r.BorrowedAmount))
		if capRemaining < max {
			max = capRemaining
		}
	}
	return max
}

// MaxRedeemAmount is the largest ctoken burn available liquidity can
// honor.
func (r *Reserve) MaxRedeemAmount() uint64 {
	byLiquidity := FloorU64(FromU64(r.AvailableAmount).Div(r.CtokenRatio()))
	if byLiquidity < r.CtokenSupply {
		return byLiquidity
	}
	return r.CtokenSupply
}

func (r *Reserve) UpdateConfig(config ReserveConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	r.Config = config
	return nil
}
