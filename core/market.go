package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"github.com/NovaLend/core/utils"
)

type (
	MarketStore interface {
		CreateMarket(ctx context.Context, market *Market) error
		UpsertMarket(ctx context.Context, market *Market) error
		GetMarketById(ctx context.Context, marketId uuid.UUID) (*Market, error)
		ListMarkets(ctx context.Context) ([]*Market, error)
	}

	// CorrelatedPair names a deposit/borrow reserve combination whose
	// looping earns no rewards. Policy data, never hard-coded indices.
	CorrelatedPair struct {
		DepositReserveIndex int `json:"depositReserveIndex"`
		BorrowReserveIndex  int `json:"borrowReserveIndex"`
	}

	RewardPolicy struct {
		CorrelatedPairs []CorrelatedPair `json:"correlatedPairs,omitempty"`
	}

	// Market is the persisted aggregate root: a growable reserve array
	// (index = identity, append-only), the obligations keyed by position
	// id in the store, and one rate limiter. Mutating operations on a
	// market, a reserve or an obligation must be serialized per entity by
	// the caller; reads may run against the latest committed snapshot.
	Market struct {
		clk clock.Clock

		Id   uuid.UUID `json:"id"`
		Name string    `json:"name"`

		Reserves     []*Reserve   `json:"reserves"`
		RateLimiter  RateLimiter  `json:"rateLimiter"`
		RewardPolicy RewardPolicy `json:"rewardPolicy"`

		CreatedAt int64 `json:"createdAt"`
		UpdatedAt int64 `json:"updatedAt"`
	}
)

func NewMarket(clk clock.Clock, name string, rateLimiterConfig RateLimiterConfig) (*Market, error) {
	rl, err := NewRateLimiter(rateLimiterConfig, clk.Now().Unix())
	if err != nil {
		return nil, err
	}
	return &Market{
		clk:         clk,
		Id:          uuid.Must(uuid.NewV4()),
		Name:        name,
		RateLimiter: *rl,
		CreatedAt:   clk.Now().Unix(),
		UpdatedAt:   clk.Now().Unix(),
	}, nil
}

// SetClock re-attaches a clock after the market is loaded from storage.
func (m *Market) SetClock(clk clock.Clock) {
	m.clk = clk
}

// AddReserve appends a reserve; the new index becomes its permanent
// identity.
func (m *Market) AddReserve(assetId string, mintDecimals int32, config ReserveConfig) (*Reserve, error) {
	if len(m.Reserves) >= MAX_RESERVES {
		return nil, InvalidConfig
	}
	reserve, err := NewReserve(m.clk, m.Id, len(m.Reserves), assetId, mintDecimals, config)
	if err != nil {
		return nil, err
	}
	m.Reserves = append(m.Reserves, reserve)
	return reserve, nil
}

func (m *Market) GetReserve(index int) (*Reserve, error) {
	return reserveAt(m.Reserves, index)
}

// UpdateReserveConfig applies a partial config change: only the non-zero
// fields of config are merged, and the result must still validate.
func (m *Market) UpdateReserveConfig(index int, config *ReserveConfig) error {
	reserve, err := m.GetReserve(index)
	if err != nil {
		return err
	}
	merged := reserve.Config
	merged.Update(config)
	if err := merged.Validate(); err != nil {
		return err
	}
	reserve.Config = merged
	return nil
}

func (m *Market) UpdateRateLimiterConfig(config RateLimiterConfig) error {
	return m.RateLimiter.UpdateConfig(config)
}

// ProcessOutflow charges borrow/withdraw value against the market's rate
// limiter. Called on every operation that moves value out.
func (m *Market) ProcessOutflow(reserve *Reserve, tokenAmount uint64, now int64) error {
	value := reserve.MarketValue(FromU64(tokenAmount))
	return m.RateLimiter.ProcessQty(now, value)
}

// remainingOutflowTokens converts the limiter's remaining USD headroom
// into token units at the upper price bound, the conservative direction
// for an outflow estimate.
func (m *Market) remainingOutflowTokens(reserve *Reserve, now int64) uint64 {
	return FloorU64(reserve.UsdToTokenAmount(m.RateLimiter.Remaining(now), High))
}

// MaxBorrowAmount intersects the obligation health bound with the
// reserve caps and the rate-limiter headroom.
func (m *Market) MaxBorrowAmount(o *Obligation, reserveIndex int, now int64) (uint64, error) {
	reserve, err := m.GetReserve(reserveIndex)
	if err != nil {
		return 0, err
	}
	max := o.MaxBorrowAmount(reserve)
	if byReserve := reserve.MaxBorrowAmount(); byReserve < max {
		max = byReserve
	}
	if byLimiter := m.remainingOutflowTokens(reserve, now); byLimiter < max {
		max = byLimiter
	}
	return max, nil
}

// MaxWithdrawAmount intersects the obligation health bound with the
// redeemable liquidity and the rate-limiter headroom, in ctokens.
func (m *Market) MaxWithdrawAmount(o *Obligation, reserveIndex int, now int64) (uint64, error) {
	reserve, err := m.GetReserve(reserveIndex)
	if err != nil {
		return 0, err
	}
	max := o.MaxWithdrawAmount(reserve)
	if byReserve := reserve.MaxRedeemAmount(); byReserve < max {
		max = byReserve
	}
	ratio := reserve.CtokenRatio()
	byLimiter := FloorU64(FromU64(m.remainingOutflowTokens(reserve, now)).Div(ratio))
	if byLimiter < max {
		max = byLimiter
	}
	return max, nil
}

// SyncRewardShares applies the correlated-pair policy: an obligation that
// simultaneously deposits one member of a pair and borrows the other
// earns no reward shares on either record.
func (m *Market) SyncRewardShares(o *Obligation) {
	for i := range o.RewardManagers {
		o.RewardManagers[i].Suppressed = false
	}
	for _, p := range m.RewardPolicy.CorrelatedPairs {
		d, hasDeposit := o.findDeposit(p.DepositReserveIndex)
		b, hasBorrow := o.findBorrow(p.BorrowReserveIndex)
		if hasDeposit && hasBorrow {
			o.RewardManagers[d.RewardIndex].Suppressed = true
			o.RewardManagers[b.RewardIndex].Suppressed = true
		}
	}

	for i := range o.Deposits {
		d := &o.Deposits[i]
		if reserve, err := m.GetReserve(d.ReserveIndex); err == nil {
			o.syncDepositShares(reserve, d)
		}
	}
	for i := range o.Borrows {
		b := &o.Borrows[i]
		if reserve, err := m.GetReserve(b.ReserveIndex); err == nil {
			o.syncBorrowShares(reserve, b)
		}
	}
}

// FindOrCreateObligation loads the owner's position in a market, creating
// and persisting a fresh one when none exists yet.
func FindOrCreateObligation(ctx context.Context, clk clock.Clock, store ObligationStore, marketId uuid.UUID, owner string) (*Obligation, error) {
	obligation, err := store.FindObligation(ctx, marketId, owner)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			obligation = NewObligation(clk, marketId, owner)
			if err := store.CreateObligation(ctx, obligation); err != nil {
				return nil, err
			}
			return obligation, nil
		}
		return nil, err
	}
	return obligation, nil
}

// ObligationId derives the deterministic position identity for an owner
// within a market.
func ObligationId(marketId uuid.UUID, owner string) uuid.UUID {
	return uuid.Must(uuid.FromString(utils.GenUuidFromStrings(marketId.String(), owner)))
}
