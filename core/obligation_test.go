package core

import (
	"fmt"
	"testing"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reserves priced at t=1000 so freshness checks pass for now=1000 and
// fail once now moves past the staleness window.
func newPricedReserve(t *testing.T, index int, config ReserveConfig, price float64) *Reserve {
	t.Helper()
	r, err := NewReserve(clock.NewMock(), uuid.Must(uuid.NewV4()), index, fmt.Sprintf("asset-%d", index), 6, config)
	require.NoError(t, err)
	setPrice(t, r, price, price, price, 1000)
	r.InterestLastUpdate = 1000
	return r
}

func newTestObligation() *Obligation {
	return NewObligation(clock.NewMock(), uuid.Must(uuid.NewV4()), "alice")
}

func plainConfig(openLtv, closeLtv float64) ReserveConfig {
	config := testReserveConfig()
	config.OpenLtv = decimal.NewFromFloat(openLtv)
	config.CloseLtv = decimal.NewFromFloat(closeLtv)
	return config
}

// Two reserves at $1: index 0 is collateral (LTV 0.5/0.6), index 1 is
// the borrow side.
func plainFixture(t *testing.T) (*Obligation, []*Reserve) {
	t.Helper()
	reserves := []*Reserve{
		newPricedReserve(t, 0, plainConfig(0.5, 0.6), 1),
		newPricedReserve(t, 1, plainConfig(0.5, 0.6), 1),
	}
	return newTestObligation(), reserves
}

func TestDepositUpdatesAggregates(t *testing.T) {
	o, reserves := plainFixture(t)

	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))

	assert.True(t, o.DepositedValue.Equal(decimal.NewFromInt(100)))
	assert.True(t, o.AllowedBorrowValue.Equal(decimal.NewFromInt(50)))
	assert.True(t, o.UnhealthyBorrowValue.Equal(decimal.NewFromInt(60)))

	d, ok := o.findDeposit(0)
	require.True(t, ok)
	assert.Equal(t, uint64(100_000_000), d.CtokenAmount)
	assert.True(t, o.RewardManagers[d.RewardIndex].Share.Equal(decimal.NewFromInt(100_000_000)))
	assert.True(t, reserves[0].DepositRewards.TotalShares.Equal(decimal.NewFromInt(100_000_000)))
}

func TestBorrowRequiresRefresh(t *testing.T) {
	o, reserves := plainFixture(t)
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))

	err := o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(10_000_000))
	assert.ErrorIs(t, err, ObligationNotRefreshed)

	require.NoError(t, o.Refresh(testLog(), reserves, 1000))
	assert.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(10_000_000)))

	b, ok := o.findBorrow(1)
	require.True(t, ok)
	assert.True(t, b.BorrowedAmount.Equal(decimal.NewFromInt(10_000_000)))
	assert.True(t, o.WeightedBorrowedValue.Equal(decimal.NewFromInt(10)))
	assert.True(t, o.RewardManagers[b.RewardIndex].Share.Equal(
		b.BorrowedAmount.Div(b.CumulativeBorrowRate)))
}

func TestBorrowHealthFailureLeavesStateUnchanged(t *testing.T) {
	o, reserves := plainFixture(t)
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))

	// Allowed is 50; 51 must be rejected without any mutation.
	before := *o
	err := o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(51_000_000))
	assert.ErrorIs(t, err, InsufficientHealth)
	assert.Len(t, o.Borrows, 0)
	assert.True(t, o.WeightedBorrowedValueUpperBound.Equal(before.WeightedBorrowedValueUpperBound))
	assert.True(t, o.UnweightedBorrowedValue.Equal(before.UnweightedBorrowedValue))

	// Exactly at the limit is allowed.
	assert.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(50_000_000)))
	assert.True(t, o.IsHealthy())
}

func TestSameAssetDepositBorrowExclusive(t *testing.T) {
	o, reserves := plainFixture(t)
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))

	err := o.Borrow(testLog(), reserves[0], 1000, decimal.NewFromInt(1_000_000))
	assert.ErrorIs(t, err, SameAssetDepositBorrow)

	require.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(10_000_000)))
	err = o.Deposit(testLog(), reserves[1], 1_000_000)
	assert.ErrorIs(t, err, SameAssetDepositBorrow)
}

func TestIsolatedAssetExclusive(t *testing.T) {
	isolatedConfig := plainConfig(0.5, 0.6)
	isolatedConfig.Isolated = true
	reserves := []*Reserve{
		newPricedReserve(t, 0, plainConfig(0.5, 0.6), 1),
		newPricedReserve(t, 1, plainConfig(0.5, 0.6), 1),
		newPricedReserve(t, 2, isolatedConfig, 1),
	}

	// An existing borrow blocks a new isolated borrow.
	o := newTestObligation()
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))
	require.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(10_000_000)))
	err := o.Borrow(testLog(), reserves[2], 1000, decimal.NewFromInt(1_000_000))
	assert.ErrorIs(t, err, IsolatedAssetViolation)

	// An isolated borrow blocks every other borrow, and the flag clears
	// when the debt is fully repaid.
	o2 := newTestObligation()
	require.NoError(t, o2.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o2.Refresh(testLog(), reserves, 1000))
	require.NoError(t, o2.Borrow(testLog(), reserves[2], 1000, decimal.NewFromInt(10_000_000)))
	assert.True(t, o2.BorrowingIsolatedAsset)

	err = o2.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(1_000_000))
	assert.ErrorIs(t, err, IsolatedAssetViolation)

	_, err = o2.Repay(testLog(), reserves[2], decimal.NewFromInt(10_000_000))
	require.NoError(t, err)
	assert.False(t, o2.BorrowingIsolatedAsset)
	assert.NoError(t, o2.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(1_000_000)))
}

func TestRefreshEModeBlend(t *testing.T) {
	depositConfig := plainConfig(0.5, 0.6)
	depositConfig.EModeOverrides = []EModeEntry{{
		ReserveIndex: 1,
		OpenLtv:      decimal.NewFromFloat(0.9),
		CloseLtv:     decimal.NewFromFloat(0.95),
	}}
	reserves := []*Reserve{
		newPricedReserve(t, 0, depositConfig, 1),
		newPricedReserve(t, 1, plainConfig(0.5, 0.6), 1),
	}

	o := newTestObligation()
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))
	require.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(10_000_000)))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))

	// $10 of the $100 deposit is allocated against the overridden borrow
	// at 0.9/0.95; the remaining $90 gets the normal 0.5/0.6 pair.
	assert.True(t, o.DepositedValue.Equal(decimal.NewFromInt(100)))
	assert.True(t, o.AllowedBorrowValue.Equal(decimal.NewFromInt(54)), "got %s", o.AllowedBorrowValue)
	assert.True(t, o.UnhealthyBorrowValue.Equal(decimal.NewFromFloat(63.5)), "got %s", o.UnhealthyBorrowValue)
	assert.True(t, o.WeightedBorrowedValue.Equal(decimal.NewFromInt(10)))
	assert.True(t, o.IsHealthy())
	assert.False(t, o.IsLiquidatable())
}

func TestWithdrawReleasesNormalLtvUntilRefresh(t *testing.T) {
	depositConfig := plainConfig(0.5, 0.6)
	depositConfig.EModeOverrides = []EModeEntry{{
		ReserveIndex: 1,
		OpenLtv:      decimal.NewFromFloat(0.9),
		CloseLtv:     decimal.NewFromFloat(0.95),
	}}
	reserves := []*Reserve{
		newPricedReserve(t, 0, depositConfig, 1),
		newPricedReserve(t, 1, plainConfig(0.5, 0.6), 1),
	}

	o := newTestObligation()
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))
	require.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(10_000_000)))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))
	require.True(t, o.AllowedBorrowValue.Equal(decimal.NewFromInt(54)))

	// Seizing $95 of collateral (the liquidation path) releases the
	// allowed term at the normal 0.5 LTV only: 54 - 47.5. The e-mode
	// attribution from the last refresh stays counted until the next
	// refresh re-blends the remaining $5 entirely at 0.9.
	require.NoError(t, o.withdrawUnchecked(testLog(), reserves[0], 95_000_000))
	assert.True(t, o.AllowedBorrowValue.Equal(decimal.NewFromFloat(6.5)), "got %s", o.AllowedBorrowValue)

	require.NoError(t, o.Refresh(testLog(), reserves, 1000))
	assert.True(t, o.AllowedBorrowValue.Equal(decimal.NewFromFloat(4.5)), "got %s", o.AllowedBorrowValue)
	assert.True(t, o.UnhealthyBorrowValue.Equal(decimal.NewFromFloat(4.75)), "got %s", o.UnhealthyBorrowValue)
}

func TestRepayRemovesRecordAtZero(t *testing.T) {
	o, reserves := plainFixture(t)
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))
	require.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(10_000_000)))

	// Partial repayment keeps the record.
	repaid, err := o.Repay(testLog(), reserves[1], decimal.NewFromInt(4_000_000))
	require.NoError(t, err)
	assert.True(t, repaid.Equal(decimal.NewFromInt(4_000_000)))
	_, ok := o.findBorrow(1)
	assert.True(t, ok)

	// Overpayment is clamped to the outstanding debt and removes it.
	repaid, err = o.Repay(testLog(), reserves[1], decimal.NewFromInt(100_000_000))
	require.NoError(t, err)
	assert.True(t, repaid.Equal(decimal.NewFromInt(6_000_000)))
	_, ok = o.findBorrow(1)
	assert.False(t, ok)
	assert.True(t, o.WeightedBorrowedValue.IsZero())
	assert.True(t, reserves[1].BorrowRewards.TotalShares.IsZero())

	_, err = o.Repay(testLog(), reserves[1], decimal.NewFromInt(1))
	assert.ErrorIs(t, err, BorrowRecordNotFound)
}

func TestFreshnessOnlyGatesBorrowAndWithdraw(t *testing.T) {
	o, reserves := plainFixture(t)
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))
	require.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(10_000_000)))

	// Well past the 60s staleness window: the t=1000 refresh no longer
	// vouches for anything, and a new refresh fails on the stale prices.
	now := int64(2000)

	err := o.Borrow(testLog(), reserves[1], now, decimal.NewFromInt(1_000_000))
	assert.ErrorIs(t, err, ObligationNotRefreshed)
	err = o.Withdraw(testLog(), reserves[0], now, 1_000_000)
	assert.ErrorIs(t, err, ObligationNotRefreshed)
	err = o.Refresh(testLog(), reserves, now)
	assert.ErrorIs(t, err, PriceStale)

	// Deposit and repay only reduce risk and stay available.
	assert.NoError(t, o.Deposit(testLog(), reserves[0], 1_000_000))
	_, err = o.Repay(testLog(), reserves[1], decimal.NewFromInt(1_000_000))
	assert.NoError(t, err)
}

func TestBorrowChecksTargetReservePrice(t *testing.T) {
	// Refresh only touches reserves the obligation holds records in; a
	// borrow from a reserve with a stale price must still be rejected.
	o, reserves := plainFixture(t)
	reserves = append(reserves, newPricedReserve(t, 2, plainConfig(0.5, 0.6), 1))
	setPrice(t, reserves[2], 1, 1, 1, 100)

	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))

	err := o.Borrow(testLog(), reserves[2], 1000, decimal.NewFromInt(1_000_000))
	assert.ErrorIs(t, err, PriceStale)
	require.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(1_000_000)))
}

func TestWithdrawHealthCheck(t *testing.T) {
	o, reserves := plainFixture(t)
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))
	require.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(40_000_000)))

	// Headroom is $10 of allowed value, i.e. $20 of collateral at 0.5 LTV.
	assert.Equal(t, uint64(20_000_000), o.MaxWithdrawAmount(reserves[0]))

	err := o.Withdraw(testLog(), reserves[0], 1000, 21_000_000)
	assert.ErrorIs(t, err, InsufficientHealth)
	d, _ := o.findDeposit(0)
	assert.Equal(t, uint64(100_000_000), d.CtokenAmount)

	require.NoError(t, o.Withdraw(testLog(), reserves[0], 1000, 20_000_000))
	assert.True(t, o.IsHealthy())
	assert.True(t, o.AllowedBorrowValue.Equal(decimal.NewFromInt(40)))
}

func TestWithdrawRemovesRecordAtZero(t *testing.T) {
	o, reserves := plainFixture(t)
	require.NoError(t, o.Deposit(testLog(), reserves[0], 5_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))

	err := o.Withdraw(testLog(), reserves[0], 1000, 6_000_000)
	assert.ErrorIs(t, err, InsufficientCtokens)

	require.NoError(t, o.Withdraw(testLog(), reserves[0], 1000, 5_000_000))
	assert.Len(t, o.Deposits, 0)
	assert.True(t, o.DepositedValue.IsZero())
	assert.True(t, reserves[0].DepositRewards.TotalShares.IsZero())

	err = o.Withdraw(testLog(), reserves[0], 1000, 1)
	assert.ErrorIs(t, err, DepositRecordNotFound)
}

func TestMaxBorrowAmount(t *testing.T) {
	o, reserves := plainFixture(t)
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	require.NoError(t, o.Refresh(testLog(), reserves, 1000))

	// $50 of headroom at price 1, shrunk by the 0.1% origination fee.
	assert.Equal(t, uint64(49_950_049), o.MaxBorrowAmount(reserves[1]))

	require.NoError(t, o.Borrow(testLog(), reserves[1], 1000, decimal.NewFromInt(50_000_000)))
	assert.Equal(t, uint64(0), o.MaxBorrowAmount(reserves[1]))
}

func TestMaxWithdrawUnconstrainedWithoutBorrows(t *testing.T) {
	o, reserves := plainFixture(t)
	require.NoError(t, o.Deposit(testLog(), reserves[0], 100_000_000))
	assert.Equal(t, uint64(100_000_000), o.MaxWithdrawAmount(reserves[0]))

	zeroLtv := plainConfig(0, 0.6)
	r := newPricedReserve(t, 0, zeroLtv, 1)
	o2 := newTestObligation()
	require.NoError(t, o2.Deposit(testLog(), r, 100_000_000))
	o2.Borrows = append(o2.Borrows, ObligationBorrow{ReserveIndex: 1})
	assert.Equal(t, uint64(100_000_000), o2.MaxWithdrawAmount(r))
}
