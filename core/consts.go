package core

import (
	"github.com/shopspring/decimal"
)

const (
	SECONDS_PER_YEAR = 31_536_000

	// A reserve array may never shrink or reorder; indices are identities.
	MAX_RESERVES = 255
)

var (
	ONE = decimal.NewFromInt(1)

	BPS_DENOMINATOR = decimal.NewFromInt(10_000)

	// Borrows whose market value is at or below this are closed in full
	// during liquidation instead of being dragged through the close factor.
	FULL_LIQUIDATION_THRESHOLD = ONE // $1

	// Maximum fraction of the weighted borrowed value repayable in one
	// partial liquidation.
	CLOSE_FACTOR = decimal.NewFromFloat(0.2)
)
