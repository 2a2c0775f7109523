package core

import (
	"github.com/shopspring/decimal"
)

// All accounting in this package runs on decimal.Decimal. Token amounts
// that leave the core (mints, transfers, seizures) are integers; every
// conversion below names its rounding direction, and the direction is a
// solvency decision: amounts owed by a user round up, amounts paid out to
// a user round down.

// SatSub returns max(0, a-b). Repeated value accounting accumulates
// sub-unit rounding slop; aggregate subtraction must never go negative.
func SatSub(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThanOrEqual(b) {
		return decimal.Zero
	}
	return a.Sub(b)
}

// FloorU64 rounds toward zero. Used for every amount paid out.
func FloorU64(d decimal.Decimal) uint64 {
	if d.IsNegative() {
		return 0
	}
	return uint64(d.Floor().IntPart())
}

// CeilU64 rounds away from zero. Used for every amount collected.
func CeilU64(d decimal.Decimal) uint64 {
	if d.IsNegative() {
		return 0
	}
	return uint64(d.Ceil().IntPart())
}

func FromBps(bps uint64) decimal.Decimal {
	return decimal.NewFromInt(int64(bps)).Div(BPS_DENOMINATOR)
}

func FromU64(v uint64) decimal.Decimal {
	return decimal.NewFromUint64(v)
}
