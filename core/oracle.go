package core

import (
	"github.com/shopspring/decimal"
)

type PriceBias uint8

const (
	Low PriceBias = iota
	High
	Spot
)

func (pb PriceBias) String() string {
	switch pb {
	case Low:
		return "Low"
	case High:
		return "High"
	case Spot:
		return "Spot"
	default:
		return "Unknown"
	}
}

// PriceReading is a validated oracle sample for one asset. The oracle
// collaborator decides Valid (confidence and staleness against its own
// policy); this core separately checks Timestamp against the reserve's
// PriceMaxStaleness at the point of use.
type PriceReading struct {
	Price      decimal.Decimal `json:"price"`
	LowerBound decimal.Decimal `json:"lowerBound"`
	UpperBound decimal.Decimal `json:"upperBound"`
	Timestamp  int64           `json:"timestamp"`
	Valid      bool            `json:"valid"`
}

func (r PriceReading) Validate() error {
	if !r.Valid {
		return PriceInvalid
	}
	if r.Price.LessThanOrEqual(decimal.Zero) {
		return PriceInvalid
	}
	if r.LowerBound.GreaterThan(r.Price) || r.UpperBound.LessThan(r.Price) {
		return PriceInvalid
	}
	return nil
}

// PriceAdapter supplies readings on demand. Implementations live outside
// this core.
type PriceAdapter interface {
	GetPriceReading(assetId string) (PriceReading, error)
}
