package core

import (
	"github.com/pkg/errors"
)

var (
	InvalidConfig = errors.New("invalid config")

	PriceStale   = errors.New("price is stale")
	PriceInvalid = errors.New("oracle reading is invalid")

	InsufficientHealth      = errors.New("operation would leave the obligation unhealthy")
	ObligationHealthy       = errors.New("obligation is not liquidatable")
	ObligationNotForgivable = errors.New("obligation debt is not forgivable")

	AmountTooSmall    = errors.New("amount rounds to zero")
	RateLimitExceeded = errors.New("rate limit exceeded")

	ReserveNotFound       = errors.New("reserve not found")
	DepositRecordNotFound = errors.New("obligation has no deposit in this reserve")
	BorrowRecordNotFound  = errors.New("obligation has no borrow in this reserve")

	InsufficientLiquidity = errors.New("insufficient available liquidity")
	BorrowCapExceeded     = errors.New("reserve borrow cap exceeded")
	DepositCapExceeded    = errors.New("reserve deposit cap exceeded")
	InsufficientCtokens   = errors.New("insufficient ctoken balance")

	IsolatedAssetViolation = errors.New("isolated-asset obligation may hold only one borrow")
	SameAssetDepositBorrow = errors.New("cannot deposit and borrow the same asset")

	ObligationNotRefreshed = errors.New("obligation must be refreshed first")
)
