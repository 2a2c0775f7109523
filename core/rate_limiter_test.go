package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  RateLimiterConfig
		wantErr bool
	}{
		{
			name:    "valid",
			config:  RateLimiterConfig{WindowDuration: 10, MaxOutflow: decimal.NewFromInt(100)},
			wantErr: false,
		},
		{
			name:    "zero window",
			config:  RateLimiterConfig{WindowDuration: 0, MaxOutflow: decimal.NewFromInt(100)},
			wantErr: true,
		},
		{
			name:    "negative outflow",
			config:  RateLimiterConfig{WindowDuration: 10, MaxOutflow: decimal.NewFromInt(-1)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRateLimiterWindowDecay(t *testing.T) {
	rl, err := NewRateLimiter(RateLimiterConfig{
		WindowDuration: 10,
		MaxOutflow:     decimal.NewFromInt(100),
	}, 0)
	require.NoError(t, err)

	require.NoError(t, rl.ProcessQty(0, decimal.NewFromInt(100)))
	for now := int64(0); now < 10; now++ {
		assert.True(t, rl.CurrentOutflow(now).Equal(decimal.NewFromInt(100)), "t=%d", now)
	}

	// The previous window's 100 decays linearly, admitting 10 more per
	// second without ever exceeding the cap.
	for now := int64(10); now <= 18; now++ {
		require.NoError(t, rl.ProcessQty(now, decimal.NewFromInt(10)), "t=%d", now)
	}
	assert.True(t, rl.CurrentOutflow(18).Equal(decimal.NewFromInt(100)))

	// Anything older than two windows has fully decayed.
	rl2, err := NewRateLimiter(RateLimiterConfig{
		WindowDuration: 10,
		MaxOutflow:     decimal.NewFromInt(100),
	}, 0)
	require.NoError(t, err)
	require.NoError(t, rl2.ProcessQty(0, decimal.NewFromInt(100)))
	require.NoError(t, rl2.ProcessQty(100, decimal.NewFromInt(100)))
}

func TestRateLimiterRejectsWithoutCommitting(t *testing.T) {
	rl, err := NewRateLimiter(RateLimiterConfig{
		WindowDuration: 10,
		MaxOutflow:     decimal.NewFromInt(100),
	}, 0)
	require.NoError(t, err)

	require.NoError(t, rl.ProcessQty(0, decimal.NewFromInt(90)))
	assert.ErrorIs(t, rl.ProcessQty(1, decimal.NewFromInt(20)), RateLimitExceeded)
	assert.True(t, rl.CurQty.Equal(decimal.NewFromInt(90)), "rejected qty must not count")
	require.NoError(t, rl.ProcessQty(1, decimal.NewFromInt(10)))
}

func TestRateLimiterRemaining(t *testing.T) {
	rl, err := NewRateLimiter(RateLimiterConfig{
		WindowDuration: 10,
		MaxOutflow:     decimal.NewFromInt(100),
	}, 0)
	require.NoError(t, err)

	assert.True(t, rl.Remaining(0).Equal(decimal.NewFromInt(100)))
	require.NoError(t, rl.ProcessQty(0, decimal.NewFromInt(60)))
	assert.True(t, rl.Remaining(5).Equal(decimal.NewFromInt(40)))
	assert.True(t, rl.Remaining(100).Equal(decimal.NewFromInt(100)))
}
