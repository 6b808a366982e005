package scoring

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleScorer_Deterministic(t *testing.T) {
	s := NewRuleScorer(0)
	a, err := s.Score(context.Background(), "owner-42", 120_000_000)
	require.NoError(t, err)
	b, err := s.Score(context.Background(), "owner-42", 120_000_000)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a.Score, MinScore)
	assert.LessOrEqual(t, a.Score, MaxScore)
}

func TestRuleScorer_IncomeBonus(t *testing.T) {
	s := NewRuleScorer(0)
	ctx := context.Background()

	low, err := s.Score(ctx, "owner-7", 100)
	require.NoError(t, err)

	// 500,000 major units is a bonus of 100 points.
	mid, err := s.Score(ctx, "owner-7", 50_000_000)
	require.NoError(t, err)
	assert.Equal(t, low.Score+100, mid.Score)

	capped, err := s.Score(ctx, "owner-7", 1_000_000_000_00)
	require.NoError(t, err)
	assert.Equal(t, low.Score+200, capped.Score)
}

func TestRuleScorer_EligibilityFollowsBand(t *testing.T) {
	s := NewRuleScorer(0)
	income := int64(60_000_000)

	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		res, err := s.Score(context.Background(), id, income)
		require.NoError(t, err)
		band := BandFor(res.Score)
		assert.Equal(t, income*band.IncomePercent/100, res.MaxEligibleAmount, id)
		assert.True(t, band.InterestRate.Equal(res.InterestRate), id)
	}
}

func TestRuleScorer_CapsEligibility(t *testing.T) {
	s := NewRuleScorer(1_000_000)
	res, err := s.Score(context.Background(), "owner-1", 2_000_000_000_00)
	require.NoError(t, err)
	// A maxed income bonus puts every applicant at 500 or more.
	if res.Score >= 550 {
		assert.Equal(t, int64(1_000_000), res.MaxEligibleAmount)
	}
	assert.LessOrEqual(t, res.MaxEligibleAmount, int64(1_000_000))
}

func TestRuleScorer_InvalidInput(t *testing.T) {
	s := NewRuleScorer(0)
	_, err := s.Score(context.Background(), "", 100)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Score(context.Background(), "x", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		score   int
		percent int64
		rate    string
	}{
		{900, 50, "10.5"},
		{750, 50, "10.5"},
		{749, 35, "13"},
		{650, 35, "13"},
		{600, 20, "16"},
		{549, 0, "18"},
		{300, 0, "18"},
	}
	for _, tt := range tests {
		b := BandFor(tt.score)
		assert.Equal(t, tt.percent, b.IncomePercent, "score %d", tt.score)
		assert.True(t, decimal.RequireFromString(tt.rate).Equal(b.InterestRate), "score %d", tt.score)
	}
}
