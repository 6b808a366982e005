package emi

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumPrincipal(s *Schedule) int64 {
	var total int64
	for _, in := range s.Installments {
		total += in.PrincipalPortion
	}
	return total
}

func TestComputeSchedule_StandardLoan(t *testing.T) {
	s, err := ComputeSchedule(100000, decimal.NewFromInt(12), 12)
	require.NoError(t, err)

	assert.Equal(t, int64(8885), s.MonthlyPayment)
	require.Len(t, s.Installments, 12)

	first := s.Installments[0]
	assert.Equal(t, int64(1000), first.InterestPortion)
	assert.Equal(t, int64(7885), first.PrincipalPortion)
	assert.Equal(t, int64(92115), first.RemainingBalance)

	last := s.Installments[11]
	assert.Equal(t, int64(0), last.RemainingBalance)
	assert.Equal(t, int64(100000), sumPrincipal(s))
	assert.Equal(t, s.Principal+s.TotalInterest, s.TotalPayable)
	// level payments within a unit or two of the rounded figure
	assert.InDelta(t, 8885, last.Payment, 12)
}

func TestComputeSchedule_PrincipalSumsExactly(t *testing.T) {
	cases := []struct {
		principal int64
		rate      string
		months    int
	}{
		{50000, "10.5", 6},
		{123457, "13", 24},
		{999999, "16", 360},
		{7, "18", 5},
		{2500000, "0.01", 36},
	}
	for _, c := range cases {
		s, err := ComputeSchedule(c.principal, decimal.RequireFromString(c.rate), c.months)
		require.NoError(t, err)
		assert.Equal(t, c.principal, sumPrincipal(s), "principal %d at %s%% over %d", c.principal, c.rate, c.months)
		assert.Equal(t, int64(0), s.Installments[c.months-1].RemainingBalance)
		for _, in := range s.Installments {
			assert.GreaterOrEqual(t, in.PrincipalPortion, int64(0))
			assert.GreaterOrEqual(t, in.RemainingBalance, int64(0))
		}
	}
}

func TestComputeSchedule_LevelPaymentsAcrossGrid(t *testing.T) {
	type loan struct {
		principal int64
		rate      string
		months    int
	}
	grid := []loan{{35000, "13", 360}}
	for _, p := range []int64{100_000, 2_500_000, 50_000_000} {
		for _, r := range []string{"0", "1", "7.5", "13", "24", "36"} {
			for _, n := range []int{1, 6, 12, 60, 180, 360} {
				grid = append(grid, loan{p, r, n})
			}
		}
	}

	for _, c := range grid {
		s, err := ComputeSchedule(c.principal, decimal.RequireFromString(c.rate), c.months)
		require.NoError(t, err)
		label := fmt.Sprintf("%d at %s%% over %d", c.principal, c.rate, c.months)

		var paid int64
		for i, in := range s.Installments {
			paid += in.Payment
			assert.Equal(t, in.PrincipalPortion+in.InterestPortion, in.Payment, label)
			if i < c.months-1 {
				assert.Equal(t, s.MonthlyPayment, in.Payment, "%s: month %d", label, in.DueMonth)
			}
		}
		last := s.Installments[c.months-1]
		assert.Positive(t, last.Payment, label)
		assert.Equal(t, int64(0), last.RemainingBalance, label)
		assert.Equal(t, c.principal, sumPrincipal(s), label)
		assert.Equal(t, s.TotalPayable, paid, label)

		// Only the accumulated rounding of the level payment, at most half a
		// unit per month, may separate the total from monthlyPayment*term.
		bound := float64(c.months)/2 + 2
		if c.rate == "0" {
			bound = float64(c.months)
		}
		assert.InDelta(t, s.MonthlyPayment*int64(c.months), paid, bound, label)
	}
}

func TestComputeSchedule_ZeroRate(t *testing.T) {
	s, err := ComputeSchedule(1000, decimal.Zero, 3)
	require.NoError(t, err)

	assert.Equal(t, int64(333), s.MonthlyPayment)
	assert.Equal(t, int64(333), s.Installments[0].Payment)
	assert.Equal(t, int64(333), s.Installments[1].Payment)
	assert.Equal(t, int64(334), s.Installments[2].Payment)
	assert.Equal(t, int64(0), s.TotalInterest)
	assert.Equal(t, int64(1000), s.TotalPayable)
}

func TestComputeSchedule_SingleMonth(t *testing.T) {
	s, err := ComputeSchedule(10000, decimal.NewFromInt(12), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10100), s.MonthlyPayment)
	assert.Equal(t, int64(10100), s.Installments[0].Payment)
}

func TestComputeSchedule_InvalidParameters(t *testing.T) {
	twelve := decimal.NewFromInt(12)
	tests := []struct {
		name      string
		principal int64
		rate      decimal.Decimal
		months    int
	}{
		{"zero principal", 0, twelve, 12},
		{"negative principal", -1, twelve, 12},
		{"zero term", 1000, twelve, 0},
		{"term too long", 1000, twelve, 361},
		{"negative rate", 1000, decimal.NewFromInt(-1), 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeSchedule(tt.principal, tt.rate, tt.months)
			assert.ErrorIs(t, err, ErrInvalidParameters)
		})
	}
}
