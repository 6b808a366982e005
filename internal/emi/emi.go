// Package emi computes reducing-balance equated monthly installment schedules.
// Amounts are integer minor units; rates are annual percentages.
package emi

import (
	"errors"

	"github.com/shopspring/decimal"
)

// MaxTermMonths is the longest schedule accepted.
const MaxTermMonths = 360

// ErrInvalidParameters is returned for a non-positive principal or term, a
// term above MaxTermMonths, or a negative rate.
var ErrInvalidParameters = errors.New("emi: invalid loan parameters")

// Decimal places kept for intermediate results.
const precision = 24

var (
	monthsPerYearPct = decimal.NewFromInt(1200)
	one              = decimal.NewFromInt(1)
)

// Installment is one month of a schedule.
type Installment struct {
	DueMonth         int   `json:"dueMonth"`
	Payment          int64 `json:"payment"`
	PrincipalPortion int64 `json:"principalPortion"`
	InterestPortion  int64 `json:"interestPortion"`
	RemainingBalance int64 `json:"remainingBalance"`
}

// Schedule is the full repayment plan.
type Schedule struct {
	Principal         int64           `json:"principal"`
	AnnualRatePercent decimal.Decimal `json:"annualRatePercent"`
	TermMonths        int             `json:"termMonths"`
	MonthlyPayment    int64           `json:"monthlyPayment"`
	TotalInterest     int64           `json:"totalInterest"`
	TotalPayable      int64           `json:"totalPayable"`
	Installments      []Installment   `json:"installments"`
}

// ComputeSchedule builds the schedule for principal borrowed at
// annualRatePercent over termMonths.
//
// The level payment is P*r*(1+r)^n / ((1+r)^n - 1) with r = rate/1200,
// rounded half-up. Every installment but the last pays exactly that amount.
// Interest portions follow the unrounded schedule, rounded cumulatively, so
// rounding never compounds; the last installment pays off what remains and
// differs from the level payment only by the accumulated rounding. At a zero
// rate the payment is principal/termMonths with the division remainder added
// to the last installment.
func ComputeSchedule(principal int64, annualRatePercent decimal.Decimal, termMonths int) (*Schedule, error) {
	if principal <= 0 || termMonths <= 0 || termMonths > MaxTermMonths || annualRatePercent.IsNegative() {
		return nil, ErrInvalidParameters
	}

	s := &Schedule{
		Principal:         principal,
		AnnualRatePercent: annualRatePercent,
		TermMonths:        termMonths,
		Installments:      make([]Installment, 0, termMonths),
	}

	r := annualRatePercent.DivRound(monthsPerYearPct, 20)
	var exactPayment decimal.Decimal
	if r.IsZero() {
		s.MonthlyPayment = principal / int64(termMonths)
		exactPayment = decimal.NewFromInt(s.MonthlyPayment)
	} else {
		exactPayment = levelPayment(principal, r, termMonths)
		s.MonthlyPayment = exactPayment.Round(0).IntPart()
	}

	var (
		balance       = principal
		exactBalance  = decimal.NewFromInt(principal)
		exactInterest = decimal.Zero
		charged       int64
	)
	for month := 1; month <= termMonths; month++ {
		accrued := exactBalance.Mul(r).Round(precision)
		exactInterest = exactInterest.Add(accrued)
		exactBalance = exactBalance.Add(accrued).Sub(exactPayment)

		interest := exactInterest.Round(0).IntPart() - charged
		var principalPart int64
		if month == termMonths {
			principalPart = balance
		} else {
			// Interest above the level payment carries into later months.
			interest = min(interest, s.MonthlyPayment)
			principalPart = min(s.MonthlyPayment-interest, balance)
		}
		charged += interest
		balance -= principalPart

		s.Installments = append(s.Installments, Installment{
			DueMonth:         month,
			Payment:          principalPart + interest,
			PrincipalPortion: principalPart,
			InterestPortion:  interest,
			RemainingBalance: balance,
		})
	}
	s.TotalInterest = charged
	s.TotalPayable = principal + s.TotalInterest
	return s, nil
}

// levelPayment returns the unrounded level payment.
func levelPayment(principal int64, r decimal.Decimal, n int) decimal.Decimal {
	onePlusR := one.Add(r)
	factor := one
	for i := 0; i < n; i++ {
		factor = factor.Mul(onePlusR).Round(precision)
	}
	numerator := decimal.NewFromInt(principal).Mul(r).Mul(factor)
	return numerator.DivRound(factor.Sub(one), precision)
}
