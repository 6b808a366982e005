// Package scoring produces the credit score, eligibility ceiling and annual
// interest rate a loan application is underwritten against.
package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is returned when no score could be obtained. Callers
	// must not substitute a default score.
	ErrUnavailable  = errors.New("scoring: provider unavailable")
	ErrInvalidInput = errors.New("scoring: applicant id and a positive income are required")
)

const (
	MinScore = 300
	MaxScore = 900
)

// Result is one scoring decision.
type Result struct {
	Score             int             `json:"score"`
	MaxEligibleAmount int64           `json:"maxEligibleAmount"`
	InterestRate      decimal.Decimal `json:"interestRate"`
}

// Scorer scores an applicant. declaredIncome is annual income in minor units.
type Scorer interface {
	Score(ctx context.Context, applicantID string, declaredIncome int64) (Result, error)
}

// Band maps a score range to an eligible share of annual income and a rate.
type Band struct {
	MinScore      int
	IncomePercent int64
	InterestRate  decimal.Decimal
}

// DefaultBands are ordered from best to worst. The last band matches anything.
var DefaultBands = []Band{
	{MinScore: 750, IncomePercent: 50, InterestRate: decimal.RequireFromString("10.5")},
	{MinScore: 650, IncomePercent: 35, InterestRate: decimal.RequireFromString("13")},
	{MinScore: 550, IncomePercent: 20, InterestRate: decimal.RequireFromString("16")},
	{MinScore: 0, IncomePercent: 0, InterestRate: decimal.RequireFromString("18")},
}

// BandFor returns the band a score falls into.
func BandFor(score int) Band {
	for _, b := range DefaultBands {
		if score >= b.MinScore {
			return b
		}
	}
	return DefaultBands[len(DefaultBands)-1]
}

// RuleScorer scores applicants deterministically without any external call.
// The base score (300..700) is derived from a SHA-256 of the applicant id;
// declared income adds one point per 5,000 major units, at most 200.
type RuleScorer struct {
	maxEligible int64
}

// NewRuleScorer creates a rule scorer whose eligibility never exceeds
// maxEligible minor units.
func NewRuleScorer(maxEligible int64) *RuleScorer {
	return &RuleScorer{maxEligible: maxEligible}
}

func (s *RuleScorer) Score(ctx context.Context, applicantID string, declaredIncome int64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if applicantID == "" || declaredIncome <= 0 {
		return Result{}, ErrInvalidInput
	}

	sum := sha256.Sum256([]byte(applicantID))
	base := MinScore + int(binary.BigEndian.Uint64(sum[:8])%401)

	bonus := declaredIncome / 100 / 5000
	if bonus > 200 {
		bonus = 200
	}
	score := base + int(bonus)

	// Whole major units times a percentage is already in minor units.
	band := BandFor(score)
	return Result{
		Score:             score,
		MaxEligibleAmount: capEligible(declaredIncome/100*band.IncomePercent, s.maxEligible),
		InterestRate:      band.InterestRate,
	}, nil
}

func capEligible(amount, limit int64) int64 {
	if limit > 0 && amount > limit {
		return limit
	}
	return amount
}

func validResult(r Result) bool {
	return r.Score >= MinScore && r.Score <= MaxScore &&
		r.MaxEligibleAmount >= 0 && !r.InterestRate.IsNegative()
}
