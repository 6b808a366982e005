package loan

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carepay/healthcredit/internal/ledger"
)

var loanTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "healthcredit",
	Subsystem: "loan",
	Name:      "transitions_total",
	Help:      "Loan application transitions by transition and outcome.",
}, []string{"transition", "outcome"})

func init() {
	prometheus.MustRegister(loanTransitions)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrScoringUnavailable):
		return "unavailable"
	case errors.Is(err, ErrValidationFailed),
		errors.Is(err, ErrStepOutOfOrder),
		errors.Is(err, ErrApplicationLocked),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidLoanParameters),
		errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ledger.ErrInsufficientCredit),
		errors.Is(err, ledger.ErrCardNotActive),
		errors.Is(err, ledger.ErrNotAuthorized):
		return "rejected"
	default:
		return "error"
	}
}
