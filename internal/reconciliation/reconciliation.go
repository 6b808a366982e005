// Package reconciliation periodically rebuilds every card balance from its
// transaction history and reports cards that disagree.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carepay/healthcredit/internal/ledger"
)

const pageSize = 100

// CardSource pages through all cards ordered by id.
type CardSource interface {
	ListCards(ctx context.Context, afterID string, limit int) ([]*ledger.HealthCard, error)
}

// Auditor reconciles one card.
type Auditor interface {
	AuditCard(ctx context.Context, cardID string) (*ledger.AuditResult, error)
}

// Report is the outcome of one pass over all cards.
type Report struct {
	Cards      int                   `json:"cards"`
	Mismatched []*ledger.AuditResult `json:"mismatched,omitempty"`
	Errors     int                   `json:"errors"`
	Duration   time.Duration         `json:"duration"`
}

// Runner audits every card.
type Runner struct {
	cards   CardSource
	auditor Auditor
	logger  *slog.Logger
}

// NewRunner creates a reconciliation runner.
func NewRunner(cards CardSource, auditor Auditor, logger *slog.Logger) *Runner {
	return &Runner{cards: cards, auditor: auditor, logger: logger}
}

// RunAll audits each card once. A failure on one card is counted and the
// pass continues; listing failures abort the pass.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	after := ""
	for {
		page, err := r.cards.ListCards(ctx, after, pageSize)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to list cards: %w", err)
		}
		for _, card := range page {
			report.Cards++
			result, err := r.auditor.AuditCard(ctx, card.ID)
			if err != nil {
				report.Errors++
				reconcileErrors.Inc()
				r.logger.Warn("card audit failed", "card", card.ID, "error", err)
				continue
			}
			if !result.OK() {
				report.Mismatched = append(report.Mismatched, result)
			}
		}
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	report.Duration = time.Since(start)
	reconcileLedgerMismatches.Set(float64(len(report.Mismatched)))
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileCards.Set(float64(report.Cards))
	if len(report.Mismatched) > 0 {
		r.logger.Error("ledger reconciliation found mismatches", "cards", report.Cards, "mismatched", len(report.Mismatched))
	} else {
		r.logger.Debug("ledger reconciliation clean", "cards", report.Cards)
	}
	return report, nil
}
