package ledger

import (
	"context"
	"fmt"
)

// AuditResult compares a card's stored balance with the balance rebuilt from
// its transaction history.
type AuditResult struct {
	CardID        string   `json:"cardId"`
	Transactions  int      `json:"transactions"`
	ExpectedUsed  int64    `json:"expectedUsed"`
	ExpectedLimit int64    `json:"expectedLimit"`
	ActualUsed    int64    `json:"actualUsed"`
	ActualLimit   int64    `json:"actualLimit"`
	ActualAvail   int64    `json:"actualAvailable"`
	Mismatches    []string `json:"mismatches,omitempty"`
}

// OK reports whether the card reconciled cleanly.
func (r *AuditResult) OK() bool { return len(r.Mismatches) == 0 }

// AuditCard replays every transaction on the card from its issued limit and
// checks each recorded post-balance along the way. The card lock is held so
// no mutation lands between reading the card and reading its history.
func (s *Service) AuditCard(ctx context.Context, cardID string) (*AuditResult, error) {
	var result *AuditResult
	err := s.withLock(ctx, cardID, func(ctx context.Context) error {
		card, err := s.store.GetCard(ctx, cardID)
		if err != nil {
			return err
		}
		txns, err := s.store.ListAllByCard(ctx, cardID)
		if err != nil {
			return err
		}
		result = replay(card, txns)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		s.logger.Error("ledger audit mismatch", "card", cardID, "mismatches", result.Mismatches)
	}
	return result, nil
}

func replay(card *HealthCard, txns []*Transaction) *AuditResult {
	r := &AuditResult{
		CardID:       card.ID,
		Transactions: len(txns),
		ActualUsed:   card.UsedCredit,
		ActualLimit:  card.ApprovedCreditLimit,
		ActualAvail:  card.AvailableCredit,
	}

	used, limit := int64(0), card.IssuedLimit
	for _, t := range txns {
		switch t.Kind {
		case KindPayment, KindFee:
			used += t.Amount
		case KindRefund:
			used -= t.Amount
		case KindTopUp:
			limit += t.Amount
		default:
			r.Mismatches = append(r.Mismatches, fmt.Sprintf("transaction %s has unknown kind %q", t.ID, t.Kind))
			continue
		}
		if t.UsedAfter != used || t.LimitAfter != limit || t.AvailableAfter != limit-used {
			r.Mismatches = append(r.Mismatches, fmt.Sprintf(
				"transaction %s recorded used=%d limit=%d available=%d, replay gives used=%d limit=%d",
				t.ID, t.UsedAfter, t.LimitAfter, t.AvailableAfter, used, limit))
		}
	}
	r.ExpectedUsed = used
	r.ExpectedLimit = limit

	if card.UsedCredit != used {
		r.Mismatches = append(r.Mismatches, fmt.Sprintf("stored used credit %d, replay gives %d", card.UsedCredit, used))
	}
	if card.ApprovedCreditLimit != limit {
		r.Mismatches = append(r.Mismatches, fmt.Sprintf("stored limit %d, replay gives %d", card.ApprovedCreditLimit, limit))
	}
	if !card.Balanced() {
		r.Mismatches = append(r.Mismatches, "used plus available does not equal the approved limit")
	}
	return r
}
