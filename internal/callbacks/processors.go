package callbacks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/carepay/healthcredit/internal/inbox"
	"github.com/carepay/healthcredit/internal/kyc"
	"github.com/carepay/healthcredit/internal/ledger"
	"github.com/carepay/healthcredit/internal/retry"
)

// KYCApplier records a verification outcome.
type KYCApplier interface {
	Apply(ctx context.Context, ev kyc.Event) (bool, error)
}

// CardCreditor is the slice of the ledger a payment settlement needs.
type CardCreditor interface {
	GetCard(ctx context.Context, cardID string) (*ledger.HealthCard, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (*ledger.Receipt, error)
}

// Register installs the callback processors on d.
func Register(d *inbox.Dispatcher, kycSvc KYCApplier, cards CardCreditor, logger *slog.Logger) {
	d.Handle(KindKYC, ProcessKYC(kycSvc, logger))
	d.Handle(KindPayment, ProcessPayment(cards, logger))
}

// ProcessKYC applies a queued verification outcome. A failing rejection
// hook is transient: the snapshot is not stored, so a retry reruns it.
func ProcessKYC(svc KYCApplier, logger *slog.Logger) inbox.Handler {
	return func(ctx context.Context, msg inbox.Message) error {
		var ev kyc.Event
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			return retry.Permanent(fmt.Errorf("decode kyc callback: %w", err))
		}
		applied, err := svc.Apply(ctx, ev)
		if errors.Is(err, kyc.ErrInvalidEvent) || errors.Is(err, kyc.ErrInvalidStatus) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		logger.Info("kyc callback processed", "owner", ev.OwnerID, "status", ev.Status,
			"verification", ev.VerificationID, "applied", applied)
		return nil
	}
}

// ProcessPayment settles a queued payment notice. Completed payments top up
// the card once per providerTransactionRef; failed ones change nothing.
func ProcessPayment(cards CardCreditor, logger *slog.Logger) inbox.Handler {
	return func(ctx context.Context, msg inbox.Message) error {
		var ev PaymentEvent
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			return retry.Permanent(fmt.Errorf("decode payment callback: %w", err))
		}

		if ev.Status == PaymentFailed {
			payments.WithLabelValues(ev.Status, "ignored").Inc()
			logger.Warn("payment failed at provider", "card", ev.CardID, "ref", ev.ProviderTransactionRef, "amount", ev.Amount)
			return nil
		}
		if ev.Status != PaymentCompleted {
			payments.WithLabelValues(ev.Status, "rejected").Inc()
			return retry.Permanent(fmt.Errorf("unknown payment status %q", ev.Status))
		}

		card, err := cards.GetCard(ctx, ev.CardID)
		if err != nil {
			return settleErr(ev, err)
		}
		receipt, err := cards.Credit(ctx, ledger.CreditRequest{
			CardID:         ev.CardID,
			OwnerID:        card.OwnerID,
			Amount:         ev.Amount,
			Kind:           ledger.KindTopUp,
			Description:    "Payment " + ev.ProviderTransactionRef,
			IdempotencyKey: ev.ProviderTransactionRef,
		})
		if err != nil {
			return settleErr(ev, err)
		}

		payments.WithLabelValues(ev.Status, "credited").Inc()
		logger.Info("payment settled", "card", ev.CardID, "ref", ev.ProviderTransactionRef,
			"transaction", receipt.Transaction.ID, "replayed", receipt.Replayed)
		return nil
	}
}

func settleErr(ev PaymentEvent, err error) error {
	switch {
	case errors.Is(err, ledger.ErrCardNotFound),
		errors.Is(err, ledger.ErrCardNotActive),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrIdempotencyConflict):
		payments.WithLabelValues(ev.Status, "rejected").Inc()
		return retry.Permanent(fmt.Errorf("settle %s: %w", ev.ProviderTransactionRef, err))
	default:
		return err
	}
}
