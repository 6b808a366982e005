package reconciliation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepay/healthcredit/internal/ledger"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunAll_CleanLedger(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, quietLogger())

	card, err := svc.IssueCard(ctx, "owner-1", ledger.CardPayLater, 50000)
	require.NoError(t, err)
	_, err = svc.ActivateCard(ctx, card.ID)
	require.NoError(t, err)
	_, err = svc.Debit(ctx, ledger.DebitRequest{CardID: card.ID, OwnerID: "owner-1", Amount: 1200, Kind: ledger.KindPayment, IdempotencyKey: "k1"})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, ledger.CreditRequest{CardID: card.ID, OwnerID: "owner-1", Amount: 5000, Kind: ledger.KindTopUp, IdempotencyKey: "k2"})
	require.NoError(t, err)

	report, err := NewRunner(store, svc, quietLogger()).RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cards)
	assert.Empty(t, report.Mismatched)
	assert.Equal(t, float64(0), testutil.ToFloat64(reconcileLedgerMismatches))
}

func TestRunAll_FlagsTamperedCard(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, quietLogger())

	_, err := svc.IssueCard(ctx, "owner-1", ledger.CardEMI, 10000)
	require.NoError(t, err)

	// Drawn credit with no transaction behind it.
	now := time.Now().UTC()
	require.NoError(t, store.CreateCard(ctx, &ledger.HealthCard{
		ID:                  "hc_tampered",
		OwnerID:             "owner-2",
		CardType:            ledger.CardPayLater,
		ApprovedCreditLimit: 10000,
		UsedCredit:          700,
		AvailableCredit:     9300,
		IssuedLimit:         10000,
		Status:              ledger.CardActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}))

	report, err := NewRunner(store, svc, quietLogger()).RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Cards)
	require.Len(t, report.Mismatched, 1)
	assert.Equal(t, "hc_tampered", report.Mismatched[0].CardID)
	assert.Equal(t, int64(0), report.Mismatched[0].ExpectedUsed)
	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileLedgerMismatches))
}

func TestRunAll_PagesThroughAllCards(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, quietLogger())

	for i := 0; i < pageSize+5; i++ {
		_, err := svc.IssueCard(ctx, "owner-1", ledger.CardDiscountCard, 1000)
		require.NoError(t, err)
	}

	report, err := NewRunner(store, svc, quietLogger()).RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, pageSize+5, report.Cards)
}

func TestTimer_StopEndsLoop(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, quietLogger())
	timer := NewTimer(NewRunner(store, svc, quietLogger()), 10*time.Millisecond, quietLogger())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestTimer_AuditsOnStartAndKeepsReport(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, quietLogger())
	_, err := svc.IssueCard(ctx, "owner-1", ledger.CardPayLater, 1000)
	require.NoError(t, err)

	timer := NewTimer(NewRunner(store, svc, quietLogger()), time.Hour, quietLogger())
	assert.Nil(t, timer.LastReport())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go timer.Start(runCtx)

	require.Eventually(t, func() bool { return timer.LastReport() != nil }, time.Second, 5*time.Millisecond)
	report := timer.LastReport()
	assert.Equal(t, 1, report.Cards)
	assert.Empty(t, report.Mismatched)
	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileCards))

	timer.Stop()
	timer.Stop()
}
