package loan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepay/healthcredit/internal/events"
	"github.com/carepay/healthcredit/internal/kyc"
	"github.com/carepay/healthcredit/internal/ledger"
	"github.com/carepay/healthcredit/internal/scoring"
)

const (
	owner = "owner-1"
	fee   = int64(1000)
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stubKYC struct {
	mu       sync.Mutex
	statuses map[string]kyc.Status
}

func (s *stubKYC) Status(_ context.Context, ownerID string) (kyc.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[ownerID]; ok {
		return st, nil
	}
	return kyc.StatusPending, nil
}

func (s *stubKYC) set(ownerID string, st kyc.Status) {
	s.mu.Lock()
	s.statuses[ownerID] = st
	s.mu.Unlock()
}

type stubScorer struct {
	mu    sync.Mutex
	calls int
	res   scoring.Result
	err   error
}

func (s *stubScorer) Score(context.Context, string, int64) (scoring.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.res, s.err
}

func (s *stubScorer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testEnv struct {
	svc     *Service
	ledger  *ledger.Service
	scorer  *stubScorer
	kyc     *stubKYC
	card    *ledger.HealthCard
	capture *events.Capture
}

func newEnv(t *testing.T, cardLimit int64) *testEnv {
	return newEnvWithStore(t, NewMemoryStore(), cardLimit)
}

func newEnvWithStore(t *testing.T, store Store, cardLimit int64) *testEnv {
	t.Helper()
	ctx := context.Background()

	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(), quietLogger())
	card, err := ledgerSvc.IssueCard(ctx, owner, ledger.CardPayLater, cardLimit)
	require.NoError(t, err)
	card, err = ledgerSvc.ActivateCard(ctx, card.ID)
	require.NoError(t, err)

	k := &stubKYC{statuses: map[string]kyc.Status{owner: kyc.StatusCompleted}}
	sc := &stubScorer{res: scoring.Result{Score: 720, MaxEligibleAmount: 35000, InterestRate: decimal.NewFromInt(13)}}
	capture := &events.Capture{}
	svc := NewService(store, k, sc, ledgerSvc, Config{ProcessingFee: fee}, quietLogger()).WithPublisher(capture)
	return &testEnv{svc: svc, ledger: ledgerSvc, scorer: sc, kyc: k, card: card, capture: capture}
}

func personal() *PersonalInfo {
	return &PersonalInfo{
		FullName:     "Asha Rao",
		DateOfBirth:  "1990-04-12",
		Phone:        "+919876543210",
		Email:        "asha@example.com",
		AddressLine:  "12 MG Road",
		City:         "Bengaluru",
		State:        "Karnataka",
		PostalCode:   "560001",
		PANNumber:    "ABCDE1234F",
		AnnualIncome: 90_000_000,
	}
}

func (e *testEnv) input(step int, appID string) StepInput {
	in := StepInput{ApplicationID: appID}
	switch step {
	case 2:
		in.PersonalInfo = personal()
	case 4:
		in.EmploymentInfo = &EmploymentInfo{EmploymentType: EmploymentSalaried, EmployerName: "Infosys", MonthlyIncome: 7_500_000}
	case 5:
		in.MedicalInfo = &MedicalInfo{HospitalName: "Apollo", PatientName: "Asha Rao", TreatmentType: "knee surgery", EstimatedCost: 40000}
		in.LoanDetails = &LoanDetails{RequestedAmount: 30000, PreferredTermMonths: 12}
	case 6:
		in.CardID = e.card.ID
	case 7:
		in.Agreement = &Agreement{AgreementSigned: true, NachMandateSigned: true, TermsAccepted: true}
	}
	return in
}

// driveTo advances a new draft until its current step is target.
func (e *testEnv) driveTo(t *testing.T, target int) *Application {
	t.Helper()
	app, err := e.svc.AdvanceStep(context.Background(), owner, 1, StepInput{})
	require.NoError(t, err)
	for step := 2; step < target; step++ {
		app, err = e.svc.AdvanceStep(context.Background(), owner, step, e.input(step, app.ID))
		require.NoError(t, err, "step %d", step)
	}
	require.Equal(t, target, app.CurrentStep)
	return app
}

func (e *testEnv) feeTransactions(t *testing.T) int {
	t.Helper()
	txns, _, err := e.ledger.ListTransactions(context.Background(), e.card.ID, 100, "")
	require.NoError(t, err)
	n := 0
	for _, txn := range txns {
		if txn.Kind == ledger.KindFee {
			n++
		}
	}
	return n
}

func TestAdvanceStep_FullTraversalAndSubmit(t *testing.T) {
	env := newEnv(t, 25000)
	ctx := context.Background()

	app := env.driveTo(t, 7)
	assert.Equal(t, StatusDraft, app.Status)
	require.NotNil(t, app.CreditScore)
	assert.Equal(t, 720, *app.CreditScore)
	assert.Equal(t, int64(35000), *app.MaxEligibleAmount)
	assert.NotEmpty(t, app.FeeTransactionID)
	assert.Equal(t, env.card.ID, app.FeeCardID)

	app, err := env.svc.AdvanceStep(ctx, owner, 7, env.input(7, app.ID))
	require.NoError(t, err)
	assert.Equal(t, 7, app.CurrentStep)
	assert.Equal(t, StatusDraft, app.Status, "step 7 records consents only")
	require.NotNil(t, app.Agreement.SignedAt)

	app, err = env.svc.Submit(ctx, owner, app.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, app.Status)
	assert.Regexp(t, regexp.MustCompile(`^HC\d{6}-[0-9A-F]{6}$`), app.ApplicationNumber)
	require.NotNil(t, app.SubmittedAt)

	bal, err := env.ledger.GetBalance(ctx, env.card.ID)
	require.NoError(t, err)
	assert.Equal(t, fee, bal.UsedCredit)
	assert.Equal(t, 1, env.scorer.callCount())
	assert.NotEmpty(t, env.capture.OfType(events.LoanUpdated))
}

func TestAdvanceStep_KYCGuardKeepsNewDraft(t *testing.T) {
	env := newEnv(t, 25000)
	env.kyc.set(owner, kyc.StatusPending)
	ctx := context.Background()

	app, err := env.svc.AdvanceStep(ctx, owner, 1, StepInput{})
	var stepErr *StepValidationError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "kycStatus", stepErr.Field)
	assert.ErrorIs(t, err, ErrValidationFailed)
	require.NotNil(t, app, "the draft is kept")
	assert.Equal(t, 1, app.CurrentStep)

	env.kyc.set(owner, kyc.StatusCompleted)
	app, err = env.svc.AdvanceStep(ctx, owner, 1, StepInput{ApplicationID: app.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, app.CurrentStep)
	assert.Equal(t, string(kyc.StatusCompleted), app.KYCStatus)
}

func TestAdvanceStep_OutOfOrder(t *testing.T) {
	env := newEnv(t, 25000)
	ctx := context.Background()
	app := env.driveTo(t, 2)

	_, err := env.svc.AdvanceStep(ctx, owner, 3, StepInput{ApplicationID: app.ID})
	assert.ErrorIs(t, err, ErrStepOutOfOrder)
	_, err = env.svc.AdvanceStep(ctx, owner, 1, StepInput{ApplicationID: app.ID})
	assert.ErrorIs(t, err, ErrStepOutOfOrder)
	_, err = env.svc.AdvanceStep(ctx, owner, 2, StepInput{})
	assert.ErrorIs(t, err, ErrStepOutOfOrder)
	_, err = env.svc.AdvanceStep(ctx, owner, 8, StepInput{ApplicationID: app.ID})
	assert.ErrorIs(t, err, ErrStepOutOfOrder)

	got, err := env.svc.Get(ctx, owner, app.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
}

func TestAdvanceStep_MissingFieldLeavesStepUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		step   int
		mutate func(in *StepInput)
		field  string
	}{
		{"no personal info", 2, func(in *StepInput) { in.PersonalInfo = nil }, "personalInfo"},
		{"no name", 2, func(in *StepInput) { in.PersonalInfo.FullName = "" }, "personalInfo.fullName"},
		{"bad pan", 2, func(in *StepInput) { in.PersonalInfo.PANNumber = "12345" }, "personalInfo.panNumber"},
		{"zero income", 2, func(in *StepInput) { in.PersonalInfo.AnnualIncome = 0 }, "personalInfo.annualIncome"},
		{"bad postal code", 2, func(in *StepInput) { in.PersonalInfo.PostalCode = "5600" }, "personalInfo.postalCode"},
		{"unknown employment", 4, func(in *StepInput) { in.EmploymentInfo.EmploymentType = "student" }, "employmentInfo.employmentType"},
		{"salaried without employer", 4, func(in *StepInput) { in.EmploymentInfo.EmployerName = "" }, "employmentInfo.employerName"},
		{"no monthly income", 4, func(in *StepInput) { in.EmploymentInfo.MonthlyIncome = 0 }, "employmentInfo.monthlyIncome"},
		{"no hospital", 5, func(in *StepInput) { in.MedicalInfo.HospitalName = "" }, "medicalInfo.hospitalName"},
		{"no loan details", 5, func(in *StepInput) { in.LoanDetails = nil }, "loanDetails"},
		{"term too long", 5, func(in *StepInput) { in.LoanDetails.PreferredTermMonths = 361 }, "loanDetails.preferredTermMonths"},
		{"no card", 6, func(in *StepInput) { in.CardID = "" }, "cardId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, 25000)
			app := env.driveTo(t, tt.step)
			in := env.input(tt.step, app.ID)
			tt.mutate(&in)

			got, err := env.svc.AdvanceStep(context.Background(), owner, tt.step, in)
			var stepErr *StepValidationError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, tt.field, stepErr.Field)
			assert.Equal(t, tt.step, stepErr.Step)
			require.NotNil(t, got)
			assert.Equal(t, tt.step, got.CurrentStep)

			stored, err := env.svc.Get(context.Background(), owner, app.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.step, stored.CurrentStep)
			assert.Equal(t, app.Version, stored.Version)
		})
	}
}

func TestAdvanceStep_ScoringUnavailableIsNotDefaulted(t *testing.T) {
	env := newEnv(t, 25000)
	env.scorer.err = scoring.ErrUnavailable
	ctx := context.Background()
	app := env.driveTo(t, 2)

	_, err := env.svc.AdvanceStep(ctx, owner, 2, env.input(2, app.ID))
	assert.ErrorIs(t, err, ErrScoringUnavailable)

	stored, err := env.svc.Get(ctx, owner, app.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.CreditScore)
	assert.Nil(t, stored.PersonalInfo, "nothing is stored on failure")
	assert.Equal(t, 2, stored.CurrentStep)

	env.scorer.err = nil
	app, err = env.svc.AdvanceStep(ctx, owner, 2, env.input(2, app.ID))
	require.NoError(t, err)
	assert.Equal(t, 3, app.CurrentStep)
	assert.Equal(t, 2, env.scorer.callCount())
}

func TestAdvanceStep_RequestAboveEligibilityRejectedAtStepFive(t *testing.T) {
	env := newEnv(t, 25000)
	app := env.driveTo(t, 5)
	in := env.input(5, app.ID)
	in.LoanDetails.RequestedAmount = 40000

	_, err := env.svc.AdvanceStep(context.Background(), owner, 5, in)
	var stepErr *StepValidationError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "loanDetails.requestedAmount", stepErr.Field)
	assert.Contains(t, err.Error(), "40,000")
	assert.Contains(t, err.Error(), "35,000")
	assert.Equal(t, 0, env.feeTransactions(t))
}

func TestAdvanceStep_FeeDebitFailureKeepsStepSix(t *testing.T) {
	env := newEnv(t, 500)
	ctx := context.Background()
	app := env.driveTo(t, 6)

	_, err := env.svc.AdvanceStep(ctx, owner, 6, env.input(6, app.ID))
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)
	assert.Equal(t, "insufficient available credit: requested 1,000, available 500", err.Error())

	stored, err := env.svc.Get(ctx, owner, app.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, stored.CurrentStep)
	assert.Empty(t, stored.FeeTransactionID)
	assert.Empty(t, stored.CardID, "no partial state")
	assert.Equal(t, 0, env.feeTransactions(t))
}

func TestAdvanceStep_FeeOnSomeoneElsesCard(t *testing.T) {
	env := newEnv(t, 25000)
	other, err := env.ledger.IssueCard(context.Background(), "owner-2", ledger.CardEMI, 25000)
	require.NoError(t, err)
	app := env.driveTo(t, 6)

	_, err = env.svc.AdvanceStep(context.Background(), owner, 6, StepInput{ApplicationID: app.ID, CardID: other.ID})
	assert.ErrorIs(t, err, ledger.ErrNotAuthorized)
}

func (e *testEnv) secondCard(t *testing.T) *ledger.HealthCard {
	t.Helper()
	card, err := e.ledger.IssueCard(context.Background(), owner, ledger.CardEMI, 25000)
	require.NoError(t, err)
	card, err = e.ledger.ActivateCard(context.Background(), card.ID)
	require.NoError(t, err)
	return card
}

func TestAdvanceStep_FeeCardPinnedAfterCharge(t *testing.T) {
	env := newEnv(t, 25000)
	ctx := context.Background()
	app := env.driveTo(t, 7)
	other := env.secondCard(t)

	require.NoError(t, env.svc.ReturnDraftsToStart(ctx, owner, "recheck"))
	for step := 1; step < 6; step++ {
		_, err := env.svc.AdvanceStep(ctx, owner, step, env.input(step, app.ID))
		require.NoError(t, err, "step %d", step)
	}

	_, err := env.svc.AdvanceStep(ctx, owner, 6, StepInput{ApplicationID: app.ID, CardID: other.ID})
	var stepErr *StepValidationError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "cardId", stepErr.Field)

	next, err := env.svc.AdvanceStep(ctx, owner, 6, StepInput{ApplicationID: app.ID})
	require.NoError(t, err)
	assert.Equal(t, env.card.ID, next.CardID)
	assert.Equal(t, env.card.ID, next.FeeCardID)
	assert.Equal(t, 1, env.feeTransactions(t))
}

type feeSaveFailingStore struct {
	*MemoryStore
	mu   sync.Mutex
	left int
}

func (f *feeSaveFailingStore) Update(ctx context.Context, app *Application) error {
	f.mu.Lock()
	if app.FeeTransactionID != "" && app.CurrentStep == 7 && f.left > 0 {
		f.left--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.Update(ctx, app)
}

func TestAdvanceStep_UnsavedFeeIsNotChargedToAnotherCard(t *testing.T) {
	store := &feeSaveFailingStore{MemoryStore: NewMemoryStore(), left: 1}
	env := newEnvWithStore(t, store, 25000)
	ctx := context.Background()
	app := env.driveTo(t, 6)
	other := env.secondCard(t)

	_, err := env.svc.AdvanceStep(ctx, owner, 6, env.input(6, app.ID))
	require.Error(t, err)
	assert.Equal(t, 1, env.feeTransactions(t), "debit committed before the save failed")

	_, err = env.svc.AdvanceStep(ctx, owner, 6, StepInput{ApplicationID: app.ID, CardID: other.ID})
	var stepErr *StepValidationError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "cardId", stepErr.Field)
	bal, err := env.ledger.GetBalance(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.UsedCredit)

	next, err := env.svc.AdvanceStep(ctx, owner, 6, env.input(6, app.ID))
	require.NoError(t, err)
	assert.Equal(t, 7, next.CurrentStep)
	assert.Equal(t, env.card.ID, next.FeeCardID)
	assert.Equal(t, 1, env.feeTransactions(t), "retry replays the original debit")
}

func TestReturnDraftsToStart_RetraversalSkipsScoringAndFee(t *testing.T) {
	env := newEnv(t, 25000)
	ctx := context.Background()
	app := env.driveTo(t, 7)

	submitted := env.driveTo(t, 7)
	_, err := env.svc.Submit(ctx, owner, submitted.ID, &Agreement{AgreementSigned: true, NachMandateSigned: true, TermsAccepted: true})
	require.NoError(t, err)

	env.kyc.set(owner, kyc.StatusRejected)
	require.NoError(t, env.svc.ReturnDraftsToStart(ctx, owner, "document mismatch"))

	stored, err := env.svc.Get(ctx, owner, app.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentStep)
	assert.Equal(t, "document mismatch", stored.ReturnReason)
	assert.Equal(t, string(kyc.StatusRejected), stored.KYCStatus)

	untouched, err := env.svc.Get(ctx, owner, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, untouched.Status)

	// The step 1 guard applies again on the way back.
	_, err = env.svc.AdvanceStep(ctx, owner, 1, StepInput{ApplicationID: app.ID})
	require.ErrorIs(t, err, ErrValidationFailed)

	scoredBefore := env.scorer.callCount()
	feesBefore := env.feeTransactions(t)
	env.kyc.set(owner, kyc.StatusCompleted)
	for step := 1; step < 7; step++ {
		_, err = env.svc.AdvanceStep(ctx, owner, step, env.input(step, app.ID))
		require.NoError(t, err, "step %d", step)
	}

	assert.Equal(t, scoredBefore, env.scorer.callCount(), "score is immutable")
	assert.Equal(t, feesBefore, env.feeTransactions(t), "fee charged once")
	final, err := env.svc.Get(ctx, owner, app.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.FeeTransactionID, final.FeeTransactionID)
	assert.Empty(t, final.ReturnReason)
}

func TestKYCRejection_StepOneInsideHookIsRefused(t *testing.T) {
	env := newEnv(t, 25000)
	ctx := context.Background()
	kycSvc := kyc.NewService(kyc.NewMemoryStore(), quietLogger())
	svc := NewService(env.svc.store, kycSvc, env.scorer, env.ledger, Config{ProcessingFee: fee}, quietLogger())

	_, err := kycSvc.Apply(ctx, kyc.Event{OwnerID: owner, Status: kyc.StatusCompleted, VerificationID: "v-1"})
	require.NoError(t, err)
	app, err := svc.AdvanceStep(ctx, owner, 1, StepInput{})
	require.NoError(t, err)
	require.Equal(t, 2, app.CurrentStep)

	var resumeErr, createErr error
	var created *Application
	kycSvc.OnReject(func(ctx context.Context, ownerID, reason string) error {
		if err := svc.ReturnDraftsToStart(ctx, ownerID, reason); err != nil {
			return err
		}
		_, resumeErr = svc.AdvanceStep(ctx, ownerID, 1, StepInput{ApplicationID: app.ID})
		created, createErr = svc.AdvanceStep(ctx, ownerID, 1, StepInput{})
		return nil
	})

	_, err = kycSvc.Apply(ctx, kyc.Event{OwnerID: owner, Status: kyc.StatusRejected, VerificationID: "v-2", Reason: "document mismatch"})
	require.NoError(t, err)

	assert.ErrorIs(t, resumeErr, ErrValidationFailed)
	assert.ErrorIs(t, createErr, ErrValidationFailed)
	require.NotNil(t, created)
	assert.Equal(t, 1, created.CurrentStep)

	stored, err := svc.Get(ctx, owner, app.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentStep)
	assert.Equal(t, string(kyc.StatusRejected), stored.KYCStatus)
}

func TestAdvanceStep_IncomeLockedAfterScoring(t *testing.T) {
	env := newEnv(t, 25000)
	ctx := context.Background()
	app := env.driveTo(t, 3)
	require.NoError(t, env.svc.ReturnDraftsToStart(ctx, owner, "recheck"))
	_, err := env.svc.AdvanceStep(ctx, owner, 1, StepInput{ApplicationID: app.ID})
	require.NoError(t, err)

	in := env.input(2, app.ID)
	in.PersonalInfo.AnnualIncome *= 2
	_, err = env.svc.AdvanceStep(ctx, owner, 2, in)
	var stepErr *StepValidationError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "personalInfo.annualIncome", stepErr.Field)
}

func TestAdvanceStep_LockWaitTimesOut(t *testing.T) {
	env := newEnv(t, 25000)
	app := env.driveTo(t, 3)

	unlock, err := env.svc.locks.LockContext(context.Background(), app.ID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = env.svc.AdvanceStep(ctx, owner, 3, env.input(3, app.ID))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status, code := StatusFor(err)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "provider_timeout", code)
}

func TestAdvanceStep_ConcurrentSubmissionsOfOneStep(t *testing.T) {
	env := newEnv(t, 25000)
	app := env.driveTo(t, 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, outOfOrder := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.AdvanceStep(context.Background(), owner, 3, StepInput{ApplicationID: app.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrStepOutOfOrder):
				outOfOrder++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, outOfOrder)
	stored, err := env.svc.Get(context.Background(), owner, app.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.CurrentStep)
}

func TestSubmit_Guards(t *testing.T) {
	env := newEnv(t, 25000)
	ctx := context.Background()

	early := env.driveTo(t, 5)
	_, err := env.svc.Submit(ctx, owner, early.ID, nil)
	assert.ErrorIs(t, err, ErrStepOutOfOrder)

	app := env.driveTo(t, 7)
	_, err = env.svc.Submit(ctx, owner, app.ID, &Agreement{AgreementSigned: true, TermsAccepted: true})
	var stepErr *StepValidationError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "agreement.nachMandateSigned", stepErr.Field)

	_, err = env.svc.Submit(ctx, "intruder", app.ID, nil)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	sub, err := env.svc.Submit(ctx, owner, app.ID, &Agreement{AgreementSigned: true, NachMandateSigned: true, TermsAccepted: true})
	require.NoError(t, err)

	_, err = env.svc.Submit(ctx, owner, sub.ID, nil)
	assert.ErrorIs(t, err, ErrApplicationLocked)
	_, err = env.svc.AdvanceStep(ctx, owner, 7, env.input(7, sub.ID))
	assert.ErrorIs(t, err, ErrApplicationLocked)
}

type collidingStore struct {
	*MemoryStore
	mu   sync.Mutex
	left int
}

func (c *collidingStore) Update(ctx context.Context, app *Application) error {
	c.mu.Lock()
	if app.Status == StatusSubmitted && c.left > 0 {
		c.left--
		c.mu.Unlock()
		return ErrDuplicateApplicationNumber
	}
	c.mu.Unlock()
	return c.MemoryStore.Update(ctx, app)
}

func TestSubmit_RetriesApplicationNumberCollision(t *testing.T) {
	store := &collidingStore{MemoryStore: NewMemoryStore(), left: 2}
	env := newEnvWithStore(t, store, 25000)
	app := env.driveTo(t, 7)

	sub, err := env.svc.Submit(context.Background(), owner, app.ID,
		&Agreement{AgreementSigned: true, NachMandateSigned: true, TermsAccepted: true})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ApplicationNumber)
	assert.Equal(t, 0, store.left)
}

func submittedApp(t *testing.T, env *testEnv) *Application {
	t.Helper()
	app := env.driveTo(t, 7)
	sub, err := env.svc.Submit(context.Background(), owner, app.ID,
		&Agreement{AgreementSigned: true, NachMandateSigned: true, TermsAccepted: true})
	require.NoError(t, err)
	return sub
}

func TestUnderwriting_ApproveComputesSchedule(t *testing.T) {
	env := newEnv(t, 25000)
	ctx := context.Background()
	app := submittedApp(t, env)

	_, err := env.svc.Approve(ctx, "uw-1", app.ID, 30000)
	assert.ErrorIs(t, err, ErrInvalidTransition, "must be under review first")

	_, err = env.svc.StartReview(ctx, "uw-1", app.ID)
	require.NoError(t, err)

	_, err = env.svc.Approve(ctx, "uw-1", app.ID, 35001)
	assert.ErrorIs(t, err, ErrInvalidLoanParameters)
	_, err = env.svc.Approve(ctx, "uw-1", app.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidLoanParameters)

	approved, err := env.svc.Approve(ctx, "uw-1", app.ID, 30000)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.Schedule)
	assert.Len(t, approved.Schedule.Installments, 12)
	var principal int64
	for _, inst := range approved.Schedule.Installments {
		principal += inst.PrincipalPortion
	}
	assert.Equal(t, int64(30000), principal)
	assert.Equal(t, int64(30000), approved.Decision.ApprovedAmount)
	assert.Equal(t, "uw-1", approved.Decision.ReviewerID)

	done, err := env.svc.Complete(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = env.svc.Reject(ctx, "uw-1", app.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUnderwriting_RejectNeedsReason(t *testing.T) {
	env := newEnv(t, 25000)
	ctx := context.Background()
	app := submittedApp(t, env)
	_, err := env.svc.StartReview(ctx, "uw-1", app.ID)
	require.NoError(t, err)

	_, err = env.svc.Reject(ctx, "uw-1", app.ID, "  ")
	assert.ErrorIs(t, err, ErrInvalidLoanParameters)

	rejected, err := env.svc.Reject(ctx, "uw-1", app.ID, "income not verifiable")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "income not verifiable", rejected.Decision.RejectionReason)

	queue, err := env.svc.ListByStatus(ctx, StatusRejected, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, app.ID, queue[0].ID)

	_, err = env.svc.ListByStatus(ctx, Status("archived"), 0)
	assert.ErrorIs(t, err, ErrInvalidLoanParameters)
}

func TestGetAndList(t *testing.T) {
	env := newEnv(t, 25000)
	ctx := context.Background()
	a := env.driveTo(t, 2)
	b := env.driveTo(t, 3)

	_, err := env.svc.Get(ctx, "intruder", a.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = env.svc.Get(ctx, owner, "loan_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	apps, err := env.svc.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	ids := []string{apps[0].ID, apps[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}
