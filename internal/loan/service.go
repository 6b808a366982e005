package loan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/carepay/healthcredit/internal/emi"
	"github.com/carepay/healthcredit/internal/events"
	"github.com/carepay/healthcredit/internal/idgen"
	"github.com/carepay/healthcredit/internal/kyc"
	"github.com/carepay/healthcredit/internal/ledger"
	"github.com/carepay/healthcredit/internal/money"
	"github.com/carepay/healthcredit/internal/scoring"
	"github.com/carepay/healthcredit/internal/syncutil"
	"github.com/carepay/healthcredit/internal/traces"
)

const (
	DefaultProcessingFee  int64 = 99900
	DefaultScoringTimeout       = 3 * time.Second

	// Attempts at drawing an unused application number.
	numberAttempts = 5
)

// KYCSource reports an owner's verification status.
type KYCSource interface {
	Status(ctx context.Context, ownerID string) (kyc.Status, error)
}

// FeeCharger debits the processing fee. *ledger.Service implements it.
type FeeCharger interface {
	Debit(ctx context.Context, req ledger.DebitRequest) (*ledger.Receipt, error)
	FindByKey(ctx context.Context, ownerID, key string) (*ledger.Transaction, error)
}

// Config holds the workflow's tunables.
type Config struct {
	ProcessingFee  int64
	ScoringTimeout time.Duration
}

// StepInput carries the fields a draft step collects. Only the fields of the
// requested step are read.
type StepInput struct {
	ApplicationID  string          `json:"applicationId"`
	PersonalInfo   *PersonalInfo   `json:"personalInfo"`
	EmploymentInfo *EmploymentInfo `json:"employmentInfo"`
	MedicalInfo    *MedicalInfo    `json:"medicalInfo"`
	LoanDetails    *LoanDetails    `json:"loanDetails"`
	CardID         string          `json:"cardId"`
	Agreement      *Agreement      `json:"agreement"`
}

// Service drives applications through the draft steps and underwriting.
type Service struct {
	store          Store
	kyc            KYCSource
	scorer         scoring.Scorer
	ledger         FeeCharger
	locks          *syncutil.ContextShardedMutex
	fee            int64
	scoringTimeout time.Duration
	publisher      events.Publisher
	now            func() time.Time
	logger         *slog.Logger
}

// NewService wires the workflow to its collaborators.
func NewService(store Store, kycSource KYCSource, scorer scoring.Scorer, charger FeeCharger, cfg Config, logger *slog.Logger) *Service {
	if cfg.ProcessingFee <= 0 {
		cfg.ProcessingFee = DefaultProcessingFee
	}
	if cfg.ScoringTimeout <= 0 {
		cfg.ScoringTimeout = DefaultScoringTimeout
	}
	return &Service{
		store:          store,
		kyc:            kycSource,
		scorer:         scorer,
		ledger:         charger,
		locks:          syncutil.NewContextShardedMutex(),
		fee:            cfg.ProcessingFee,
		scoringTimeout: cfg.ScoringTimeout,
		publisher:      events.Nop{},
		now:            time.Now,
		logger:         logger,
	}
}

func (s *Service) WithPublisher(p events.Publisher) *Service {
	if p != nil {
		s.publisher = p
	}
	return s
}

// WithClock overrides time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// FeeKey is the ledger idempotency key of an application's processing fee.
func FeeKey(applicationID string) string { return "loan-fee:" + applicationID }

// AdvanceStep submits draft step `step` and, if its guard passes, moves the
// application to the next step. Step 1 without an application id starts a
// new draft, which is kept even when the KYC guard then fails.
//
// On a guard failure the stored application is returned unchanged together
// with the error.
func (s *Service) AdvanceStep(ctx context.Context, ownerID string, step int, in StepInput) (*Application, error) {
	if ownerID == "" {
		return nil, ErrNotAuthorized
	}
	if step < FirstStep || step > LastStep {
		return nil, fmt.Errorf("%w: step must be between %d and %d", ErrStepOutOfOrder, FirstStep, LastStep)
	}

	ctx, span := traces.StartSpan(ctx, "loan.AdvanceStep", traces.OwnerID(ownerID), traces.Step(step))
	defer span.End()
	label := "step_" + strconv.Itoa(step)

	if in.ApplicationID == "" {
		if step != FirstStep {
			return nil, fmt.Errorf("%w: applicationId is required after step 1", ErrStepOutOfOrder)
		}
		app, err := s.create(ctx, ownerID)
		if err != nil {
			traces.Fail(span, err)
			return nil, err
		}
		in.ApplicationID = app.ID
	}
	span.SetAttributes(traces.ApplicationID(in.ApplicationID))

	var stored *Application
	next, err := s.locked(ctx, in.ApplicationID, func(ctx context.Context) (*Application, error) {
		app, err := s.ownedDraft(ctx, ownerID, in.ApplicationID)
		if err != nil {
			return nil, err
		}
		stored = app
		if step != app.CurrentStep {
			return nil, fmt.Errorf("%w: expected step %d, got %d", ErrStepOutOfOrder, app.CurrentStep, step)
		}

		next := app.Clone()
		if err := s.applyStep(ctx, next, step, in); err != nil {
			return nil, err
		}
		next.UpdatedAt = s.timestamp()
		if step < LastStep {
			next.CurrentStep = step + 1
		}
		if err := s.store.Update(ctx, next); err != nil {
			return nil, err
		}
		return next, nil
	})
	loanTransitions.WithLabelValues(label, outcomeLabel(err)).Inc()
	if err != nil {
		traces.Fail(span, err)
		var stepErr *StepValidationError
		if errors.As(err, &stepErr) && stored != nil {
			return stored, err
		}
		return nil, err
	}

	s.logger.Info("loan step completed", "application", next.ID, "owner", ownerID, "step", step, "currentStep", next.CurrentStep)
	s.publish(ctx, next)
	return next, nil
}

func (s *Service) create(ctx context.Context, ownerID string) (*Application, error) {
	now := s.timestamp()
	app := &Application{
		ID:          idgen.WithPrefix(idgen.PrefixLoan),
		OwnerID:     ownerID,
		Status:      StatusDraft,
		CurrentStep: FirstStep,
		KYCStatus:   string(kyc.StatusPending),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, app); err != nil {
		return nil, err
	}
	s.logger.Info("loan draft created", "application", app.ID, "owner", ownerID)
	return app, nil
}

// applyStep merges the step's input into app and evaluates the step's guard.
func (s *Service) applyStep(ctx context.Context, app *Application, step int, in StepInput) error {
	switch step {
	case 1:
		st, err := s.kyc.Status(ctx, app.OwnerID)
		if err != nil {
			return fmt.Errorf("failed to read kyc status: %w", err)
		}
		app.KYCStatus = string(st)
		if st != kyc.StatusCompleted {
			return invalid(1, "kycStatus", "must be completed, is "+string(st))
		}
		app.ReturnReason = ""

	case 2:
		if in.PersonalInfo != nil {
			p := *in.PersonalInfo
			if app.CreditScore != nil && app.PersonalInfo != nil && p.AnnualIncome != app.PersonalInfo.AnnualIncome {
				return invalid(2, "personalInfo.annualIncome", "cannot change once the credit score is set")
			}
			app.PersonalInfo = &p
		}
		if err := checkPersonalInfo(app.PersonalInfo); err != nil {
			return err
		}
		if app.CreditScore == nil {
			return s.score(ctx, app)
		}

	case 3:
		return checkScored(app)

	case 4:
		if in.EmploymentInfo != nil {
			e := *in.EmploymentInfo
			app.EmploymentInfo = &e
		}
		return checkEmployment(app.EmploymentInfo)

	case 5:
		if in.MedicalInfo != nil {
			m := *in.MedicalInfo
			app.MedicalInfo = &m
		}
		if in.LoanDetails != nil {
			d := *in.LoanDetails
			app.LoanDetails = &d
		}
		return checkTreatment(app)

	case 6:
		if app.FeeTransactionID != "" {
			if in.CardID != "" && in.CardID != app.FeeCardID {
				return invalid(6, "cardId", feeCardMessage)
			}
			app.CardID = app.FeeCardID
			return nil
		}
		if in.CardID != "" {
			app.CardID = in.CardID
		}
		if app.CardID == "" {
			return invalid(6, "cardId", "is required")
		}
		return s.chargeFee(ctx, app)

	case 7:
		if in.Agreement != nil {
			a := *in.Agreement
			a.SignedAt = nil
			if a.complete() {
				now := s.timestamp()
				a.SignedAt = &now
			}
			app.Agreement = &a
		}
	}
	return nil
}

// score runs the one scoring call of step 2. The result is written once and
// never recomputed for this application.
func (s *Service) score(ctx context.Context, app *Application) error {
	ctx, span := traces.StartSpan(ctx, "loan.score", traces.ApplicationID(app.ID))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.scoringTimeout)
	defer cancel()

	res, err := s.scorer.Score(ctx, app.OwnerID, app.PersonalInfo.AnnualIncome)
	if err != nil {
		traces.Fail(span, err)
		s.logger.Warn("credit scoring failed", "application", app.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrScoringUnavailable, err)
	}
	if res.Score < scoring.MinScore || res.Score > scoring.MaxScore {
		return fmt.Errorf("%w: score %d out of range", ErrScoringUnavailable, res.Score)
	}

	score, eligible, rate := res.Score, res.MaxEligibleAmount, res.InterestRate
	app.CreditScore = &score
	app.MaxEligibleAmount = &eligible
	app.InterestRate = &rate
	return nil
}

const feeCardMessage = "must be the card the processing fee was charged to"

// chargeFee debits the processing fee while the application lock is held.
// The deterministic key makes a retry after a failed save replay the
// original debit instead of charging again. A fee already recorded on
// another of the owner's cards pins the draft to that card.
func (s *Service) chargeFee(ctx context.Context, app *Application) error {
	prior, err := s.ledger.FindByKey(ctx, app.OwnerID, FeeKey(app.ID))
	switch {
	case err == nil && prior.CardID != app.CardID:
		s.logger.Warn("loan fee already charged to another card", "application", app.ID,
			"card", app.CardID, "feeCard", prior.CardID, "transaction", prior.ID)
		return invalid(6, "cardId", feeCardMessage)
	case err != nil && !errors.Is(err, ledger.ErrTransactionNotFound):
		return fmt.Errorf("failed to look up loan fee: %w", err)
	}

	receipt, err := s.ledger.Debit(ctx, ledger.DebitRequest{
		CardID:         app.CardID,
		OwnerID:        app.OwnerID,
		Amount:         s.fee,
		Kind:           ledger.KindFee,
		Description:    "Loan processing fee for " + app.ID,
		IdempotencyKey: FeeKey(app.ID),
	})
	if err != nil {
		s.logger.Info("loan fee debit rejected", "application", app.ID, "card", app.CardID, "error", err)
		return err
	}
	app.FeeTransactionID = receipt.Transaction.ID
	app.FeeCardID = app.CardID
	s.logger.Info("loan fee charged", "application", app.ID, "card", app.CardID,
		"amount", money.Format(s.fee), "transaction", receipt.Transaction.ID, "replayed", receipt.Replayed)
	return nil
}

// Submit finalizes a step 7 draft. Consents passed here are recorded before
// the check; nil keeps those recorded at step 7.
func (s *Service) Submit(ctx context.Context, ownerID, applicationID string, consents *Agreement) (*Application, error) {
	ctx, span := traces.StartSpan(ctx, "loan.Submit", traces.OwnerID(ownerID), traces.ApplicationID(applicationID))
	defer span.End()

	next, err := s.locked(ctx, applicationID, func(ctx context.Context) (*Application, error) {
		app, err := s.ownedDraft(ctx, ownerID, applicationID)
		if err != nil {
			return nil, err
		}
		if app.CurrentStep != LastStep {
			return nil, fmt.Errorf("%w: application is at step %d", ErrStepOutOfOrder, app.CurrentStep)
		}

		next := app.Clone()
		now := s.timestamp()
		if consents != nil {
			a := *consents
			a.SignedAt = &now
			next.Agreement = &a
		}
		if err := checkConsents(next.Agreement); err != nil {
			return nil, err
		}
		if next.FeeTransactionID == "" {
			return nil, invalid(7, "feeTransactionId", "is required")
		}

		next.Status = StatusSubmitted
		next.SubmittedAt = &now
		next.UpdatedAt = now
		return next, s.saveWithNumber(ctx, next, now)
	})
	loanTransitions.WithLabelValues("submit", outcomeLabel(err)).Inc()
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	s.logger.Info("loan application submitted", "application", next.ID, "number", next.ApplicationNumber)
	s.publish(ctx, next)
	return next, nil
}

func (s *Service) saveWithNumber(ctx context.Context, app *Application, now time.Time) error {
	var err error
	for i := 0; i < numberAttempts; i++ {
		if app.ApplicationNumber == "" || i > 0 {
			app.ApplicationNumber = idgen.ApplicationNumber(now)
		}
		err = s.store.Update(ctx, app)
		if !errors.Is(err, ErrDuplicateApplicationNumber) {
			return err
		}
		s.logger.Warn("application number collision, drawing another", "number", app.ApplicationNumber)
	}
	return err
}

// Get returns the owner's application.
func (s *Service) Get(ctx context.Context, ownerID, applicationID string) (*Application, error) {
	app, err := s.store.Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.OwnerID != ownerID {
		return nil, ErrNotAuthorized
	}
	return app, nil
}

// List returns the owner's applications, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]*Application, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// ListByStatus is the underwriting queue, oldest submission first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Application, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidLoanParameters, status)
	}
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// GetForReview returns any application, for underwriters.
func (s *Service) GetForReview(ctx context.Context, applicationID string) (*Application, error) {
	return s.store.Get(ctx, applicationID)
}

// StartReview moves a submitted application to under_review.
func (s *Service) StartReview(ctx context.Context, reviewerID, applicationID string) (*Application, error) {
	return s.decide(ctx, "review", applicationID, StatusUnderReview, func(app *Application, now time.Time) error {
		app.Decision.ReviewerID = reviewerID
		app.Decision.ReviewStartedAt = &now
		return nil
	})
}

// Approve approves up to the eligible amount and stores the EMI schedule.
func (s *Service) Approve(ctx context.Context, reviewerID, applicationID string, approvedAmount int64) (*Application, error) {
	return s.decide(ctx, "approve", applicationID, StatusApproved, func(app *Application, now time.Time) error {
		if app.MaxEligibleAmount == nil || app.InterestRate == nil || app.LoanDetails == nil {
			return fmt.Errorf("%w: application has no eligibility on record", ErrInvalidLoanParameters)
		}
		if approvedAmount <= 0 || approvedAmount > *app.MaxEligibleAmount {
			return fmt.Errorf("%w: approved amount must be between 1 and %s",
				ErrInvalidLoanParameters, money.Format(*app.MaxEligibleAmount))
		}
		schedule, err := emi.ComputeSchedule(approvedAmount, *app.InterestRate, app.LoanDetails.PreferredTermMonths)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidLoanParameters, err)
		}
		app.Schedule = schedule
		app.Decision.ReviewerID = reviewerID
		app.Decision.ApprovedAmount = approvedAmount
		app.Decision.DecidedAt = &now
		return nil
	})
}

// Reject closes the application with a reason.
func (s *Service) Reject(ctx context.Context, reviewerID, applicationID, reason string) (*Application, error) {
	reason = strings.TrimSpace(reason)
	return s.decide(ctx, "reject", applicationID, StatusRejected, func(app *Application, now time.Time) error {
		if reason == "" {
			return fmt.Errorf("%w: a rejection reason is required", ErrInvalidLoanParameters)
		}
		app.Decision.ReviewerID = reviewerID
		app.Decision.RejectionReason = reason
		app.Decision.DecidedAt = &now
		return nil
	})
}

// Complete marks an approved loan as fully repaid.
func (s *Service) Complete(ctx context.Context, applicationID string) (*Application, error) {
	return s.decide(ctx, "complete", applicationID, StatusCompleted, func(app *Application, now time.Time) error {
		app.Decision.CompletedAt = &now
		return nil
	})
}

func (s *Service) decide(ctx context.Context, label, applicationID string, to Status, fn func(*Application, time.Time) error) (*Application, error) {
	ctx, span := traces.StartSpan(ctx, "loan."+label, traces.ApplicationID(applicationID))
	defer span.End()

	next, err := s.locked(ctx, applicationID, func(ctx context.Context) (*Application, error) {
		app, err := s.store.Get(ctx, applicationID)
		if err != nil {
			return nil, err
		}
		if !app.Status.canMoveTo(to) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, app.Status, to)
		}
		next := app.Clone()
		if next.Decision == nil {
			next.Decision = &Decision{}
		}
		now := s.timestamp()
		if err := fn(next, now); err != nil {
			return nil, err
		}
		next.Status = to
		next.UpdatedAt = now
		if err := s.store.Update(ctx, next); err != nil {
			return nil, err
		}
		return next, nil
	})
	loanTransitions.WithLabelValues(label, outcomeLabel(err)).Inc()
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	s.logger.Info("loan application status changed", "application", applicationID, "status", to)
	s.publish(ctx, next)
	return next, nil
}

// ReturnDraftsToStart sends every draft of the owner back to step 1 with
// reason. It is the KYC rejection hook and is safe to repeat.
func (s *Service) ReturnDraftsToStart(ctx context.Context, ownerID, reason string) error {
	apps, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return err
	}

	var errs []error
	for _, a := range apps {
		if a.Status != StatusDraft {
			continue
		}
		next, err := s.locked(ctx, a.ID, func(ctx context.Context) (*Application, error) {
			app, err := s.store.Get(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			if app.Status != StatusDraft {
				return nil, nil
			}
			next := app.Clone()
			next.CurrentStep = FirstStep
			next.KYCStatus = string(kyc.StatusRejected)
			next.ReturnReason = reason
			next.UpdatedAt = s.timestamp()
			if err := s.store.Update(ctx, next); err != nil {
				return nil, err
			}
			return next, nil
		})
		loanTransitions.WithLabelValues("return_to_start", outcomeLabel(err)).Inc()
		if err != nil {
			errs = append(errs, fmt.Errorf("application %s: %w", a.ID, err))
			continue
		}
		if next != nil {
			s.logger.Info("loan draft returned to step 1", "application", next.ID, "owner", ownerID, "reason", reason)
			s.publish(ctx, next)
		}
	}
	return errors.Join(errs...)
}

// locked runs fn under the application's lock.
func (s *Service) locked(ctx context.Context, applicationID string, fn func(context.Context) (*Application, error)) (*Application, error) {
	unlock, err := s.locks.LockContext(ctx, applicationID)
	if err != nil {
		s.logger.Warn("gave up waiting for loan application lock", "application", applicationID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	defer unlock()
	return fn(ctx)
}

func (s *Service) ownedDraft(ctx context.Context, ownerID, applicationID string) (*Application, error) {
	app, err := s.store.Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.OwnerID != ownerID {
		return nil, ErrNotAuthorized
	}
	if app.Status != StatusDraft {
		return nil, fmt.Errorf("%w: status is %s", ErrApplicationLocked, app.Status)
	}
	return app, nil
}

func (s *Service) publish(ctx context.Context, app *Application) {
	s.publisher.Publish(ctx, events.New(events.LoanUpdated, app.OwnerID, app.ID, app.Clone()))
}
