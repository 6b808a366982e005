// Package loan runs the medical loan application workflow: a resumable
// seven-step draft, submission, and underwriting.
//
// Each draft step N has a guard that must pass before currentStep moves to
// N+1. Guards are re-evaluated whenever a step is traversed again, so an
// application returned to step 1 repeats every check. Step 6 charges the
// processing fee on the applicant's health card.
package loan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carepay/healthcredit/internal/emi"
)

var (
	ErrNotFound                   = errors.New("loan: application not found")
	ErrNotAuthorized              = errors.New("loan: caller does not own this application")
	ErrStepOutOfOrder             = errors.New("loan: step does not match the application's current step")
	ErrValidationFailed           = errors.New("loan: step validation failed")
	ErrScoringUnavailable         = errors.New("loan: credit scoring is unavailable, retry later")
	ErrApplicationLocked          = errors.New("loan: application is no longer editable")
	ErrInvalidTransition          = errors.New("loan: status change not allowed")
	ErrInvalidLoanParameters      = errors.New("loan: invalid loan parameters")
	ErrConcurrentUpdate           = errors.New("loan: application was modified concurrently")
	ErrDuplicateApplicationNumber = errors.New("loan: application number already in use")
	ErrLockTimeout                = errors.New("loan: application is busy, try again")
)

// StepValidationError names the unmet guard of a draft step.
type StepValidationError struct {
	Step   int
	Field  string
	Reason string
}

func (e *StepValidationError) Error() string {
	return fmt.Sprintf("step %d: %s %s", e.Step, e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidationFailed) match.
func (e *StepValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func invalid(step int, field, reason string) *StepValidationError {
	return &StepValidationError{Step: step, Field: field, Reason: reason}
}

// Status is the application lifecycle state.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusCompleted   Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusUnderReview, StatusApproved, StatusRejected, StatusCompleted:
		return true
	}
	return false
}

func (s Status) canMoveTo(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusSubmitted
	case StatusSubmitted:
		return next == StatusUnderReview
	case StatusUnderReview:
		return next == StatusApproved || next == StatusRejected
	case StatusApproved:
		return next == StatusCompleted
	}
	return false
}

const (
	FirstStep = 1
	LastStep  = 7
)

// Employment types accepted at step 4.
const (
	EmploymentSalaried     = "salaried"
	EmploymentSelfEmployed = "self_employed"
	EmploymentBusiness     = "business"
	EmploymentRetired      = "retired"
)

// PersonalInfo is collected at step 2. AnnualIncome is in minor units.
type PersonalInfo struct {
	FullName     string `json:"fullName"`
	DateOfBirth  string `json:"dateOfBirth"`
	Gender       string `json:"gender,omitempty"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	AddressLine  string `json:"addressLine"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postalCode"`
	PANNumber    string `json:"panNumber"`
	AnnualIncome int64  `json:"annualIncome"`
}

// EmploymentInfo is collected at step 4.
type EmploymentInfo struct {
	EmploymentType string `json:"employmentType"`
	EmployerName   string `json:"employerName,omitempty"`
	Designation    string `json:"designation,omitempty"`
	MonthlyIncome  int64  `json:"monthlyIncome"`
	YearsEmployed  int    `json:"yearsEmployed,omitempty"`
}

// MedicalInfo is collected at step 5.
type MedicalInfo struct {
	HospitalName    string `json:"hospitalName"`
	PatientName     string `json:"patientName"`
	PatientRelation string `json:"patientRelation,omitempty"`
	TreatmentType   string `json:"treatmentType"`
	DoctorName      string `json:"doctorName,omitempty"`
	EstimatedCost   int64  `json:"estimatedCost"`
}

// LoanDetails is collected at step 5.
type LoanDetails struct {
	RequestedAmount     int64  `json:"requestedAmount"`
	PreferredTermMonths int    `json:"preferredTermMonths"`
	Purpose             string `json:"purpose,omitempty"`
}

// Agreement holds the step 7 consents.
type Agreement struct {
	AgreementSigned   bool       `json:"agreementSigned"`
	NachMandateSigned bool       `json:"nachMandateSigned"`
	TermsAccepted     bool       `json:"termsAccepted"`
	SignedAt          *time.Time `json:"signedAt,omitempty"`
}

func (a *Agreement) complete() bool {
	return a != nil && a.AgreementSigned && a.NachMandateSigned && a.TermsAccepted
}

// Decision is written by underwriters.
type Decision struct {
	ReviewerID      string     `json:"reviewerId,omitempty"`
	ReviewStartedAt *time.Time `json:"reviewStartedAt,omitempty"`
	ApprovedAmount  int64      `json:"approvedAmount,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	DecidedAt       *time.Time `json:"decidedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// Application is the full loan record. Sub-records stay nil until the step
// that collects them.
type Application struct {
	ID                string           `json:"id"`
	OwnerID           string           `json:"ownerId"`
	ApplicationNumber string           `json:"applicationNumber,omitempty"`
	Status            Status           `json:"status"`
	CurrentStep       int              `json:"currentStep"`
	KYCStatus         string           `json:"kycStatus"`
	PersonalInfo      *PersonalInfo    `json:"personalInfo,omitempty"`
	CreditScore       *int             `json:"creditScore,omitempty"`
	MaxEligibleAmount *int64           `json:"maxEligibleAmount,omitempty"`
	InterestRate      *decimal.Decimal `json:"interestRate,omitempty"`
	EmploymentInfo    *EmploymentInfo  `json:"employmentInfo,omitempty"`
	MedicalInfo       *MedicalInfo     `json:"medicalInfo,omitempty"`
	LoanDetails       *LoanDetails     `json:"loanDetails,omitempty"`
	CardID            string           `json:"cardId,omitempty"`
	FeeTransactionID  string           `json:"feeTransactionId,omitempty"`
	FeeCardID         string           `json:"feeCardId,omitempty"`
	Agreement         *Agreement       `json:"agreement,omitempty"`
	Decision          *Decision        `json:"decision,omitempty"`
	Schedule          *emi.Schedule    `json:"schedule,omitempty"`
	ReturnReason      string           `json:"returnReason,omitempty"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	SubmittedAt       *time.Time       `json:"submittedAt,omitempty"`
}

// Clone returns a deep copy.
func (a *Application) Clone() *Application {
	cp := *a
	if a.PersonalInfo != nil {
		v := *a.PersonalInfo
		cp.PersonalInfo = &v
	}
	if a.CreditScore != nil {
		v := *a.CreditScore
		cp.CreditScore = &v
	}
	if a.MaxEligibleAmount != nil {
		v := *a.MaxEligibleAmount
		cp.MaxEligibleAmount = &v
	}
	if a.InterestRate != nil {
		v := *a.InterestRate
		cp.InterestRate = &v
	}
	if a.EmploymentInfo != nil {
		v := *a.EmploymentInfo
		cp.EmploymentInfo = &v
	}
	if a.MedicalInfo != nil {
		v := *a.MedicalInfo
		cp.MedicalInfo = &v
	}
	if a.LoanDetails != nil {
		v := *a.LoanDetails
		cp.LoanDetails = &v
	}
	if a.Agreement != nil {
		v := *a.Agreement
		v.SignedAt = cloneTime(a.Agreement.SignedAt)
		cp.Agreement = &v
	}
	if a.Decision != nil {
		v := *a.Decision
		v.ReviewStartedAt = cloneTime(a.Decision.ReviewStartedAt)
		v.DecidedAt = cloneTime(a.Decision.DecidedAt)
		v.CompletedAt = cloneTime(a.Decision.CompletedAt)
		cp.Decision = &v
	}
	if a.Schedule != nil {
		v := *a.Schedule
		v.Installments = append([]emi.Installment(nil), a.Schedule.Installments...)
		cp.Schedule = &v
	}
	cp.SubmittedAt = cloneTime(a.SubmittedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Store persists applications. Update succeeds only when app.Version equals
// the stored version; on success the stored and the passed version both
// advance by one.
type Store interface {
	Create(ctx context.Context, app *Application) error
	Get(ctx context.Context, id string) (*Application, error)
	Update(ctx context.Context, app *Application) error
	ListByOwner(ctx context.Context, ownerID string) ([]*Application, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Application, error)
}
