package loan

import (
	"github.com/carepay/healthcredit/internal/emi"
	"github.com/carepay/healthcredit/internal/money"
	"github.com/carepay/healthcredit/internal/validation"
)

// firstFailure turns the first collected validation failure into a step error.
func firstFailure(step int, errs validation.ValidationErrors) error {
	if len(errs) == 0 {
		return nil
	}
	return invalid(step, errs[0].Field, errs[0].Message)
}

// checkPersonalInfo is the field part of the 2 -> 3 guard. Scoring runs in
// the service once this passes.
func checkPersonalInfo(p *PersonalInfo) error {
	if p == nil {
		return invalid(2, "personalInfo", "is required")
	}
	return firstFailure(2, validation.Validate(
		validation.Required("personalInfo.fullName", p.FullName),
		validation.Required("personalInfo.dateOfBirth", p.DateOfBirth),
		validation.Date("personalInfo.dateOfBirth", p.DateOfBirth),
		validation.Required("personalInfo.phone", p.Phone),
		validation.Format("personalInfo.phone", p.Phone, "is not a valid phone number", validation.IsValidPhone),
		validation.Required("personalInfo.email", p.Email),
		validation.Format("personalInfo.email", p.Email, "is not a valid email address", validation.IsValidEmail),
		validation.Required("personalInfo.addressLine", p.AddressLine),
		validation.Required("personalInfo.city", p.City),
		validation.Required("personalInfo.state", p.State),
		validation.Required("personalInfo.postalCode", p.PostalCode),
		validation.PostalCode("personalInfo.postalCode", p.PostalCode),
		validation.Required("personalInfo.panNumber", p.PANNumber),
		validation.Format("personalInfo.panNumber", p.PANNumber, "is not a valid PAN", validation.IsValidPAN),
		validation.Positive("personalInfo.annualIncome", p.AnnualIncome),
	))
}

// 3 -> 4
func checkScored(app *Application) error {
	if app.CreditScore == nil || app.MaxEligibleAmount == nil || app.InterestRate == nil {
		return invalid(3, "creditScore", "has not been computed")
	}
	return nil
}

// 4 -> 5
func checkEmployment(e *EmploymentInfo) error {
	if e == nil {
		return invalid(4, "employmentInfo", "is required")
	}
	switch e.EmploymentType {
	case EmploymentSalaried, EmploymentSelfEmployed, EmploymentBusiness, EmploymentRetired:
	case "":
		return invalid(4, "employmentInfo.employmentType", "is required")
	default:
		return invalid(4, "employmentInfo.employmentType", "must be salaried, self_employed, business or retired")
	}
	errs := validation.Validate(validation.Positive("employmentInfo.monthlyIncome", e.MonthlyIncome))
	if e.EmploymentType == EmploymentSalaried {
		errs = append(errs, validation.Validate(validation.Required("employmentInfo.employerName", e.EmployerName))...)
	}
	return firstFailure(4, errs)
}

// 5 -> 6. The eligibility check runs here so an over-limit request never
// reaches the fee step.
func checkTreatment(app *Application) error {
	m, d := app.MedicalInfo, app.LoanDetails
	if m == nil {
		return invalid(5, "medicalInfo", "is required")
	}
	if d == nil {
		return invalid(5, "loanDetails", "is required")
	}
	if err := firstFailure(5, validation.Validate(
		validation.Required("medicalInfo.hospitalName", m.HospitalName),
		validation.Required("medicalInfo.patientName", m.PatientName),
		validation.Required("medicalInfo.treatmentType", m.TreatmentType),
		validation.Positive("medicalInfo.estimatedCost", m.EstimatedCost),
		validation.Positive("loanDetails.requestedAmount", d.RequestedAmount),
	)); err != nil {
		return err
	}
	if d.PreferredTermMonths < 1 || d.PreferredTermMonths > emi.MaxTermMonths {
		return invalid(5, "loanDetails.preferredTermMonths", "must be between 1 and 360")
	}
	if app.MaxEligibleAmount == nil {
		return invalid(5, "creditScore", "has not been computed")
	}
	if d.RequestedAmount > *app.MaxEligibleAmount {
		return invalid(5, "loanDetails.requestedAmount",
			"of "+money.Format(d.RequestedAmount)+" exceeds the eligible amount of "+money.Format(*app.MaxEligibleAmount))
	}
	return nil
}

// checkConsents applies at step 7 and again at submission.
func checkConsents(a *Agreement) error {
	switch {
	case a == nil || !a.AgreementSigned:
		return invalid(7, "agreement.agreementSigned", "must be true")
	case !a.NachMandateSigned:
		return invalid(7, "agreement.nachMandateSigned", "must be true")
	case !a.TermsAccepted:
		return invalid(7, "agreement.termsAccepted", "must be true")
	}
	return nil
}
