package loan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/carepay/healthcredit/internal/emi"
)

const appColumns = `id, owner_id, application_number, status, current_step, kyc_status,
	personal_info, credit_score, max_eligible_amount, interest_rate,
	employment_info, medical_info, loan_details, card_id, fee_transaction_id,
	fee_card_id, agreement, decision, schedule, return_reason, version,
	created_at, updated_at, submitted_at`

// PostgresStore keeps applications in loan_applications. Sub-records are
// JSONB columns; version gives optimistic concurrency.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, app *Application) error {
	enc, err := encode(app)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO loan_applications (`+appColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		app.ID, app.OwnerID, nullString(app.ApplicationNumber), string(app.Status), app.CurrentStep, app.KYCStatus,
		enc.personal, nullInt(app.CreditScore), nullInt64(app.MaxEligibleAmount), nullDecimal(app.InterestRate),
		enc.employment, enc.medical, enc.details, nullString(app.CardID), nullString(app.FeeTransactionID),
		nullString(app.FeeCardID), enc.agreement, enc.decision, enc.schedule, app.ReturnReason, app.Version,
		app.CreatedAt, app.UpdatedAt, nullTime(app.SubmittedAt),
	)
	if err != nil {
		return mapWriteErr("create", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Application, error) {
	app, err := scanApplication(p.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM loan_applications WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan application: %w", err)
	}
	return app, nil
}

func (p *PostgresStore) Update(ctx context.Context, app *Application) error {
	enc, err := encode(app)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE loan_applications SET
			application_number = $2, status = $3, current_step = $4, kyc_status = $5,
			personal_info = $6, credit_score = $7, max_eligible_amount = $8, interest_rate = $9,
			employment_info = $10, medical_info = $11, loan_details = $12, card_id = $13,
			fee_transaction_id = $14, fee_card_id = $15, agreement = $16, decision = $17,
			schedule = $18, return_reason = $19, updated_at = $20, submitted_at = $21,
			version = version + 1
		WHERE id = $1 AND version = $22`,
		app.ID, nullString(app.ApplicationNumber), string(app.Status), app.CurrentStep, app.KYCStatus,
		enc.personal, nullInt(app.CreditScore), nullInt64(app.MaxEligibleAmount), nullDecimal(app.InterestRate),
		enc.employment, enc.medical, enc.details, nullString(app.CardID),
		nullString(app.FeeTransactionID), nullString(app.FeeCardID), enc.agreement, enc.decision,
		enc.schedule, app.ReturnReason, app.UpdatedAt, nullTime(app.SubmittedAt),
		app.Version,
	)
	if err != nil {
		return mapWriteErr("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update loan application: %w", err)
	}
	if n == 0 {
		return ErrConcurrentUpdate
	}
	app.Version++
	return nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Application, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+appColumns+` FROM loan_applications
		WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan applications: %w", err)
	}
	return collect(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Application, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+appColumns+` FROM loan_applications
		WHERE status = $1 ORDER BY COALESCE(submitted_at, created_at), id LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan applications: %w", err)
	}
	return collect(rows)
}

func mapWriteErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if strings.Contains(pqErr.Constraint, "application_number") {
			return ErrDuplicateApplicationNumber
		}
		return ErrConcurrentUpdate
	}
	return fmt.Errorf("failed to %s loan application: %w", op, err)
}

type encoded struct {
	personal, employment, medical, details, agreement, decision, schedule sql.NullString
}

func encode(a *Application) (*encoded, error) {
	var enc encoded
	var err error
	if enc.personal, err = encodeJSON(a.PersonalInfo); err != nil {
		return nil, err
	}
	if enc.employment, err = encodeJSON(a.EmploymentInfo); err != nil {
		return nil, err
	}
	if enc.medical, err = encodeJSON(a.MedicalInfo); err != nil {
		return nil, err
	}
	if enc.details, err = encodeJSON(a.LoanDetails); err != nil {
		return nil, err
	}
	if enc.agreement, err = encodeJSON(a.Agreement); err != nil {
		return nil, err
	}
	if enc.decision, err = encodeJSON(a.Decision); err != nil {
		return nil, err
	}
	if enc.schedule, err = encodeJSON(a.Schedule); err != nil {
		return nil, err
	}
	return &enc, nil
}

// encodeJSON passes JSONB as text; a nil record is stored as NULL.
func encodeJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode loan application: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApplication(row scanner) (*Application, error) {
	var (
		a                                                                  Application
		status                                                             string
		number, cardID, feeTxn, feeCard                                    sql.NullString
		score, eligible                                                    sql.NullInt64
		rate                                                               decimal.NullDecimal
		personal, employment, medical, details, agreement, decision, sched []byte
		submitted                                                          sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.OwnerID, &number, &status, &a.CurrentStep, &a.KYCStatus,
		&personal, &score, &eligible, &rate,
		&employment, &medical, &details, &cardID, &feeTxn,
		&feeCard, &agreement, &decision, &sched, &a.ReturnReason, &a.Version,
		&a.CreatedAt, &a.UpdatedAt, &submitted,
	)
	if err != nil {
		return nil, err
	}

	a.Status = Status(status)
	a.ApplicationNumber = number.String
	a.CardID = cardID.String
	a.FeeTransactionID = feeTxn.String
	a.FeeCardID = feeCard.String
	if score.Valid {
		v := int(score.Int64)
		a.CreditScore = &v
	}
	if eligible.Valid {
		v := eligible.Int64
		a.MaxEligibleAmount = &v
	}
	if rate.Valid {
		v := rate.Decimal
		a.InterestRate = &v
	}
	if submitted.Valid {
		t := submitted.Time
		a.SubmittedAt = &t
	}

	if a.PersonalInfo, err = decodeJSON[PersonalInfo](personal); err != nil {
		return nil, err
	}
	if a.EmploymentInfo, err = decodeJSON[EmploymentInfo](employment); err != nil {
		return nil, err
	}
	if a.MedicalInfo, err = decodeJSON[MedicalInfo](medical); err != nil {
		return nil, err
	}
	if a.LoanDetails, err = decodeJSON[LoanDetails](details); err != nil {
		return nil, err
	}
	if a.Agreement, err = decodeJSON[Agreement](agreement); err != nil {
		return nil, err
	}
	if a.Decision, err = decodeJSON[Decision](decision); err != nil {
		return nil, err
	}
	if a.Schedule, err = decodeJSON[emi.Schedule](sched); err != nil {
		return nil, err
	}
	return &a, nil
}

func decodeJSON[T any](raw []byte) (*T, error) {
	if raw == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode loan application: %w", err)
	}
	return &v, nil
}

func collect(rows *sql.Rows) ([]*Application, error) {
	defer rows.Close()
	var out []*Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan application: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullDecimal(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
