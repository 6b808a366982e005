package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carepay/healthcredit/internal/idgen"
	"github.com/carepay/healthcredit/internal/pagination"
	"github.com/carepay/healthcredit/internal/retry"
	"github.com/lib/pq"
)

// Attempts made when Postgres aborts a SERIALIZABLE transaction (40001).
const serializationAttempts = 3

const cardColumns = `id, owner_id, card_number, card_type, approved_credit_limit,
	used_credit, available_credit, issued_limit, status, version,
	created_at, updated_at, activated_at`

const txnColumns = `id, card_id, owner_id, amount, kind, status, description,
	counterparty_hospital, idempotency_key, used_after, available_after,
	limit_after, created_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists cards in health_cards and the transaction log in
// card_transactions. The schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
	*PostgresRecorder
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, PostgresRecorder: &PostgresRecorder{q: db}}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) CreateCard(ctx context.Context, card *HealthCard) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO health_cards (`+cardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		card.ID, card.OwnerID, card.CardNumber, string(card.CardType), card.ApprovedCreditLimit,
		card.UsedCredit, card.AvailableCredit, card.IssuedLimit, string(card.Status), card.Version,
		card.CreatedAt, card.UpdatedAt, nullTime(card.ActivatedAt),
	)
	if isUniqueViolation(err) {
		return ErrCardExists
	}
	if err != nil {
		return fmt.Errorf("failed to create health card: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetCard(ctx context.Context, id string) (*HealthCard, error) {
	card, err := scanCard(p.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM health_cards WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health card: %w", err)
	}
	return card, nil
}

func (p *PostgresStore) ListCardsByOwner(ctx context.Context, ownerID string) ([]*HealthCard, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM health_cards WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list health cards: %w", err)
	}
	return collectCards(rows)
}

func (p *PostgresStore) ListCards(ctx context.Context, afterID string, limit int) ([]*HealthCard, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM health_cards WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list health cards: %w", err)
	}
	return collectCards(rows)
}

func (p *PostgresStore) ListAllByCard(ctx context.Context, cardID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM card_transactions WHERE card_id = $1 ORDER BY created_at, id`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list card transactions: %w", err)
	}
	return collectTransactions(rows)
}

// WithCard locks the card row with SELECT ... FOR UPDATE inside a
// SERIALIZABLE transaction, runs fn, then writes the staged card. Appends run
// inside the same transaction. Serialization failures re-run fn from scratch.
func (p *PostgresStore) WithCard(ctx context.Context, cardID string, fn func(CardTx) error) error {
	return retry.Do(ctx, serializationAttempts, 5*time.Millisecond, func() error {
		err := p.withCardOnce(ctx, cardID, fn)
		if err == nil || isSerializationFailure(err) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (p *PostgresStore) withCardOnce(ctx context.Context, cardID string, fn func(CardTx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	card, err := scanCard(tx.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM health_cards WHERE id = $1 FOR UPDATE`, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCardNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock health card: %w", err)
	}

	ptx := &pgCardTx{ctx: ctx, rec: &PostgresRecorder{q: tx}, card: *card}
	if err := fn(ptx); err != nil {
		return err
	}

	if ptx.next != nil {
		n := ptx.next
		result, err := tx.ExecContext(ctx, `
			UPDATE health_cards
			SET approved_credit_limit = $2, used_credit = $3, available_credit = $4,
			    status = $5, updated_at = $6, activated_at = $7, version = version + 1
			WHERE id = $1 AND version = $8`,
			n.ID, n.ApprovedCreditLimit, n.UsedCredit, n.AvailableCredit,
			string(n.Status), n.UpdatedAt, nullTime(n.ActivatedAt), card.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update health card: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrConcurrentUpdate
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

type pgCardTx struct {
	ctx  context.Context
	rec  *PostgresRecorder
	card HealthCard
	next *HealthCard
}

func (t *pgCardTx) Card() *HealthCard {
	if t.next != nil {
		cp := *t.next
		return &cp
	}
	cp := t.card
	return &cp
}

func (t *pgCardTx) Put(card *HealthCard) {
	cp := *card
	t.next = &cp
}

func (t *pgCardTx) Replay(key string) (*Transaction, error) {
	txn, err := scanTransaction(t.rec.q.QueryRowContext(t.ctx,
		`SELECT `+txnColumns+` FROM card_transactions WHERE card_id = $1 AND idempotency_key = $2`,
		t.card.ID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return txn, nil
}

func (t *pgCardTx) Append(txn *Transaction) (string, error) {
	return t.rec.append(t.ctx, txn)
}

// PostgresRecorder reads and appends card_transactions rows through either
// the pool or an open transaction.
type PostgresRecorder struct {
	q queryer
}

var _ Recorder = (*PostgresRecorder)(nil)

func (r *PostgresRecorder) append(ctx context.Context, txn *Transaction) (string, error) {
	if txn.ID == "" {
		txn.ID = idgen.WithPrefix(idgen.PrefixTransaction)
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO card_transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		txn.ID, txn.CardID, txn.OwnerID, txn.Amount, string(txn.Kind), string(txn.Status),
		txn.Description, txn.CounterpartyHospital, nullString(txn.IdempotencyKey),
		txn.UsedAfter, txn.AvailableAfter, txn.LimitAfter, txn.CreatedAt,
	)
	if isUniqueViolation(err) {
		return "", ErrIdempotencyConflict
	}
	if err != nil {
		return "", fmt.Errorf("failed to append transaction: %w", err)
	}
	return txn.ID, nil
}

func (r *PostgresRecorder) ListByCard(ctx context.Context, cardID string, page pagination.Page) ([]*Transaction, error) {
	return r.listBy(ctx, "card_id", cardID, page)
}

func (r *PostgresRecorder) ListByOwner(ctx context.Context, ownerID string, page pagination.Page) ([]*Transaction, error) {
	return r.listBy(ctx, "owner_id", ownerID, page)
}

// column is one of two fixed identifiers, never caller input.
func (r *PostgresRecorder) listBy(ctx context.Context, column, value string, page pagination.Page) ([]*Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM card_transactions WHERE ` + column + ` = $1`
	args := []any{value}
	if page.After != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, page.After.CreatedAt, page.After.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, page.Limit)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (r *PostgresRecorder) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	txn, err := scanTransaction(r.q.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM card_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

func (r *PostgresRecorder) FindByKey(ctx context.Context, ownerID, key string) (*Transaction, error) {
	txn, err := scanTransaction(r.q.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM card_transactions WHERE owner_id = $1 AND idempotency_key = $2
		ORDER BY created_at LIMIT 1`, ownerID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction by key: %w", err)
	}
	return txn, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(row scanner) (*HealthCard, error) {
	var (
		c         HealthCard
		cardType  string
		status    string
		activated sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.CardNumber, &cardType, &c.ApprovedCreditLimit,
		&c.UsedCredit, &c.AvailableCredit, &c.IssuedLimit, &status, &c.Version,
		&c.CreatedAt, &c.UpdatedAt, &activated); err != nil {
		return nil, err
	}
	c.CardType = CardType(cardType)
	c.Status = CardStatus(status)
	if activated.Valid {
		t := activated.Time
		c.ActivatedAt = &t
	}
	return &c, nil
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		t      Transaction
		kind   string
		status string
		key    sql.NullString
	)
	if err := row.Scan(&t.ID, &t.CardID, &t.OwnerID, &t.Amount, &kind, &status, &t.Description,
		&t.CounterpartyHospital, &key, &t.UsedAfter, &t.AvailableAfter, &t.LimitAfter,
		&t.CreatedAt); err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.Status = TxStatus(status)
	t.IdempotencyKey = key.String
	return &t, nil
}

func collectCards(rows *sql.Rows) ([]*HealthCard, error) {
	defer func() { _ = rows.Close() }()
	var out []*HealthCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	defer func() { _ = rows.Close() }()
	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}
