// Package ledger owns health card balances and their transaction history.
//
// A card carries an approved credit limit split into used and available
// credit. Every debit or credit runs inside one unit of work that updates the
// balance and appends exactly one immutable Transaction, so
//
//	usedCredit + availableCredit == approvedCreditLimit
//
// holds for every card at rest and no reader can see a balance without its
// matching transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carepay/healthcredit/internal/money"
	"github.com/carepay/healthcredit/internal/pagination"
)

var (
	ErrCardNotFound        = errors.New("health card not found")
	ErrNotAuthorized       = errors.New("caller does not own this health card")
	ErrCardNotActive       = errors.New("health card is not active")
	ErrInsufficientCredit  = errors.New("insufficient available credit")
	ErrInvalidAmount       = errors.New("amount must be a positive number of minor units")
	ErrInvalidKind         = errors.New("transaction kind not allowed for this operation")
	ErrInvalidCardType     = errors.New("unknown card type")
	ErrInvalidTransition   = errors.New("card status change not allowed")
	ErrProviderTimeout     = errors.New("ledger did not respond in time")
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different request")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrCardExists          = errors.New("health card already exists")
	ErrOwnerRequired       = errors.New("owner id is required")
)

// InsufficientCreditError reports the amounts behind a rejected debit.
type InsufficientCreditError struct {
	Requested int64
	Available int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient available credit: requested %s, available %s",
		money.Format(e.Requested), money.Format(e.Available))
}

// Is lets errors.Is(err, ErrInsufficientCredit) match.
func (e *InsufficientCreditError) Is(target error) bool {
	return target == ErrInsufficientCredit
}

// CardType is the product a card was issued under.
type CardType string

const (
	CardPayLater     CardType = "pay_later"
	CardEMI          CardType = "emi"
	CardFiftyFifty   CardType = "fifty_fifty"
	CardDiscountCard CardType = "discount_card"
)

// Valid reports whether t is a known card type.
func (t CardType) Valid() bool {
	switch t {
	case CardPayLater, CardEMI, CardFiftyFifty, CardDiscountCard:
		return true
	}
	return false
}

// CardStatus is the card lifecycle state.
type CardStatus string

const (
	CardPending   CardStatus = "pending"
	CardApproved  CardStatus = "approved"
	CardActive    CardStatus = "active"
	CardExpired   CardStatus = "expired"
	CardSuspended CardStatus = "suspended"
)

// Terminal reports whether no further mutation is accepted in this status.
func (s CardStatus) Terminal() bool {
	return s == CardExpired || s == CardSuspended
}

// canMoveTo encodes the card lifecycle:
// pending -> approved -> active, and approved|active -> expired|suspended.
func (s CardStatus) canMoveTo(next CardStatus) bool {
	switch s {
	case CardPending:
		return next == CardApproved
	case CardApproved:
		return next == CardActive || next == CardExpired || next == CardSuspended
	case CardActive:
		return next == CardExpired || next == CardSuspended
	}
	return false
}

// Kind classifies a transaction.
type Kind string

const (
	KindPayment Kind = "payment"
	KindTopUp   Kind = "top_up"
	KindFee     Kind = "fee"
	KindRefund  Kind = "refund"
)

func (k Kind) debit() bool  { return k == KindPayment || k == KindFee }
func (k Kind) credit() bool { return k == KindTopUp || k == KindRefund }

// TxStatus is the state of a transaction record.
type TxStatus string

const (
	TxCompleted TxStatus = "completed"
	TxPending   TxStatus = "pending"
	TxFailed    TxStatus = "failed"
)

// HealthCard is a credit line attached to a patient.
type HealthCard struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"ownerId"`
	CardNumber          string     `json:"cardNumber"`
	CardType            CardType   `json:"cardType"`
	ApprovedCreditLimit int64      `json:"approvedCreditLimit"`
	UsedCredit          int64      `json:"usedCredit"`
	AvailableCredit     int64      `json:"availableCredit"`
	IssuedLimit         int64      `json:"issuedLimit"` // limit at issuance, before top-ups
	Status              CardStatus `json:"status"`
	Version             int64      `json:"-"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	ActivatedAt         *time.Time `json:"activatedAt,omitempty"`
}

// Balanced reports whether the card satisfies the balance invariant.
func (c *HealthCard) Balanced() bool {
	return c.UsedCredit >= 0 && c.AvailableCredit >= 0 &&
		c.UsedCredit+c.AvailableCredit == c.ApprovedCreditLimit
}

// Balance is a read-only snapshot of a card's credit.
func (c *HealthCard) Balance() Balance {
	return Balance{
		CardID:              c.ID,
		UsedCredit:          c.UsedCredit,
		AvailableCredit:     c.AvailableCredit,
		ApprovedCreditLimit: c.ApprovedCreditLimit,
		Status:              c.Status,
	}
}

// Balance is what GetBalance returns.
type Balance struct {
	CardID              string     `json:"cardId"`
	UsedCredit          int64      `json:"usedCredit"`
	AvailableCredit     int64      `json:"availableCredit"`
	ApprovedCreditLimit int64      `json:"approvedCreditLimit"`
	Status              CardStatus `json:"status"`
}

// Transaction is an immutable record of one ledger mutation. The *After
// fields capture the card balance right after the mutation committed.
type Transaction struct {
	ID                   string    `json:"id"`
	CardID               string    `json:"cardId"`
	OwnerID              string    `json:"ownerId"`
	Amount               int64     `json:"amount"`
	Kind                 Kind      `json:"kind"`
	Status               TxStatus  `json:"status"`
	Description          string    `json:"description,omitempty"`
	CounterpartyHospital string    `json:"counterpartyHospital,omitempty"`
	IdempotencyKey       string    `json:"-"`
	UsedAfter            int64     `json:"usedAfter"`
	AvailableAfter       int64     `json:"availableAfter"`
	LimitAfter           int64     `json:"limitAfter"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Receipt is the outcome of Debit or Credit.
type Receipt struct {
	Transaction *Transaction `json:"transaction"`
	Balance     Balance      `json:"balance"`
	Replayed    bool         `json:"replayed"`
}

// DebitRequest draws on a card. Kind must be payment or fee.
type DebitRequest struct {
	CardID               string
	OwnerID              string
	Amount               int64
	Kind                 Kind
	Description          string
	CounterpartyHospital string
	IdempotencyKey       string
}

// CreditRequest returns credit to a card. Kind must be refund or top_up.
type CreditRequest struct {
	CardID               string
	OwnerID              string
	Amount               int64
	Kind                 Kind
	Description          string
	CounterpartyHospital string
	IdempotencyKey       string
}

// CardTx is the unit of work handed to Store.WithCard. Card returns the
// locked snapshot; Put stages a new card state; Append stages a transaction.
// Nothing is visible to other readers until the unit commits.
type CardTx interface {
	Card() *HealthCard
	Put(card *HealthCard)
	// Replay returns the transaction previously appended on this card with
	// the idempotency key, or nil if the key is unused.
	Replay(key string) (*Transaction, error)
	// Append records txn and returns its id. This is the only write path for
	// transactions.
	Append(txn *Transaction) (string, error)
}

// Recorder reads the append-only transaction log. Results are newest first.
type Recorder interface {
	ListByCard(ctx context.Context, cardID string, page pagination.Page) ([]*Transaction, error)
	ListByOwner(ctx context.Context, ownerID string, page pagination.Page) ([]*Transaction, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// FindByKey returns the owner's transaction carrying the idempotency key
	// on any of their cards, or ErrTransactionNotFound.
	FindByKey(ctx context.Context, ownerID, key string) (*Transaction, error)
}

// Store persists cards and their transactions.
type Store interface {
	Recorder

	CreateCard(ctx context.Context, card *HealthCard) error
	GetCard(ctx context.Context, id string) (*HealthCard, error)
	ListCardsByOwner(ctx context.Context, ownerID string) ([]*HealthCard, error)
	// ListCards pages through all cards ordered by id, starting after afterID.
	ListCards(ctx context.Context, afterID string, limit int) ([]*HealthCard, error)
	// ListAllByCard returns every transaction on a card, oldest first.
	ListAllByCard(ctx context.Context, cardID string) ([]*Transaction, error)

	// WithCard runs fn against the locked card. If fn returns nil the staged
	// card and transactions commit together; otherwise nothing is written.
	WithCard(ctx context.Context, cardID string, fn func(CardTx) error) error
}
