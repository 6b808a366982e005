package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/carepay/healthcredit/internal/events"
	"github.com/carepay/healthcredit/internal/idgen"
	"github.com/carepay/healthcredit/internal/pagination"
	"github.com/carepay/healthcredit/internal/syncutil"
	"github.com/carepay/healthcredit/internal/traces"
)

// DefaultTimeout bounds a single mutation including the wait for the card lock.
const DefaultTimeout = 5 * time.Second

// Service is the credit ledger. All balance changes go through it.
type Service struct {
	store     Store
	locks     *syncutil.KeyedMutex
	timeout   time.Duration
	publisher events.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a ledger service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		locks:     syncutil.NewKeyedMutex(),
		timeout:   DefaultTimeout,
		publisher: events.Nop{},
		now:       time.Now,
		logger:    logger,
	}
}

// WithTimeout sets the per-mutation deadline.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// WithPublisher sets the sink for card events.
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

// IssueCard creates an approved card with nothing drawn.
func (s *Service) IssueCard(ctx context.Context, ownerID string, cardType CardType, approvedLimit int64) (*HealthCard, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if !cardType.Valid() {
		return nil, ErrInvalidCardType
	}
	if approvedLimit <= 0 {
		return nil, ErrInvalidAmount
	}

	number, err := maskedCardNumber()
	if err != nil {
		return nil, err
	}
	now := s.timestamp()
	card := &HealthCard{
		ID:                  idgen.WithPrefix(idgen.PrefixCard),
		OwnerID:             ownerID,
		CardNumber:          number,
		CardType:            cardType,
		ApprovedCreditLimit: approvedLimit,
		AvailableCredit:     approvedLimit,
		IssuedLimit:         approvedLimit,
		Status:              CardApproved,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreateCard(ctx, card); err != nil {
		return nil, err
	}

	s.logger.Info("health card issued", "card", card.ID, "owner", ownerID, "type", cardType, "limit", approvedLimit)
	s.publisher.Publish(ctx, events.New(events.CardStatus, ownerID, card.ID, card))
	return card, nil
}

func maskedCardNumber() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("failed to generate card number: %w", err)
	}
	return fmt.Sprintf("XXXX XXXX XXXX %04d", n.Int64()), nil
}

// ActivateCard moves an approved card to active.
func (s *Service) ActivateCard(ctx context.Context, cardID string) (*HealthCard, error) {
	return s.transition(ctx, cardID, CardActive)
}

// SuspendCard stops all further mutations on the card.
func (s *Service) SuspendCard(ctx context.Context, cardID string) (*HealthCard, error) {
	return s.transition(ctx, cardID, CardSuspended)
}

// ExpireCard stops all further mutations on the card.
func (s *Service) ExpireCard(ctx context.Context, cardID string) (*HealthCard, error) {
	return s.transition(ctx, cardID, CardExpired)
}

func (s *Service) transition(ctx context.Context, cardID string, next CardStatus) (*HealthCard, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.transition", traces.CardID(cardID))
	defer span.End()

	var out *HealthCard
	err := s.withLock(ctx, cardID, func(ctx context.Context) error {
		return s.store.WithCard(ctx, cardID, func(tx CardTx) error {
			card := tx.Card()
			if !card.Status.canMoveTo(next) {
				return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, card.Status, next)
			}
			now := s.timestamp()
			card.Status = next
			card.UpdatedAt = now
			if next == CardActive {
				card.ActivatedAt = &now
			}
			tx.Put(card)
			out = card
			return nil
		})
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	s.logger.Info("health card status changed", "card", cardID, "status", next)
	s.publisher.Publish(ctx, events.New(events.CardStatus, out.OwnerID, out.ID, out))
	return out, nil
}

// Debit draws on an active card. Kind must be payment or fee.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (*Receipt, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Kind.debit() {
		return nil, ErrInvalidKind
	}
	return s.mutate(ctx, mutation{
		op:          "debit",
		cardID:      req.CardID,
		ownerID:     req.OwnerID,
		amount:      req.Amount,
		kind:        req.Kind,
		description: req.Description,
		hospital:    req.CounterpartyHospital,
		key:         req.IdempotencyKey,
		apply: func(card *HealthCard) error {
			if card.Status != CardActive {
				return ErrCardNotActive
			}
			if card.AvailableCredit < req.Amount {
				return &InsufficientCreditError{Requested: req.Amount, Available: card.AvailableCredit}
			}
			card.UsedCredit += req.Amount
			card.AvailableCredit -= req.Amount
			return nil
		},
	})
}

// Credit returns credit to an approved or active card. A refund reverses
// earlier spending; a top_up raises the approved limit.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*Receipt, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Kind.credit() {
		return nil, ErrInvalidKind
	}
	return s.mutate(ctx, mutation{
		op:          "credit",
		cardID:      req.CardID,
		ownerID:     req.OwnerID,
		amount:      req.Amount,
		kind:        req.Kind,
		description: req.Description,
		hospital:    req.CounterpartyHospital,
		key:         req.IdempotencyKey,
		apply: func(card *HealthCard) error {
			if card.Status != CardApproved && card.Status != CardActive {
				return ErrCardNotActive
			}
			switch req.Kind {
			case KindRefund:
				if card.UsedCredit < req.Amount {
					return fmt.Errorf("%w: refund of %d exceeds used credit %d", ErrInvalidAmount, req.Amount, card.UsedCredit)
				}
				card.UsedCredit -= req.Amount
				card.AvailableCredit += req.Amount
			case KindTopUp:
				if card.ApprovedCreditLimit > math.MaxInt64-req.Amount {
					return fmt.Errorf("%w: top-up overflows the credit limit", ErrInvalidAmount)
				}
				card.ApprovedCreditLimit += req.Amount
				card.AvailableCredit += req.Amount
			}
			return nil
		},
	})
}

type mutation struct {
	op          string
	cardID      string
	ownerID     string
	amount      int64
	kind        Kind
	description string
	hospital    string
	key         string
	apply       func(card *HealthCard) error
}

func (s *Service) mutate(ctx context.Context, m mutation) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+m.op,
		traces.CardID(m.cardID), traces.OwnerID(m.ownerID),
		traces.Amount(m.amount), traces.Kind(string(m.kind)))
	defer span.End()
	done := observeOp(m.op)

	var receipt *Receipt
	err := s.withLock(ctx, m.cardID, func(ctx context.Context) error {
		return s.store.WithCard(ctx, m.cardID, func(tx CardTx) error {
			receipt = nil
			card := tx.Card()
			if card.OwnerID != m.ownerID {
				return ErrNotAuthorized
			}

			if m.key != "" {
				prior, err := tx.Replay(m.key)
				if err != nil {
					return err
				}
				if prior != nil {
					if prior.Amount != m.amount || prior.Kind != m.kind {
						return ErrIdempotencyConflict
					}
					receipt = &Receipt{Transaction: prior, Balance: card.Balance(), Replayed: true}
					return nil
				}
			}

			if err := m.apply(card); err != nil {
				return err
			}
			if !card.Balanced() {
				return fmt.Errorf("ledger: balance invariant violated on card %s", card.ID)
			}
			now := s.timestamp()
			card.UpdatedAt = now

			txn := &Transaction{
				ID:                   idgen.WithPrefix(idgen.PrefixTransaction),
				CardID:               card.ID,
				OwnerID:              card.OwnerID,
				Amount:               m.amount,
				Kind:                 m.kind,
				Status:               TxCompleted,
				Description:          m.description,
				CounterpartyHospital: m.hospital,
				IdempotencyKey:       m.key,
				UsedAfter:            card.UsedCredit,
				AvailableAfter:       card.AvailableCredit,
				LimitAfter:           card.ApprovedCreditLimit,
				CreatedAt:            now,
			}
			tx.Put(card)
			if _, err := tx.Append(txn); err != nil {
				return err
			}
			receipt = &Receipt{Transaction: txn, Balance: card.Balance()}
			return nil
		})
	})
	done(receipt, err)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	if !receipt.Replayed {
		s.publisher.Publish(ctx, events.New(events.CardTransaction, m.ownerID, m.cardID, receipt))
	}
	return receipt, nil
}

// withLock runs fn holding the card's FIFO lock under the ledger deadline.
// Deadline expiry, while waiting or inside the store, becomes ErrProviderTimeout.
func (s *Service) withLock(ctx context.Context, cardID string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, cardID)
	if err != nil {
		return s.timeoutErr(ctx, cardID, err)
	}
	defer unlock()

	if err := fn(ctx); err != nil {
		return s.timeoutErr(ctx, cardID, err)
	}
	return nil
}

func (s *Service) timeoutErr(ctx context.Context, cardID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("ledger operation timed out", "card", cardID, "error", err)
		return ErrProviderTimeout
	}
	return err
}

// GetCard returns a card by id.
func (s *Service) GetCard(ctx context.Context, cardID string) (*HealthCard, error) {
	return s.store.GetCard(ctx, cardID)
}

// CardForOwner returns the card if ownerID holds it.
func (s *Service) CardForOwner(ctx context.Context, cardID, ownerID string) (*HealthCard, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.OwnerID != ownerID {
		return nil, ErrNotAuthorized
	}
	return card, nil
}

// FindByKey returns the owner's transaction recorded under the idempotency
// key, whichever card it landed on.
func (s *Service) FindByKey(ctx context.Context, ownerID, key string) (*Transaction, error) {
	return s.store.FindByKey(ctx, ownerID, key)
}

// GetBalance returns a read-only snapshot of the card's credit.
func (s *Service) GetBalance(ctx context.Context, cardID string) (Balance, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return Balance{}, err
	}
	return card.Balance(), nil
}

// ListCards returns the owner's cards, oldest first.
func (s *Service) ListCards(ctx context.Context, ownerID string) ([]*HealthCard, error) {
	return s.store.ListCardsByOwner(ctx, ownerID)
}

// ListTransactions returns one page of a card's transactions, newest first,
// and the cursor for the next page.
func (s *Service) ListTransactions(ctx context.Context, cardID string, limit int, cursor string) ([]*Transaction, string, error) {
	page, err := pageFor(limit, cursor)
	if err != nil {
		return nil, "", err
	}
	items, err := s.store.ListByCard(ctx, cardID, page)
	if err != nil {
		return nil, "", err
	}
	items, next := pagination.ComputePage(items, page.Limit-1, transactionKey)
	return items, next, nil
}

// ListOwnerTransactions pages through every transaction across the owner's cards.
func (s *Service) ListOwnerTransactions(ctx context.Context, ownerID string, limit int, cursor string) ([]*Transaction, string, error) {
	page, err := pageFor(limit, cursor)
	if err != nil {
		return nil, "", err
	}
	items, err := s.store.ListByOwner(ctx, ownerID, page)
	if err != nil {
		return nil, "", err
	}
	items, next := pagination.ComputePage(items, page.Limit-1, transactionKey)
	return items, next, nil
}

// pageFor fetches one extra row so ComputePage can tell whether more remain.
func pageFor(limit int, cursor string) (pagination.Page, error) {
	page := pagination.Page{Limit: pagination.Clamp(limit) + 1}
	if cursor != "" {
		after, err := pagination.Decode(cursor)
		if err != nil {
			return pagination.Page{}, err
		}
		page.After = after
	}
	return page, nil
}

func transactionKey(t *Transaction) (time.Time, string) { return t.CreatedAt, t.ID }
