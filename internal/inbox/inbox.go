// Package inbox serializes inbound provider callbacks per scope. A message
// key (owner:<id> or card:<id>) always hashes to the same lane, and each
// lane is drained by one goroutine, so callbacks for one scope are handled
// in arrival order while unrelated scopes proceed in parallel.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/carepay/healthcredit/internal/retry"
)

var (
	ErrFull   = errors.New("inbox lane is full")
	ErrClosed = errors.New("inbox is closed")
)

const (
	DefaultLanes = 8
	DefaultDepth = 256

	defaultAttempts  = 5
	defaultBaseDelay = 200 * time.Millisecond
	drainTimeout     = 15 * time.Second
)

// Message is one accepted callback.
type Message struct {
	Key        string
	Kind       string
	Body       []byte
	ReceivedAt time.Time
}

// OwnerKey scopes a message to an owner.
func OwnerKey(ownerID string) string { return "owner:" + ownerID }

// CardKey scopes a message to a health card.
func CardKey(cardID string) string { return "card:" + cardID }

// Handler processes one message. Wrap an error with retry.Permanent when
// a redelivery cannot succeed.
type Handler func(ctx context.Context, msg Message) error

// Dispatcher owns the lanes.
type Dispatcher struct {
	lanes    []chan Message
	handlers map[string]Handler
	logger   *slog.Logger

	attempts  int
	baseDelay time.Duration

	mu     sync.RWMutex
	closed bool
}

// New creates a dispatcher with the given number of lanes, each buffering
// up to depth messages.
func New(lanes, depth int, logger *slog.Logger) *Dispatcher {
	if lanes <= 0 {
		lanes = DefaultLanes
	}
	if depth <= 0 {
		depth = DefaultDepth
	}
	d := &Dispatcher{
		lanes:     make([]chan Message, lanes),
		handlers:  make(map[string]Handler),
		logger:    logger,
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan Message, depth)
	}
	return d
}

// WithRetry overrides the per-message retry budget.
func (d *Dispatcher) WithRetry(attempts int, baseDelay time.Duration) *Dispatcher {
	d.attempts = attempts
	d.baseDelay = baseDelay
	return d
}

// Handle registers h for messages of kind. Register before Run.
func (d *Dispatcher) Handle(kind string, h Handler) {
	d.handlers[kind] = h
}

func (d *Dispatcher) lane(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(d.lanes)))
}

// Enqueue hands msg to its lane without blocking. ErrFull means the caller
// should ask the provider to redeliver later.
func (d *Dispatcher) Enqueue(msg Message) error {
	if msg.Key == "" || msg.Kind == "" {
		return fmt.Errorf("inbox: message needs a key and a kind")
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.lanes[d.lane(msg.Key)] <- msg:
		queued.Inc()
		return nil
	default:
		processed.WithLabelValues(msg.Kind, "rejected_full").Inc()
		return ErrFull
	}
}

// Run drains every lane until ctx is done, then stops accepting messages
// and finishes what is already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range d.lanes {
		lane := d.lanes[i]
		g.Go(func() error {
			d.drain(gctx, lane)
			return nil
		})
	}
	err := g.Wait()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	// Lanes are never closed, so flush what is buffered without blocking.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for _, lane := range d.lanes {
		d.flush(flushCtx, lane)
	}
	return err
}

func (d *Dispatcher) drain(ctx context.Context, lane chan Message) {
	// A message that has been dequeued runs to completion even if ctx ends.
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-lane:
			queued.Dec()
			d.process(work, msg)
		}
	}
}

func (d *Dispatcher) flush(ctx context.Context, lane chan Message) {
	for {
		select {
		case msg := <-lane:
			queued.Dec()
			d.process(ctx, msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, msg Message) {
	h, ok := d.handlers[msg.Kind]
	if !ok {
		processed.WithLabelValues(msg.Kind, "unhandled").Inc()
		d.logger.Error("inbox message has no handler", "kind", msg.Kind, "key", msg.Key)
		return
	}

	permanent := false
	tries := 0
	err := retry.Do(ctx, d.attempts, d.baseDelay, func() error {
		tries++
		err := d.safeCall(ctx, h, msg)
		var perm *retry.PermanentError
		permanent = errors.As(err, &perm)
		return err
	})
	if tries > 1 {
		retries.WithLabelValues(msg.Kind).Add(float64(tries - 1))
	}

	switch {
	case err == nil:
		processed.WithLabelValues(msg.Kind, "ok").Inc()
		lag.WithLabelValues(msg.Kind).Observe(time.Since(msg.ReceivedAt).Seconds())
	case permanent:
		processed.WithLabelValues(msg.Kind, "permanent").Inc()
		d.logger.Error("inbox message rejected", "kind", msg.Kind, "key", msg.Key, "error", err)
	default:
		processed.WithLabelValues(msg.Kind, "exhausted").Inc()
		d.logger.Error("inbox message failed after retries", "kind", msg.Kind, "key", msg.Key,
			"attempts", tries, "error", err)
	}
}

func (d *Dispatcher) safeCall(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, msg)
}
