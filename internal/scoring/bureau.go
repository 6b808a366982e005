package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/carepay/healthcredit/internal/circuitbreaker"
	"github.com/carepay/healthcredit/internal/retry"
	"github.com/carepay/healthcredit/internal/traces"
)

const breakerKey = "scoring-bureau"

// BureauClient asks an external credit bureau for a score.
type BureauClient struct {
	endpoint    string
	apiKey      string
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	attempts    int
	baseDelay   time.Duration
	maxEligible int64
	logger      *slog.Logger
}

// BureauOption configures a BureauClient.
type BureauOption func(*BureauClient)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) BureauOption {
	return func(b *BureauClient) { b.client = c }
}

// WithBreaker shares a circuit breaker with other collaborators.
func WithBreaker(cb *circuitbreaker.Breaker) BureauOption {
	return func(b *BureauClient) { b.breaker = cb }
}

// WithRetry sets the attempt count and the first backoff delay.
func WithRetry(attempts int, baseDelay time.Duration) BureauOption {
	return func(b *BureauClient) {
		b.attempts = attempts
		b.baseDelay = baseDelay
	}
}

// NewBureauClient creates a client posting to endpoint.
func NewBureauClient(endpoint, apiKey string, maxEligible int64, logger *slog.Logger, opts ...BureauOption) *BureauClient {
	b := &BureauClient{
		endpoint:    endpoint,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		attempts:    3,
		baseDelay:   100 * time.Millisecond,
		maxEligible: maxEligible,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type bureauRequest struct {
	ApplicantID          string `json:"applicantId"`
	DeclaredAnnualIncome int64  `json:"declaredAnnualIncome"`
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("bureau returned HTTP %d", e.code) }

// Score calls the bureau. Every failure, including an open circuit, is
// reported as ErrUnavailable.
func (b *BureauClient) Score(ctx context.Context, applicantID string, declaredIncome int64) (Result, error) {
	if applicantID == "" || declaredIncome <= 0 {
		return Result{}, ErrInvalidInput
	}

	ctx, span := traces.StartSpan(ctx, "scoring.Bureau", traces.OwnerID(applicantID))
	defer span.End()

	body, err := json.Marshal(bureauRequest{ApplicantID: applicantID, DeclaredAnnualIncome: declaredIncome})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var res Result
	err = b.breaker.Execute(breakerKey, func() error {
		return retry.Do(ctx, b.attempts, b.baseDelay, func() error {
			r, err := b.call(ctx, body)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
	}, nil)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			outcome = "circuit_open"
		}
	}
	bureauCalls.WithLabelValues(outcome).Inc()

	if err != nil {
		traces.Fail(span, err)
		b.logger.Warn("credit bureau call failed", "applicant", applicantID, "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res.MaxEligibleAmount = capEligible(res.MaxEligibleAmount, b.maxEligible)
	return res, nil
}

func (b *BureauClient) call(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		serr := &statusError{code: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Result{}, serr
		}
		return Result{}, retry.Permanent(serr)
	}

	var res Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&res); err != nil {
		return Result{}, retry.Permanent(fmt.Errorf("decode bureau response: %w", err))
	}
	if !validResult(res) {
		return Result{}, retry.Permanent(fmt.Errorf("bureau result out of range: score %d", res.Score))
	}
	return res, nil
}
