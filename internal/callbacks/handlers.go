// Package callbacks receives signed notifications from the identity and
// payment providers. Intake only authenticates, validates and enqueues;
// processing happens on the inbox lanes.
package callbacks

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"
	"github.com/xeipuuv/gojsonschema"

	"github.com/carepay/healthcredit/internal/inbox"
	"github.com/carepay/healthcredit/internal/kyc"
)

const (
	KYCSignatureHeader     = "X-KYC-Signature"
	PaymentSignatureHeader = "Stripe-Signature"

	KindKYC     = "kyc"
	KindPayment = "payment"

	maxBodyBytes = 64 << 10
)

// Enqueuer accepts messages for asynchronous processing.
type Enqueuer interface {
	Enqueue(msg inbox.Message) error
}

// Secrets holds the shared secrets for each provider.
type Secrets struct {
	KYC     string
	Payment string
}

// PaymentEvent is the payment provider's settlement notice.
type PaymentEvent struct {
	CardID                 string `json:"cardId"`
	Amount                 int64  `json:"amount"`
	ProviderTransactionRef string `json:"providerTransactionRef"`
	Status                 string `json:"status"`
}

const (
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
)

// Handler provides the callback endpoints.
type Handler struct {
	secrets Secrets
	queue   Enqueuer
	logger  *slog.Logger
}

// NewHandler creates a callback handler
func NewHandler(secrets Secrets, queue Enqueuer, logger *slog.Logger) *Handler {
	return &Handler{secrets: secrets, queue: queue, logger: logger}
}

// RegisterRoutes mounts the callback endpoints. They authenticate by
// signature, not bearer token.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/callbacks/kyc", h.KYC)
	r.POST("/callbacks/payments", h.Payment)
}

// KYC handles POST /callbacks/kyc
func (h *Handler) KYC(c *gin.Context) {
	body, ok := h.readBody(c, KindKYC)
	if !ok {
		return
	}
	if !validKYCSignature(body, c.GetHeader(KYCSignatureHeader), h.secrets.KYC) {
		h.reject(c, KindKYC, http.StatusUnauthorized, "invalid_signature", nil)
		return
	}
	if !h.conforms(c, KindKYC, kycSchema, body) {
		return
	}

	var ev kyc.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		h.reject(c, KindKYC, http.StatusBadRequest, "invalid_request", nil)
		return
	}
	h.enqueue(c, inbox.Message{Key: inbox.OwnerKey(ev.OwnerID), Kind: KindKYC, Body: body})
}

// Payment handles POST /callbacks/payments
func (h *Handler) Payment(c *gin.Context) {
	body, ok := h.readBody(c, KindPayment)
	if !ok {
		return
	}
	if h.secrets.Payment == "" {
		h.reject(c, KindPayment, http.StatusUnauthorized, "invalid_signature", nil)
		return
	}
	if err := webhook.ValidatePayload(body, c.GetHeader(PaymentSignatureHeader), h.secrets.Payment); err != nil {
		h.logger.Warn("payment callback signature rejected", "error", err)
		h.reject(c, KindPayment, http.StatusUnauthorized, "invalid_signature", nil)
		return
	}
	if !h.conforms(c, KindPayment, paymentSchema, body) {
		return
	}

	var ev PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.reject(c, KindPayment, http.StatusBadRequest, "invalid_request", nil)
		return
	}
	h.enqueue(c, inbox.Message{Key: inbox.CardKey(ev.CardID), Kind: KindPayment, Body: body})
}

func (h *Handler) readBody(c *gin.Context, source string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		h.reject(c, source, http.StatusBadRequest, "invalid_request", nil)
		return nil, false
	}
	if len(body) > maxBodyBytes {
		h.reject(c, source, http.StatusRequestEntityTooLarge, "body_too_large", nil)
		return nil, false
	}
	return body, true
}

func (h *Handler) conforms(c *gin.Context, source string, schema *gojsonschema.Schema, body []byte) bool {
	problems, err := conform(schema, body)
	if err != nil {
		h.reject(c, source, http.StatusBadRequest, "invalid_request", nil)
		return false
	}
	if len(problems) > 0 {
		h.reject(c, source, http.StatusBadRequest, "schema_invalid", problems)
		return false
	}
	return true
}

func (h *Handler) enqueue(c *gin.Context, msg inbox.Message) {
	err := h.queue.Enqueue(msg)
	switch {
	case err == nil:
		received.WithLabelValues(msg.Kind, "accepted").Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case errors.Is(err, inbox.ErrFull), errors.Is(err, inbox.ErrClosed):
		received.WithLabelValues(msg.Kind, "busy").Inc()
		h.logger.Warn("callback deferred", "kind", msg.Kind, "key", msg.Key, "error", err)
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy", "message": "try again later"})
	default:
		received.WithLabelValues(msg.Kind, "error").Inc()
		h.logger.Error("callback enqueue failed", "kind", msg.Kind, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}

func (h *Handler) reject(c *gin.Context, source string, status int, code string, details []string) {
	received.WithLabelValues(source, code).Inc()
	body := gin.H{"error": code}
	if len(details) > 0 {
		body["details"] = details
	}
	c.JSON(status, body)
}
