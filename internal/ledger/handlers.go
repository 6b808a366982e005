package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/carepay/healthcredit/internal/auth"
	"github.com/carepay/healthcredit/internal/idgen"
	"github.com/carepay/healthcredit/internal/logging"
	"github.com/carepay/healthcredit/internal/pagination"
	"github.com/carepay/healthcredit/internal/validation"
)

// IdempotencyHeader carries the client's mutation key.
const IdempotencyHeader = "Idempotency-Key"

// Handler provides HTTP endpoints for health cards.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up owner-facing routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/healthcards", h.ListCards)
	r.GET("/transactions", h.ListOwnerTransactions)

	cards := r.Group("/healthcards/:id", validation.IDParamMiddleware("id", idgen.PrefixCard))
	cards.POST("/debit", h.Debit)
	cards.POST("/credit", h.Credit)
	cards.GET("/balance", h.GetBalance)
	cards.GET("/transactions", h.ListTransactions)
}

// RegisterAdminRoutes sets up card lifecycle routes. The group must require
// the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/healthcards", h.IssueCard)

	cards := r.Group("/healthcards/:id", validation.IDParamMiddleware("id", idgen.PrefixCard))
	cards.POST("/activate", h.transition((*Service).ActivateCard))
	cards.POST("/suspend", h.transition((*Service).SuspendCard))
	cards.POST("/expire", h.transition((*Service).ExpireCard))
	cards.GET("/audit", h.Audit)
}

// MutationRequest is the body of debit and credit calls.
type MutationRequest struct {
	Amount               int64  `json:"amount"`
	Kind                 Kind   `json:"kind"`
	Description          string `json:"description"`
	CounterpartyHospital string `json:"counterpartyHospital"`
}

// Debit handles POST /healthcards/:id/debit
func (h *Handler) Debit(c *gin.Context) {
	key, req, ok := h.bindMutation(c)
	if !ok {
		return
	}
	if req.Kind == "" {
		req.Kind = KindPayment
	}

	receipt, err := h.service.Debit(c.Request.Context(), DebitRequest{
		CardID:               c.Param("id"),
		OwnerID:              auth.OwnerID(c),
		Amount:               req.Amount,
		Kind:                 req.Kind,
		Description:          req.Description,
		CounterpartyHospital: req.CounterpartyHospital,
		IdempotencyKey:       key,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeReceipt(c, receipt)
}

// Credit handles POST /healthcards/:id/credit
func (h *Handler) Credit(c *gin.Context) {
	key, req, ok := h.bindMutation(c)
	if !ok {
		return
	}

	receipt, err := h.service.Credit(c.Request.Context(), CreditRequest{
		CardID:               c.Param("id"),
		OwnerID:              auth.OwnerID(c),
		Amount:               req.Amount,
		Kind:                 req.Kind,
		Description:          req.Description,
		CounterpartyHospital: req.CounterpartyHospital,
		IdempotencyKey:       key,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeReceipt(c, receipt)
}

func (h *Handler) bindMutation(c *gin.Context) (string, MutationRequest, bool) {
	var req MutationRequest
	key := c.GetHeader(IdempotencyHeader)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "idempotency_key_required",
			"message": "Idempotency-Key header is required for ledger mutations",
		})
		return "", req, false
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return "", req, false
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	req.CounterpartyHospital = validation.SanitizeString(req.CounterpartyHospital, validation.MaxStringLength)
	return key, req, true
}

func writeReceipt(c *gin.Context, r *Receipt) {
	if r.Replayed {
		c.Header("Idempotent-Replayed", "true")
		c.JSON(http.StatusOK, r)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// GetBalance handles GET /healthcards/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	card, err := h.service.CardForOwner(c.Request.Context(), c.Param("id"), auth.OwnerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, card.Balance())
}

// ListCards handles GET /healthcards
func (h *Handler) ListCards(c *gin.Context) {
	cards, err := h.service.ListCards(c.Request.Context(), auth.OwnerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if cards == nil {
		cards = []*HealthCard{}
	}
	c.JSON(http.StatusOK, gin.H{"cards": cards})
}

// ListTransactions handles GET /healthcards/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	cardID := c.Param("id")
	if _, err := h.service.CardForOwner(ctx, cardID, auth.OwnerID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	txns, next, err := h.service.ListTransactions(ctx, cardID, queryLimit(c), c.Query("cursor"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	writePage(c, txns, next)
}

// ListOwnerTransactions handles GET /transactions
func (h *Handler) ListOwnerTransactions(c *gin.Context) {
	txns, next, err := h.service.ListOwnerTransactions(c.Request.Context(), auth.OwnerID(c), queryLimit(c), c.Query("cursor"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	writePage(c, txns, next)
}

func queryLimit(c *gin.Context) int {
	n, _ := strconv.Atoi(c.Query("limit"))
	return n
}

func writePage(c *gin.Context, txns []*Transaction, next string) {
	if txns == nil {
		txns = []*Transaction{}
	}
	resp := gin.H{"transactions": txns}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// IssueCardRequest is the body of POST /admin/healthcards.
type IssueCardRequest struct {
	OwnerID             string   `json:"ownerId" binding:"required"`
	CardType            CardType `json:"cardType" binding:"required"`
	ApprovedCreditLimit int64    `json:"approvedCreditLimit" binding:"required"`
	Activate            bool     `json:"activate"`
}

// IssueCard handles POST /admin/healthcards
func (h *Handler) IssueCard(c *gin.Context) {
	var req IssueCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ownerId, cardType and approvedCreditLimit are required",
		})
		return
	}

	ctx := c.Request.Context()
	card, err := h.service.IssueCard(ctx, req.OwnerID, req.CardType, req.ApprovedCreditLimit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if req.Activate {
		if card, err = h.service.ActivateCard(ctx, card.ID); err != nil {
			h.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, card)
}

func (h *Handler) transition(fn func(*Service, context.Context, string) (*HealthCard, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		card, err := fn(h.service, c.Request.Context(), c.Param("id"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, card)
	}
}

// Audit handles GET /admin/healthcards/:id/audit
func (h *Handler) Audit(c *gin.Context) {
	result, err := h.service.AuditCard(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": result.OK(), "audit": result})
}

// StatusFor maps a ledger error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidKind):
		return http.StatusBadRequest, "invalid_kind"
	case errors.Is(err, ErrInvalidCardType), errors.Is(err, ErrOwnerRequired):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, pagination.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, ErrCardNotFound):
		return http.StatusNotFound, "card_not_found"
	case errors.Is(err, ErrTransactionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrCardNotActive):
		return http.StatusConflict, "card_not_active"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, ErrConcurrentUpdate), errors.Is(err, ErrCardExists):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInsufficientCredit):
		return http.StatusUnprocessableEntity, "insufficient_credit"
	case errors.Is(err, ErrProviderTimeout):
		return http.StatusGatewayTimeout, "provider_timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("ledger request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
