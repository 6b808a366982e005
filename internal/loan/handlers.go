package loan

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/carepay/healthcredit/internal/auth"
	"github.com/carepay/healthcredit/internal/idgen"
	"github.com/carepay/healthcredit/internal/ledger"
	"github.com/carepay/healthcredit/internal/logging"
	"github.com/carepay/healthcredit/internal/validation"
)

// Handler provides HTTP endpoints for loan applications.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up applicant routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/loans", h.List)
	r.POST("/loans/draft/:step", h.AdvanceStep)

	apps := r.Group("/loans/:id", validation.IDParamMiddleware("id", idgen.PrefixLoan))
	apps.GET("", h.Get)
	apps.POST("/submit", h.Submit)
}

// RegisterUnderwritingRoutes sets up reviewer routes. The group must require
// the underwriter or admin role.
func (h *Handler) RegisterUnderwritingRoutes(r *gin.RouterGroup) {
	r.GET("/underwriting/loans", h.Queue)

	apps := r.Group("/underwriting/loans/:id", validation.IDParamMiddleware("id", idgen.PrefixLoan))
	apps.GET("", h.GetForReview)
	apps.POST("/review", h.StartReview)
	apps.POST("/approve", h.Approve)
	apps.POST("/reject", h.Reject)
	apps.POST("/complete", h.Complete)
}

// AdvanceStep handles POST /loans/draft/:step
func (h *Handler) AdvanceStep(c *gin.Context) {
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "step must be a number from 1 to 7"})
		return
	}
	var in StepInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if in.ApplicationID != "" && !validation.IsValidID(in.ApplicationID, idgen.PrefixLoan) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "applicationId is not a valid identifier"})
		return
	}

	app, err := h.service.AdvanceStep(c.Request.Context(), auth.OwnerID(c), step, in)
	if err != nil {
		h.writeError(c, err, app)
		return
	}
	c.JSON(http.StatusOK, app)
}

// Submit handles POST /loans/:id/submit. The body is optional.
func (h *Handler) Submit(c *gin.Context) {
	var consents *Agreement
	if c.Request.ContentLength != 0 {
		var a Agreement
		if err := c.ShouldBindJSON(&a); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
		consents = &a
	}

	app, err := h.service.Submit(c.Request.Context(), auth.OwnerID(c), c.Param("id"), consents)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, app)
}

// Get handles GET /loans/:id
func (h *Handler) Get(c *gin.Context) {
	app, err := h.service.Get(c.Request.Context(), auth.OwnerID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, app)
}

// List handles GET /loans
func (h *Handler) List(c *gin.Context) {
	apps, err := h.service.List(c.Request.Context(), auth.OwnerID(c))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	writeList(c, apps)
}

// Queue handles GET /underwriting/loans?status=
func (h *Handler) Queue(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusSubmitted)))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown status"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	apps, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	writeList(c, apps)
}

func writeList(c *gin.Context, apps []*Application) {
	if apps == nil {
		apps = []*Application{}
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps})
}

// GetForReview handles GET /underwriting/loans/:id
func (h *Handler) GetForReview(c *gin.Context) {
	app, err := h.service.GetForReview(c.Request.Context(), c.Param("id"))
	h.respond(c, app, err)
}

// StartReview handles POST /underwriting/loans/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	app, err := h.service.StartReview(c.Request.Context(), auth.OwnerID(c), c.Param("id"))
	h.respond(c, app, err)
}

// ApproveRequest is the body of an approval.
type ApproveRequest struct {
	ApprovedAmount int64 `json:"approvedAmount" binding:"required"`
}

// Approve handles POST /underwriting/loans/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "approvedAmount is required"})
		return
	}
	app, err := h.service.Approve(c.Request.Context(), auth.OwnerID(c), c.Param("id"), req.ApprovedAmount)
	h.respond(c, app, err)
}

// RejectRequest is the body of a rejection.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /underwriting/loans/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	app, err := h.service.Reject(c.Request.Context(), auth.OwnerID(c), c.Param("id"), reason)
	h.respond(c, app, err)
}

// Complete handles POST /underwriting/loans/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	app, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	h.respond(c, app, err)
}

func (h *Handler) respond(c *gin.Context, app *Application, err error) {
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, app)
}

// StatusFor maps a loan or ledger error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidationFailed):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, ErrInvalidLoanParameters):
		return http.StatusUnprocessableEntity, "invalid_loan_parameters"
	case errors.Is(err, ErrStepOutOfOrder):
		return http.StatusConflict, "step_out_of_order"
	case errors.Is(err, ErrApplicationLocked):
		return http.StatusConflict, "application_locked"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrConcurrentUpdate), errors.Is(err, ErrDuplicateApplicationNumber):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrScoringUnavailable):
		return http.StatusServiceUnavailable, "scoring_unavailable"
	case errors.Is(err, ErrLockTimeout):
		return http.StatusGatewayTimeout, "provider_timeout"
	default:
		// The step 6 fee debit surfaces ledger errors unchanged.
		return ledger.StatusFor(err)
	}
}

func (h *Handler) writeError(c *gin.Context, err error, app *Application) {
	status, code := StatusFor(err)
	body := gin.H{"error": code, "message": err.Error()}

	var stepErr *StepValidationError
	if errors.As(err, &stepErr) {
		body["field"] = stepErr.Field
		body["step"] = stepErr.Step
	}
	if app != nil {
		body["applicationId"] = app.ID
		body["currentStep"] = app.CurrentStep
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("loan request failed", "path", c.FullPath(), "error", err)
		body["message"] = "Internal error"
	}
	c.JSON(status, body)
}
