package kyc

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/carepay/healthcredit/internal/auth"
	"github.com/carepay/healthcredit/internal/logging"
)

// Handler serves the caller's own KYC status.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts GET /kyc/status on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/kyc/status", h.GetStatus)
}

// GetStatus handles GET /kyc/status
func (h *Handler) GetStatus(c *gin.Context) {
	snap, err := h.service.Snapshot(c.Request.Context(), auth.OwnerID(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("kyc status lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
