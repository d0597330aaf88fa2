package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"vacuum-rental-backend/internal/session"
)

type createSessionRequest struct {
	UserID          string `json:"user_id"`
	MachineID       int64  `json:"machine_id"`
	MachineCode     string `json:"machine_code"`
	DurationMinutes int    `json:"duration_minutes" binding:"required"`
	PaymentMethod   string `json:"payment_method" binding:"required"`
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	// The renter is the caller named by the identity header; a body user_id may only repeat it.
	user := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if user == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUserID + " header"})
		return
	}
	if req.UserID != "" && req.UserID != user {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user_id does not match the authenticated user"})
		return
	}
	req.UserID = user

	res, err := h.sessions.Create(c.Request.Context(), session.CreateRequest{
		UserID:          req.UserID,
		MachineID:       req.MachineID,
		MachineCode:     req.MachineCode,
		DurationMinutes: req.DurationMinutes,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetSession handles GET /api/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// StopSession handles POST /api/sessions/:id/stop. Only the renter may stop a session here;
// admins use the forced termination route.
func (h *Handler) StopSession(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if user := strings.TrimSpace(c.GetHeader(HeaderUserID)); user == "" || user != s.UserID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session belongs to another user"})
		return
	}

	ended, err := h.sessions.Terminate(ctx, s.ID, session.CauseUserStop)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ended)
}

// ForceStopSession handles POST /api/admin/sessions/:id/terminate.
func (h *Handler) ForceStopSession(c *gin.Context) {
	ended, err := h.sessions.Terminate(c.Request.Context(), c.Param("id"), session.CauseAdminForce)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ended)
}
