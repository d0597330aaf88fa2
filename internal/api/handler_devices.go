package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type heartbeatRequest struct {
	MachineID    int64      `json:"machine_id" binding:"required"`
	ControllerID string     `json:"controller_id"`
	Timestamp    *time.Time `json:"timestamp"`
}

// PostHeartbeat handles POST /api/devices/heartbeat for controllers that report over HTTP
// rather than the message bus.
func (h *Handler) PostHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	var at time.Time
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	if err := h.heartbeats.RecordHeartbeat(c.Request.Context(), req.MachineID, req.ControllerID, at); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type usageReportRequest struct {
	MinutesUsed *int `json:"minutes_used" binding:"required"`
}

// PostUsageReport handles POST /api/devices/sessions/:id/complete, sent by a controller
// when its timer runs out or the unit is switched off at the machine.
func (h *Handler) PostUsageReport(c *gin.Context) {
	var req usageReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	ended, err := h.sessions.TerminateWithReport(c.Request.Context(), c.Param("id"), *req.MinutesUsed)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ended)
}
