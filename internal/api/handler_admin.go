package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vacuum-rental-backend/internal/maintenance"
	"vacuum-rental-backend/internal/model"
)

type overrideRequest struct {
	Active *bool  `json:"active" binding:"required"`
	Reason string `json:"reason"`
}

// PutOverride handles PUT /api/admin/machines/:id/override.
func (h *Handler) PutOverride(c *gin.Context) {
	id, ok := machineIDParam(c)
	if !ok {
		return
	}
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	m, err := h.tracker.SetOverride(c.Request.Context(), id, *req.Active, req.Reason, adminID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// PostReset handles POST /api/admin/machines/:id/reset after servicing.
func (h *Handler) PostReset(c *gin.Context) {
	id, ok := machineIDParam(c)
	if !ok {
		return
	}
	m, err := h.tracker.ResetMaintenance(c.Request.Context(), id, adminID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type statusRequest struct {
	Status model.MachineStatus `json:"status" binding:"required"`
}

// PutStatus handles PUT /api/admin/machines/:id/status.
func (h *Handler) PutStatus(c *gin.Context) {
	id, ok := machineIDParam(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	change, err := h.reg.AdminSetStatus(c.Request.Context(), id, req.Status, adminID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

type repairRequest struct {
	Cost          int64  `json:"cost"`
	PartsReplaced string `json:"parts_replaced"`
	Notes         string `json:"notes"`
}

// PostMaintenanceLog handles POST /api/admin/machines/:id/maintenance-logs.
func (h *Handler) PostMaintenanceLog(c *gin.Context) {
	id, ok := machineIDParam(c)
	if !ok {
		return
	}
	var req repairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	entry, err := h.tracker.LogMaintenance(c.Request.Context(), id, maintenance.RepairEntry{
		PerformedBy:   adminID(c),
		Cost:          req.Cost,
		PartsReplaced: req.PartsReplaced,
		Notes:         req.Notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// GetMaintenanceLogs handles GET /api/admin/machines/:id/maintenance-logs.
func (h *Handler) GetMaintenanceLogs(c *gin.Context) {
	id, ok := machineIDParam(c)
	if !ok {
		return
	}
	logs, err := h.tracker.Logs(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs})
}
