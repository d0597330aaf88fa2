package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vacuum-rental-backend/internal/parse"
)

// GetAvailability handles GET /api/machines/:code/availability. The code may be
// typed or scanned in any of the accepted forms.
func (h *Handler) GetAvailability(c *gin.Context) {
	code, err := parse.MachineCode(c.Param("code"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	a, err := h.reg.AvailabilityByCode(c.Request.Context(), code)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// GetMachine handles GET /api/admin/machines/:id.
func (h *Handler) GetMachine(c *gin.Context) {
	id, ok := machineIDParam(c)
	if !ok {
		return
	}
	m, err := h.reg.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
