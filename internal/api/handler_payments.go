package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vacuum-rental-backend/internal/payment"
)

// PaymentCallback handles POST /api/payments/callback from the payment gateway.
// Repeated callbacks for one payment id return the session without side effects.
func (h *Handler) PaymentCallback(c *gin.Context) {
	var conf payment.Confirmation
	if err := c.ShouldBindJSON(&conf); err != nil {
		badRequest(c, "invalid request")
		return
	}
	s, err := h.sessions.ConfirmPayment(c.Request.Context(), conf)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}
