package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/device"
	"vacuum-rental-backend/internal/maintenance"
	"vacuum-rental-backend/internal/registry"
	"vacuum-rental-backend/internal/session"
	"vacuum-rental-backend/internal/store"
)

// Identity headers set by the upstream auth proxy.
const (
	HeaderUserID  = "X-User-ID"
	HeaderAdminID = "X-Admin-ID"
)

// Deps are the services the handlers delegate to.
type Deps struct {
	Store      store.Store
	WebPush    *webpush.Options
	Registry   *registry.Registry
	Tracker    *maintenance.Tracker
	Sessions   *session.Orchestrator
	Heartbeats device.HeartbeatRecorder
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store      store.Store
	webpush    *webpush.Options
	reg        *registry.Registry
	tracker    *maintenance.Tracker
	sessions   *session.Orchestrator
	heartbeats device.HeartbeatRecorder
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:      d.Store,
		webpush:    d.WebPush,
		reg:        d.Registry,
		tracker:    d.Tracker,
		sessions:   d.Sessions,
		heartbeats: d.Heartbeats,
	}
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindState:
		return http.StatusConflict
	case apperr.KindPayment:
		return http.StatusPaymentRequired
	case apperr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a service error to a JSON response carrying its reason code.
func writeError(c *gin.Context, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(statusFor(e.Kind), gin.H{"error": e.Message, "reason": e.Reason})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "reason": apperr.ReasonInvalidInput})
}

func machineIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid machine id")
		return 0, false
	}
	return id, true
}

// requireAdmin rejects requests without an admin identity.
func requireAdmin(c *gin.Context) {
	if strings.TrimSpace(c.GetHeader(HeaderAdminID)) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin identity required"})
		return
	}
	c.Next()
}

func adminID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderAdminID))
}
