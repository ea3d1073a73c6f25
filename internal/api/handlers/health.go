package handlers

import (
	"net/http"

	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/utils"
)

// Pinger checks a backing store. *db.DB implements it.
type Pinger interface {
	Ping() error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	ledger Pinger
	logger *logger.Logger
}

// NewHealthHandler creates a new health handler. ledger may be nil when the
// agent runs without a state database.
func NewHealthHandler(ledger Pinger, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		ledger: ledger,
		logger: log,
	}
}

// Healthz handles liveness probe
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccess(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Readyz reports ready once the state database answers
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		utils.WriteSuccess(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	if err := h.ledger.Ping(); err != nil {
		h.logger.ErrorWithErr(err, "State database ping failed")
		utils.WriteErrorMessage(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "State database unavailable")
		return
	}

	utils.WriteSuccess(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": "connected",
	})
}
