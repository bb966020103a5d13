// Package router exposes the HTTP API: pool diagnostics, on-demand
// recalibration, and the liveness endpoint.
package router

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/egressguard/egressguard/internal/pool"
	"github.com/egressguard/egressguard/internal/recalibrate"
)

const (
	DiagnosticPath  = "/api/v1/proxies/diagnostic"
	RecalibratePath = "/api/v1/recalibrate"
)

type Router struct {
	pool       *pool.Manager
	controller *recalibrate.Controller
	healthPath string
	logger     *slog.Logger
}

// New builds the API router. controller may be nil when recalibration is
// disabled; the trigger endpoint then answers 503.
func New(p *pool.Manager, controller *recalibrate.Controller, healthPath string, logger *slog.Logger) *Router {
	return &Router{
		pool:       p,
		controller: controller,
		healthPath: healthPath,
		logger:     logger,
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case r.healthPath:
		r.handleHealth(w, req)
	case DiagnosticPath:
		r.handleDiagnostic(w, req)
	case RecalibratePath:
		r.handleRecalibrate(w, req)
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":         "ok",
		"proxies_total":  r.pool.Size(),
		"proxies_active": r.pool.ActiveCount(),
	}

	// A pool with addresses but none usable is degraded, not down: requests
	// may still recover proxies after cooldown.
	if r.pool.Size() > 0 && r.pool.ActiveCount() == 0 {
		status["status"] = "degraded"
	}

	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleDiagnostic(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, r.pool.DiagnosticSnapshot())
}

func (r *Router) handleRecalibrate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.controller == nil {
		http.Error(w, "recalibration disabled", http.StatusServiceUnavailable)
		return
	}

	policies, err := r.controller.Run()
	if err != nil {
		r.logger.Error("Manual recalibration failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "recalibration failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, policies)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		return
	}
}
