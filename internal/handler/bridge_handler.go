package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ClareAI/agent-bridge/internal/bridge"
	"github.com/ClareAI/agent-bridge/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// BridgeController is the slice of the bridge the HTTP API consumes.
type BridgeController interface {
	State() bridge.State
	Healthy() bool
	Status() bridge.Status
	Stats() bridge.Stats
	SetMuted(ctx context.Context, muted bool) error
}

// BridgeHandler handles status and control endpoints for one bridge
type BridgeHandler struct {
	controller BridgeController
	instanceID string
}

// HealthResponse is the /healthz payload
type HealthResponse struct {
	Status     string       `json:"status"`
	State      bridge.State `json:"state"`
	InstanceID string       `json:"instance_id,omitempty"`
}

// MuteResponse is the /mute and /unmute payload
type MuteResponse struct {
	Muted bool         `json:"muted"`
	State bridge.State `json:"state"`
}

// NewBridgeHandler creates a new bridge status handler
func NewBridgeHandler(controller BridgeController, instanceID string) *BridgeHandler {
	return &BridgeHandler{
		controller: controller,
		instanceID: instanceID,
	}
}

// SetupBridgeRoutes sets up routes for bridge status and control
func (h *BridgeHandler) SetupBridgeRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.getHealth).Methods("GET")
	router.HandleFunc("/status", h.getStatus).Methods("GET")
	router.HandleFunc("/stats", h.getStats).Methods("GET")
	router.HandleFunc("/mute", h.setMuted(true)).Methods("POST")
	router.HandleFunc("/unmute", h.setMuted(false)).Methods("POST")
	router.HandleFunc("/mute", h.handleCORS).Methods("OPTIONS")
	router.HandleFunc("/unmute", h.handleCORS).Methods("OPTIONS")
	logger.Base().Info("bridge status and control routes registered")
}

// getHealth godoc
// @Summary Liveness and readiness probe
// @Description Returns 200 while the bridge is connected to both Janus and the model, 503 otherwise
// @Tags bridge
// @Produce json
// @Success 200 {object} HealthResponse "bridge healthy"
// @Failure 503 {object} HealthResponse "bridge not ready"
// @Router /healthz [get]
func (h *BridgeHandler) getHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := HealthResponse{
		Status:     "ok",
		State:      h.controller.State(),
		InstanceID: h.instanceID,
	}
	if !h.controller.Healthy() {
		resp.Status = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Base().Error("failed to encode health response", zap.Error(err))
	}
}

func (h *BridgeHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(h.controller.Status()); err != nil {
		logger.Base().Error("failed to encode bridge status", zap.Error(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
		return
	}
}

func (h *BridgeHandler) getStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(h.controller.Stats()); err != nil {
		logger.Base().Error("failed to encode bridge stats", zap.Error(err))
		http.Error(w, "failed to encode stats", http.StatusInternalServerError)
		return
	}
}

// setMuted returns the handler for /mute (true) and /unmute (false). The
// mute request travels to the AudioBridge room, so it fails when the
// signalling session is down.
func (h *BridgeHandler) setMuted(muted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.controller.SetMuted(r.Context(), muted); err != nil {
			logger.Base().Warn("mute request rejected",
				zap.Bool("muted", muted),
				zap.Error(err),
			)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		logger.Base().Info("mute state changed", zap.Bool("muted", muted))

		w.Header().Set("Content-Type", "application/json")
		resp := MuteResponse{Muted: muted, State: h.controller.State()}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Base().Error("failed to encode mute response", zap.Error(err))
		}
	}
}

// handleCORS handles preflight requests for the control endpoints
func (h *BridgeHandler) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(http.StatusOK)
}
