// Package handler exposes the HTTP status and control API for a running
// bridge. The API is observational: the bridge runs the same with or
// without it, and nothing here sits on the media path.
package handler

import (
	"github.com/ClareAI/agent-bridge/internal/config"
	"github.com/ClareAI/agent-bridge/pkg/logger"
	"github.com/gorilla/mux"
)

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	config        *config.BridgeConfig
	bridgeHandler *BridgeHandler
}

// NewHandlerManager creates the handlers for one bridge instance
func NewHandlerManager(cfg *config.BridgeConfig, controller BridgeController) *HandlerManager {
	return &HandlerManager{
		config:        cfg,
		bridgeHandler: NewBridgeHandler(controller, cfg.InstanceID),
	}
}

// SetupAllRoutes registers every endpoint on the given router
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)

	hm.bridgeHandler.SetupBridgeRoutes(router)

	logger.Base().Info("all application routes registered")
}
