package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClareAI/agent-bridge/internal/bridge"
	"github.com/ClareAI/agent-bridge/internal/config"
	"github.com/ClareAI/agent-bridge/internal/handler"
	"github.com/ClareAI/agent-bridge/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Join the Janus room and run the bridge until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	registerServeFlags(serveCmd)
}

func registerServeFlags(cmd *cobra.Command) {
	cmd.Flags().Int("room", 0, "Janus room id (audio and video)")
	cmd.Flags().String("janus-url", "", "Janus WebSocket URL")
	cmd.Flags().String("rtp-host", "", "IP advertised to Janus as the RTP receiver")
	cmd.Flags().Int("rtp-port", 0, "UDP port for audio RTP")
	cmd.Flags().String("model", "", "AI model id")
	cmd.Flags().String("voice", "", "AI voice name")
	cmd.Flags().String("system-prompt", "", "System instruction for the model")
	cmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.Flags().Bool("debug-audio", false, "Dump WAV captures of both audio directions")
}

func runServe(cmd *cobra.Command) error {
	cfg := config.LoadConfigFromEnv()
	applyFlagOverrides(cmd, cfg)

	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
	}
	logger.SetLevel(cfg.LogLevel)

	fmt.Printf("🚀 Starting agent bridge (instance: %s)\n", cfg.InstanceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	br := bridge.New(cfg)
	if err := br.Start(ctx); err != nil {
		logger.Base().Error("❌ bridge startup failed", zap.Error(err))
		return err
	}

	statusServer := startStatusServer(cfg, br)

	logger.Base().Info("✅ bridge running",
		zap.Int("room", cfg.JanusRoomID),
		zap.String("instance_id", cfg.InstanceID))

	<-ctx.Done()
	logger.Base().Info("shutdown signal received")

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Base().Warn("status server shutdown", zap.Error(err))
		}
		cancel()
	}
	br.Stop()
	logger.Sync()
	return nil
}

// applyFlagOverrides lets explicit CLI flags win over environment values.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.BridgeConfig) {
	flags := cmd.Flags()
	if flags.Changed("room") {
		if v, err := flags.GetInt("room"); err == nil {
			cfg.JanusRoomID = v
		}
	}
	if flags.Changed("janus-url") {
		if v, err := flags.GetString("janus-url"); err == nil {
			cfg.JanusWSURL = v
		}
	}
	if flags.Changed("rtp-host") {
		if v, err := flags.GetString("rtp-host"); err == nil {
			cfg.RTPHost = v
		}
	}
	if flags.Changed("rtp-port") {
		if v, err := flags.GetInt("rtp-port"); err == nil {
			cfg.RTPPort = v
		}
	}
	if flags.Changed("model") {
		if v, err := flags.GetString("model"); err == nil {
			cfg.GeminiModel = v
		}
	}
	if flags.Changed("voice") {
		if v, err := flags.GetString("voice"); err == nil {
			cfg.GeminiVoice = v
		}
	}
	if flags.Changed("system-prompt") {
		if v, err := flags.GetString("system-prompt"); err == nil {
			cfg.SystemInstruction = v
		}
	}
	if flags.Changed("verbose") {
		if v, err := flags.GetBool("verbose"); err == nil && v {
			cfg.LogLevel = "DEBUG"
		}
	}
	if flags.Changed("debug-audio") {
		if v, err := flags.GetBool("debug-audio"); err == nil {
			cfg.DebugAudio = v
		}
	}
}

// startStatusServer serves the status API in the background. The bridge
// runs the same without it, so listen failures log and continue.
func startStatusServer(cfg *config.BridgeConfig, br *bridge.Bridge) *http.Server {
	if cfg.HTTPPort == "" {
		logger.Base().Info("status API disabled (no HTTP port configured)")
		return nil
	}

	router := mux.NewRouter()
	handler.NewHandlerManager(cfg, br).SetupAllRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Base().Info("status API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Base().Warn("status server stopped", zap.Error(err))
		}
	}()

	return server
}
