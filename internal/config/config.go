package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultSystemInstruction is used when BRIDGE_SYSTEM_INSTRUCTION is not set.
const DefaultSystemInstruction = "You are a helpful voice assistant participating in a meeting. " +
	"Keep your spoken answers short and conversational. When a screen share is " +
	"visible, use it to ground your answers."

// BridgeConfig holds all settings for one bridge instance.
type BridgeConfig struct {
	// Janus signalling + media
	JanusWSURL   string
	JanusRoomID  int
	JanusDisplay string
	RTPHost      string
	RTPPort      int
	VideoRTPPort int

	AudioBridgeAdminKey string
	VideoRoomAdminKey   string

	// AI streaming
	GeminiAPIKey      string
	GeminiModel       string
	GeminiVoice       string
	SystemInstruction string

	// Peripheral surfaces
	HTTPPort    string // empty disables the status API
	EnableVideo bool

	// Diagnostics
	LogLevel      string
	DebugAudio    bool
	DebugAudioDir string

	// Instance identifier for multi-pod monitoring and routing
	InstanceID string
}

// LoadConfigFromEnv builds a BridgeConfig from environment variables.
// Note: .env file loading via godotenv happens in main for local development.
func LoadConfigFromEnv() *BridgeConfig {
	return &BridgeConfig{
		JanusWSURL:   getEnvOrDefault("BRIDGE_JANUS_WS_URL", "ws://localhost:8188"),
		JanusRoomID:  getEnvAsIntOrDefault("BRIDGE_JANUS_ROOM_ID", 1234),
		JanusDisplay: getEnvOrDefault("BRIDGE_JANUS_DISPLAY", "AI Assistant"),
		RTPHost:      getEnvOrDefault("BRIDGE_RTP_HOST", "127.0.0.1"),
		RTPPort:      getEnvAsIntOrDefault("BRIDGE_RTP_PORT", 5004),
		VideoRTPPort: getEnvAsIntOrDefault("BRIDGE_VIDEO_RTP_PORT", 5006),

		AudioBridgeAdminKey: getEnvOrDefault("BRIDGE_AUDIOBRIDGE_ADMIN_KEY", "audiobridge_admin"),
		VideoRoomAdminKey:   getEnvOrDefault("BRIDGE_VIDEOROOM_ADMIN_KEY", "videoroom_admin_secret"),

		GeminiAPIKey:      getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiModel:       getEnvOrDefault("GEMINI_MODEL", "models/gemini-2.0-flash-exp"),
		GeminiVoice:       getEnvOrDefault("GEMINI_VOICE", "Puck"),
		SystemInstruction: getEnvOrDefault("BRIDGE_SYSTEM_INSTRUCTION", DefaultSystemInstruction),

		HTTPPort:    getEnvOrDefault("BRIDGE_HTTP_PORT", "8089"),
		EnableVideo: getEnvAsBoolOrDefault("BRIDGE_ENABLE_VIDEO", true),

		LogLevel:      getEnvOrDefault("BRIDGE_LOG_LEVEL", "INFO"),
		DebugAudio:    getEnvAsBoolOrDefault("BRIDGE_DEBUG_AUDIO", false),
		DebugAudioDir: getEnvOrDefault("BRIDGE_DEBUG_AUDIO_DIR", "./debug_audio"),

		InstanceID: getDynamicInstanceID(),
	}
}

// Validate checks the settings that would make startup impossible.
func (c *BridgeConfig) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.RTPPort < 1024 || c.RTPPort > 65535 {
		return fmt.Errorf("RTP port %d out of range [1024, 65535]", c.RTPPort)
	}
	if c.EnableVideo && (c.VideoRTPPort < 1024 || c.VideoRTPPort > 65535) {
		return fmt.Errorf("video RTP port %d out of range [1024, 65535]", c.VideoRTPPort)
	}
	if c.JanusRoomID <= 0 {
		return fmt.Errorf("Janus room id must be positive, got %d", c.JanusRoomID)
	}
	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getDynamicInstanceID generates a unique identifier for this service instance.
// It first tries to use the system hostname (pod name in K8s), then falls back
// to a timestamp-based ID.
func getDynamicInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("agent-bridge-%d", time.Now().UnixNano())
}
