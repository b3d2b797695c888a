package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ClareAI/agent-bridge/internal/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFlagOverrides(t *testing.T) {
	cmd := &cobra.Command{}
	registerServeFlags(cmd)
	require.NoError(t, cmd.Flags().Set("room", "4321"))
	require.NoError(t, cmd.Flags().Set("voice", "Kore"))
	require.NoError(t, cmd.Flags().Set("verbose", "true"))

	cfg := &config.BridgeConfig{
		JanusRoomID: 1234,
		GeminiModel: "models/gemini-2.0-flash-exp",
		GeminiVoice: "Puck",
		LogLevel:    "INFO",
	}
	applyFlagOverrides(cmd, cfg)

	assert.Equal(t, 4321, cfg.JanusRoomID)
	assert.Equal(t, "Kore", cfg.GeminiVoice)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	// Untouched flags leave the environment values alone
	assert.Equal(t, "models/gemini-2.0-flash-exp", cfg.GeminiModel)
}

func TestProbeHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","state":"READY"}`))
	}))
	defer healthy.Close()

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, probeHealth(cmd, healthy.URL))
	assert.Contains(t, out.String(), "healthy")
	assert.Contains(t, out.String(), "READY")

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable","state":"ERROR"}`))
	}))
	defer unhealthy.Close()

	err := probeHealth(&cobra.Command{}, unhealthy.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR")

	require.Error(t, probeHealth(&cobra.Command{}, "http://127.0.0.1:1"))
}

func TestPrintStatusPrettyPrints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"ACTIVE","running":true}`))
	}))
	defer srv.Close()

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, printStatus(cmd, srv.URL))
	assert.Contains(t, out.String(), "\"state\": \"ACTIVE\"")
	assert.Contains(t, out.String(), "\"running\": true")
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.Contains(t, info, "agent-bridge version")
}
