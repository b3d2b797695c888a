package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ClareAI/agent-bridge/internal/handler"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe a running bridge; exit 0 when healthy, 1 otherwise",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := cmd.Flags().GetString("addr")
		if err != nil {
			return err
		}
		return probeHealth(cmd, addr)
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("addr", "http://localhost:8089", "Base address of the bridge status API")
}

func probeHealth(cmd *cobra.Command, addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/healthz")
	if err != nil {
		return fmt.Errorf("failed to reach bridge at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var health handler.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("unreadable health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge unhealthy (state %s)", health.State)
	}
	cmd.Printf("healthy (state %s)\n", health.State)
	return nil
}
