package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "agent-bridge",
	Short:         "Janus conference bridge for a realtime voice-and-vision AI agent",
	Version:       GetVersion(),
	SilenceUsage:  true,  // Don't print usage on error
	SilenceErrors: false, // Do print errors
	Long: `agent-bridge joins a Janus AudioBridge room as a speaking participant and
relays audio between the room and a realtime AI model session. With video
enabled it also subscribes to VideoRoom publishers and feeds frames from
their screen shares to the model.`,
}

func main() {
	// Load .env for local development. Real deployments set the
	// environment directly and this is a no-op.
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	rootCmd.SetVersionTemplate(GetVersionInfo() + "\n")

	// A bare invocation runs serve, so the container entrypoint can stay
	// just the binary name.
	if len(os.Args) == 1 {
		rootCmd.SetArgs([]string{"serve"})
	}

	if err := rootCmd.Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}
