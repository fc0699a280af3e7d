package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "jasperd",
	Short: "Multi-transport command and telemetry bridge",
	Long: `jasperd drives a small air-quality station from both sides:

- Exposes a BLE GATT control surface (LED pattern, servo, telemetry,
  network credentials, broker configuration)
- Keeps an MQTT session alive over the network uplink and mirrors the
  same control surface on broker topics
- Decodes the M701 sensor's serial frames and fans telemetry out to
  BLE notifications and MQTT publishes

A single dispatcher serializes commands from both transports, so the
last writer always wins regardless of where a command came from.

Use 'run' for the bridge daemon, 'simulate' to emulate the sensor on a
pseudo-terminal, and 'decode' to inspect captured frames.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(decodeCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
