package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deltastream/deltastream/internal/config"
	"github.com/deltastream/deltastream/internal/logging"
)

var cfg *config.Config

// rootCmd is the base command for the DeltaStream CLI.
var rootCmd = &cobra.Command{
	Use:   "deltastream",
	Short: "DeltaStream real-time options analytics pipeline",
	Long: `DeltaStream enriches a raw derivatives market feed with sentiment and
pricing analytics (PCR, max pain, ATM straddle, OI buildup, IV surface,
OHLC windows), persists it, and fans the enriched stream out to
subscribed clients.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logging.Setup(cfg.LogLevel, cfg.LogFormat)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(dlqCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
