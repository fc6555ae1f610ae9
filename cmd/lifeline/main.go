package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath string
	verbose    bool
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lifeline",
	Short: "lifeline - offline-first credentials, request queue and paced LLM calls",
	Long: `lifeline keeps an app usable when the network is not.

Credentials are cached in memory and persisted to the configured store.
Mutating requests that cannot reach the network are queued and replayed,
in order, when connectivity returns. Generation calls are paced and
retried with classified backoff, and never fail with an error.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".lifeline/config.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(loginCmd, whoamiCmd, logoutCmd, stashEmailCmd)
	rootCmd.AddCommand(submitCmd, flushCmd, pendingCmd, purgeCmd, dropCmd, watchCmd)
	rootCmd.AddCommand(generateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
