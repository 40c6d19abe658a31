package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ledgerline/billing/internal/config"
	"github.com/ledgerline/billing/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "billing-engine",
	Short: "Invoice lifecycle and recurring-invoice generation engine",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		_ = godotenv.Load()
		cfg := config.Load()
		return logger.Setup(cfg.LogLevel, cfg.LogFormat)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the periodic generation scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), config.Load())
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single scheduler pass and exit (for cron)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTick(cmd.Context(), config.Load())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg := config.Load()
		_, err := openDB(cfg)
		if err == nil {
			log.Info().Msg("migrations completed")
		}
		return err
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, tickCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
