package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chaintrack/internal/app"
	"chaintrack/internal/config"
	"chaintrack/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "chaintrack",
	Short:         "Resolve and analyse Ethereum transactions",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Name() == versionCmd.Name() {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}

		logger := logging.NewLogger(cfg.Logging)
		logger.Debug().
			Str("environment", cfg.App.Environment).
			Str("storage", cfg.Storage.Driver).
			Bool("llm_configured", cfg.LLM.Configured()).
			Bool("ml_enabled", cfg.ML.Enabled).
			Msg("configuration loaded")
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (json or console)")

	rootCmd.AddCommand(serveCmd, resolveCmd, analyzeCmd, discoverCmd, showCmd, backfillCmd, versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
