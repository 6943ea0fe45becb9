package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stockpilot/realtime/internal/config"
	"github.com/stockpilot/realtime/internal/logging"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	configPath string
	envFile    string
	logLevel   string
	prettyLogs bool
)

// cfg is loaded once in PersistentPreRunE and shared by every subcommand.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "stockpilot",
	Short: "StockPilot realtime inventory channel",
	Long: `StockPilot pushes stock movements, low-stock alerts and dashboard
signals to connected clients as they happen.

Run 'stockpilot serve' to start the hub, 'stockpilot watch' to follow it
from a terminal, or 'stockpilot token' to mint a development token.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "Human-readable console logs")

	rootCmd.SetVersionTemplate(fmt.Sprintf("stockpilot %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(tokenCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	loaded, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	loaded.ApplyEnv(os.LookupEnv)
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if prettyLogs {
		loaded.Log.Pretty = true
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg = loaded

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Log.Level)
	logCfg.Pretty = cfg.Log.Pretty
	logging.Init(logCfg)
	return nil
}
