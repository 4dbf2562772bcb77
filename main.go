package main

import (
	"os"

	"github.com/spf13/cobra"

	"evelogi/internal/config"
	"evelogi/internal/logger"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "evelogi",
	Short:         "Plan hauls from the reference market to your player structures",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./evelogi.yaml if present)")
	rootCmd.AddCommand(serveCmd, initDBCmd, initRolesCmd, setRoleCmd, tradeCmd, cleanupCmd)
}

// loadConfig reads the config and initialises the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Encoding); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		logger.Error("CLI", err.Error())
		os.Exit(1)
	}
}
