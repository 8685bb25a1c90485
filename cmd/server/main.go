package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"localphotos/internal/config"
	"localphotos/internal/storage"
)

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "localphotos",
		Short: "Self-hosted photo storage server",
		Long: `localphotos stores uploaded photos on local disk, groups them by day
and serves them to their owners or, for shared photos, to everyone.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (json, yaml or toml)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openDB opens the configured database, creating the directory of a sqlite
// file first.
func openDB(ctx context.Context, cfg *config.Config) (*storage.DB, error) {
	if cfg.DBDriver == storage.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return storage.Open(ctx, cfg.DBDriver, cfg.DBPath)
}
