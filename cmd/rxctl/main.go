// Package main provides rxctl, the operator CLI for the dispensing services.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/config"
	"github.com/drfirst/go-rxdispense/internal/infrastructure/postgres"
)

// env is what every subcommand starts from.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	var (
		configFile string
		e          env
	)

	rootCmd := &cobra.Command{
		Use:           "rxctl",
		Short:         "Operate the prescription and dispensing services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load("rxctl", configFile)
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			e = env{cfg: cfg, logger: logger}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (defaults to .env)")

	rootCmd.AddCommand(migrateCmd(&e))
	rootCmd.AddCommand(seedCatalogCmd(&e))
	rootCmd.AddCommand(sweepCmd(&e))
	rootCmd.AddCommand(topicsCmd(&e))
	rootCmd.AddCommand(tokenCmd(&e))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (e *env) connect(ctx context.Context) (*pgxpool.Pool, error) {
	return postgres.Connect(ctx, postgres.PoolConfig{
		URL:      e.cfg.DatabaseURL,
		MaxConns: 4,
		MinConns: 1,
	}, e.logger)
}
