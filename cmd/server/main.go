// Command server runs the consent service.
//
//	server serve     HTTP API plus the TTL sweeper (and the queue consumer with --consume)
//	server migrate   apply the embedded schema
//	server sweep     run one cleanup sweep and exit
//	server consume   drain the notification and export queues
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pedolone/consent-service/internal/config"
	"github.com/pedolone/consent-service/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "server",
		Short:         "Consent and inter-organization contract service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A missing .env is normal outside development.
			if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd(), consumeCmd())
	return root
}

// loadConfig reads the environment and initializes the logger.
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logger.Init(logger.Config{Env: cfg.Env, Level: cfg.LogLevel, ServiceName: "consent-service"})
	return cfg, log, nil
}
