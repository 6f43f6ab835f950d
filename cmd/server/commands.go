package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pedolone/consent-service/internal/database"
	"github.com/pedolone/consent-service/internal/queue"
)

func serveCmd() *cobra.Command {
	var (
		consume bool
		migrate bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the TTL sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				n, err := database.Migrate(ctx, a.db)
				if err != nil {
					return err
				}
				log.Info("migrations applied", zap.Int("count", n))
			}

			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           a.router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return a.sweeper().Run(gctx) })
			if consume {
				g.Go(func() error {
					return queue.NewConsumer(cfg.RabbitURL, cfg.NotificationDir).Run(gctx)
				})
			}
			err = g.Wait()
			log.Info("shut down", zap.Error(err))
			return err
		},
	}
	cmd.Flags().BoolVar(&consume, "consume", false, "also run the queue consumer in-process")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.Open(ctx, dbOptions(cfg))
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := database.Migrate(ctx, db)
			if err != nil {
				return err
			}
			log.Info("migrations applied", zap.Int("count", n))
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one TTL sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			res := a.sweeper().SweepOnce(ctx)
			log.Info("sweep finished",
				zap.Int64("policies", res.Policies),
				zap.Int64("requests", res.Requests),
				zap.Int64("tokens", res.Tokens),
				zap.Int64("contracts", res.Contracts),
				zap.Int64("unverified", res.Unverified))
			return nil
		},
	}
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Drain the notification and bulk export queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			log.Info("consumer starting", zap.String("dir", cfg.NotificationDir))
			return queue.NewConsumer(cfg.RabbitURL, cfg.NotificationDir).Run(cmd.Context())
		},
	}
}
