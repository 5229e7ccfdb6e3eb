package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/iliyamo/restaurant-reservation/internal/config"
	"github.com/iliyamo/restaurant-reservation/internal/database"
	"github.com/iliyamo/restaurant-reservation/internal/handler"
	"github.com/iliyamo/restaurant-reservation/internal/messaging"
	"github.com/iliyamo/restaurant-reservation/internal/reconciler"
	"github.com/iliyamo/restaurant-reservation/internal/router"
)

func newServeCmd() *cobra.Command {
	var migrateUp, reconcile bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the reply consumer and the lifecycle reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			log := a.log

			if migrateUp {
				if err := database.Migrate(ctx, a.db); err != nil {
					return err
				}
			}

			go a.registry.RunSweeper(ctx, a.cfg.Messaging.SweepInterval)
			replies := messaging.NewRouter(a.registry, log)
			go func() {
				if err := a.bus.Run(ctx, replies.Handle); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("broker consumer stopped", "error", err)
				}
			}()

			if reconcile {
				rec := reconciler.New(a.svc, reconciler.Options{
					Interval:  a.cfg.Reconciler.Interval,
					BatchSize: a.cfg.Reconciler.BatchSize,
					Logger:    log,
					Metrics:   reconciler.NewMetrics(prometheus.DefaultRegisterer),
				})
				go func() { _ = rec.Run(ctx) }()
			}

			rdb, err := config.NewRedisClient(config.LoadRedisConfig())
			if err != nil {
				log.Warn("redis unavailable, rate limiting per instance and search cache off", "error", err)
			} else {
				defer func() { _ = rdb.Close() }()
			}

			e := router.New(router.Deps{
				Reservations: handler.NewReservationHandler(a.svc, log),
				JWTSecret:    a.cfg.JWTSecret,
				Redis:        rdb,
				RateLimit:    config.LoadRateLimitConfig(),
				Cache:        config.LoadCacheConfig(),
				DB:           a.db,
				Logger:       log,
			})

			addr := ":" + a.cfg.Port
			errc := make(chan error, 1)
			go func() {
				log.Info("listening", "addr", addr, "env", a.cfg.Env)
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errc:
				return err
			}

			log.Info("shutting down", "timeout", a.cfg.ShutdownTimeout)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "apply the database schema on startup")
	cmd.Flags().BoolVar(&reconcile, "reconcile", true, "run the lifecycle reconciler in this process")
	return cmd
}
