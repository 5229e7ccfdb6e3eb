package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/iliyamo/restaurant-reservation/internal/config"
	"github.com/iliyamo/restaurant-reservation/internal/database"
	"github.com/iliyamo/restaurant-reservation/internal/logging"
	"github.com/iliyamo/restaurant-reservation/internal/middleware"
	"github.com/iliyamo/restaurant-reservation/internal/reconciler"
	"github.com/iliyamo/restaurant-reservation/internal/utils"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log := logging.Setup(serviceName, cfg.Env, cfg.LogLevel)
			db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := database.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			log.Info("schema up to date")
			return nil
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Expire unconfirmed and complete elapsed reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rec := reconciler.New(a.svc, reconciler.Options{
				Interval:  a.cfg.Reconciler.Interval,
				BatchSize: a.cfg.Reconciler.BatchSize,
				Logger:    a.log,
				Metrics:   reconciler.NewMetrics(prometheus.DefaultRegisterer),
			})
			if !once {
				if err := rec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			res := rec.Sweep(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d completed=%d skipped=%d failed=%d\n",
				res.Expired, res.Completed, res.Skipped, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d reservations could not be reconciled", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

// newTokenCmd signs an access token for local testing against the API.
func newTokenCmd() *cobra.Command {
	var (
		userID uint64
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed access token for a user id and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			role = strings.ToUpper(role)
			if role != middleware.RoleCustomer && role != middleware.RoleOwner {
				return fmt.Errorf("role must be %s or %s", middleware.RoleCustomer, middleware.RoleOwner)
			}
			if userID == 0 {
				return errors.New("--user is required")
			}
			tok, err := utils.NewAccessToken(os.Getenv("JWT_SECRET"), userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&userID, "user", 0, "subject user id")
	cmd.Flags().StringVar(&role, "role", middleware.RoleCustomer, "CUSTOMER or OWNER")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
