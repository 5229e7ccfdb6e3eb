package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/iliyamo/restaurant-reservation/internal/config"
	"github.com/iliyamo/restaurant-reservation/internal/database"
	"github.com/iliyamo/restaurant-reservation/internal/ledger"
	"github.com/iliyamo/restaurant-reservation/internal/logging"
	"github.com/iliyamo/restaurant-reservation/internal/messaging"
	"github.com/iliyamo/restaurant-reservation/internal/remote"
	"github.com/iliyamo/restaurant-reservation/internal/repository"
	"github.com/iliyamo/restaurant-reservation/internal/service"
)

const serviceName = "reservation-service"

// app holds the components every command that touches reservations needs.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	db       *sql.DB
	bus      *messaging.Bus
	registry *messaging.Registry
	svc      *service.ReservationService
}

func loadApp() (*app, error) {
	cfg := config.Load()
	logger := logging.Setup(serviceName, cfg.Env, cfg.LogLevel)

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := cfg.Messaging
	// replies to a previous process of this instance must not be consumed
	replyQueue := m.ReplyQueuePrefix + "." + uuid.NewString()
	bus := messaging.NewBus(messaging.BusConfig{
		URL:             m.URL,
		RestaurantQueue: m.RestaurantQueue,
		TableQueue:      m.TableQueue,
		ReplyQueue:      replyQueue,
		PushQueue:       m.PushQueue,
		EventsExchange:  m.EventsExchange,
		Prefetch:        m.Prefetch,
		ReadyTimeout:    m.RequestTimeout,
	}, logger)

	metrics := messaging.DefaultMetrics()
	registry := messaging.NewRegistry(messaging.RegistryOptions{Logger: logger, Metrics: metrics})
	dispatcher := messaging.NewDispatcher(registry, bus, messaging.DispatcherOptions{
		Logger:  logger,
		Metrics: metrics,
		Timeout: m.RequestTimeout,
	})

	p := cfg.Reservation
	quotas := ledger.New(repository.NewQuotaRepo(db),
		ledger.Limits{MaxReservations: p.SlotMaxReservations, MaxCapacity: p.SlotMaxCapacity},
		logger, ledger.DefaultMetrics())
	svc := service.NewReservationService(repository.NewReservationRepo(db), remote.NewClient(dispatcher), quotas, p,
		service.Options{Events: bus, Logger: logger})

	return &app{cfg: cfg, log: logger, db: db, bus: bus, registry: registry, svc: svc}, nil
}

func (a *app) Close() {
	if err := a.bus.Close(); err != nil {
		a.log.Warn("closing broker connection", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("closing database", "error", err)
	}
}
