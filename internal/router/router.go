package router // package router registers the HTTP routes of the API

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/restaurant-reservation/internal/config"
	"github.com/iliyamo/restaurant-reservation/internal/handler"
	"github.com/iliyamo/restaurant-reservation/internal/middleware"
)

// Deps carries what the routes need.  Redis, DB and Gatherer may be nil:
// rate limiting then runs per process, response caching is off, /readyz
// is not registered and /metrics serves the default registry.
type Deps struct {
	Reservations *handler.ReservationHandler
	JWTSecret    string
	Redis        *redis.Client
	RateLimit    config.RateLimitConfig
	Cache        config.CacheConfig
	DB           handler.Pinger
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger

	limiter echo.MiddlewareFunc
}

// limit shares one token bucket middleware across route groups.
func (d *Deps) limit() echo.MiddlewareFunc {
	if d.limiter == nil {
		d.limiter = middleware.NewTokenBucket(d.RateLimit, d.Redis, d.Logger)
	}
	return d.limiter
}

// New builds the echo instance with every route registered.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	d.limit()
	RegisterRoutes(e, d)
	RegisterPublic(e, d)
	RegisterCustomer(e, d)
	RegisterOwner(e, d)
	return e
}

// RegisterRoutes registers the unauthenticated operational endpoints.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health)
	if d.DB != nil {
		e.GET("/readyz", handler.Ready(d.DB))
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// RegisterPublic registers restaurant browse endpoints that guests may call.
func RegisterPublic(e *echo.Echo, d Deps) {
	h := d.Reservations
	g := e.Group("/v1/restaurants", d.limit())
	g.GET("/search", h.SearchRestaurants, middleware.NewRedisCache(d.Cache, d.Redis))
	g.GET("/:id/availability", h.Availability)
}

// RegisterCustomer registers the routes a customer drives a reservation
// through.  Get, history and cancel are shared with owners; the service
// checks that the caller owns the reservation or its restaurant.
func RegisterCustomer(e *echo.Echo, d Deps) {
	h := d.Reservations
	g := e.Group(
		"/v1/reservations",
		middleware.JWTAuth(d.JWTSecret),
		d.limit(),
	)
	customer := middleware.RequireRole(middleware.RoleCustomer)
	anyone := middleware.RequireRole(middleware.RoleCustomer, middleware.RoleOwner)

	g.POST("", h.Create, customer)
	g.GET("/mine", h.ListMine, customer)
	g.PATCH("/:id", h.Modify, customer)
	g.POST("/:id/confirm", h.Confirm, customer)
	g.GET("/:id", h.Get, anyone)
	g.GET("/:id/history", h.History, anyone)
	g.POST("/:id/cancel", h.Cancel, anyone)
}

// RegisterOwner registers restaurant-side operations.
func RegisterOwner(e *echo.Echo, d Deps) {
	h := d.Reservations
	auth := middleware.JWTAuth(d.JWTSecret)
	owner := middleware.RequireRole(middleware.RoleOwner)
	limit := d.limit()

	e.POST("/v1/reservations/:id/complete", h.Complete, auth, owner, limit)
	e.POST("/v1/reservations/:id/no-show", h.NoShow, auth, owner, limit)
	e.GET("/v1/restaurants/:id/reservations", h.ListForRestaurant, auth, owner, limit)
}
