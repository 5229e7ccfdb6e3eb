package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/restaurant-reservation/internal/logging"
	"github.com/iliyamo/restaurant-reservation/internal/middleware"
	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/service"
)

// ReservationHandler exposes the reservation state machine over HTTP.  The
// routes it serves run behind JWTAuth and RequireRole; ownership of the
// reservation or restaurant is checked by the service.
type ReservationHandler struct {
	svc *service.ReservationService
	log *slog.Logger
}

func NewReservationHandler(svc *service.ReservationService, logger *slog.Logger) *ReservationHandler {
	return &ReservationHandler{svc: svc, log: logging.Component(logger, "http")}
}

type createRequest struct {
	RestaurantID    uint64    `json:"restaurant_id"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	PartySize       int       `json:"party_size"`
	CustomerName    string    `json:"customer_name"`
	CustomerEmail   string    `json:"customer_email"`
	CustomerPhone   string    `json:"customer_phone"`
	SpecialRequests string    `json:"special_requests"`
}

type modifyRequest struct {
	StartsAt        *time.Time `json:"starts_at"`
	DurationMinutes *int       `json:"duration_minutes"`
	PartySize       *int       `json:"party_size"`
	CustomerName    *string    `json:"customer_name"`
	CustomerEmail   *string    `json:"customer_email"`
	CustomerPhone   *string    `json:"customer_phone"`
	SpecialRequests *string    `json:"special_requests"`
}

// reservationResponse adds the duration in minutes, which the model keeps
// as a time.Duration.
type reservationResponse struct {
	*model.Reservation
	DurationMinutes int `json:"duration_minutes"`
}

func present(r *model.Reservation) reservationResponse {
	return reservationResponse{Reservation: r, DurationMinutes: r.DurationMinutes()}
}

func presentAll(rs []model.Reservation) []reservationResponse {
	out := make([]reservationResponse, 0, len(rs))
	for i := range rs {
		out = append(out, present(&rs[i]))
	}
	return out
}

// Create handles POST /v1/reservations.
func (h *ReservationHandler) Create(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.DurationMinutes < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "duration_minutes must not be negative", "field": "duration_minutes"})
	}
	res, err := h.svc.Create(c.Request().Context(), userID, service.CreateInput{
		RestaurantID:    req.RestaurantID,
		StartsAt:        req.StartsAt,
		Duration:        time.Duration(req.DurationMinutes) * time.Minute,
		PartySize:       req.PartySize,
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		SpecialRequests: req.SpecialRequests,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, present(res))
}

// Get handles GET /v1/reservations/:id.
func (h *ReservationHandler) Get(c echo.Context) error {
	actor, id, err := h.target(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, present(res))
}

// History handles GET /v1/reservations/:id/history.
func (h *ReservationHandler) History(c echo.Context) error {
	actor, id, err := h.target(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.History(c.Request().Context(), actor, id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"history": entries})
}

// ListMine handles GET /v1/reservations/mine?limit=&offset=.
func (h *ReservationHandler) ListMine(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	out, err := h.svc.ListMine(c.Request().Context(), userID, limit, offset)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"reservations": presentAll(out)})
}

// Confirm handles POST /v1/reservations/:id/confirm.
func (h *ReservationHandler) Confirm(c echo.Context) error {
	actor, id, err := h.target(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Confirm(c.Request().Context(), actor, id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, present(res))
}

// Cancel handles POST /v1/reservations/:id/cancel with an optional
// {"reason": "..."} body.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	actor, id, err := h.target(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
		}
	}
	out, err := h.svc.Cancel(c.Request().Context(), actor, id, body.Reason)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"reservation":       present(out.Reservation),
		"already_cancelled": out.AlreadyCancelled,
	})
}

// Modify handles PATCH /v1/reservations/:id.
func (h *ReservationHandler) Modify(c echo.Context) error {
	actor, id, err := h.target(c)
	if err != nil {
		return err
	}
	var req modifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	in := service.ModifyInput{
		StartsAt:        req.StartsAt,
		PartySize:       req.PartySize,
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		SpecialRequests: req.SpecialRequests,
	}
	if req.DurationMinutes != nil {
		d := time.Duration(*req.DurationMinutes) * time.Minute
		in.Duration = &d
	}
	res, err := h.svc.Modify(c.Request().Context(), actor, id, in)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, present(res))
}

// Complete handles POST /v1/reservations/:id/complete.
func (h *ReservationHandler) Complete(c echo.Context) error {
	actor, id, err := h.target(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Complete(c.Request().Context(), actor, id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, present(res))
}

// NoShow handles POST /v1/reservations/:id/no-show.
func (h *ReservationHandler) NoShow(c echo.Context) error {
	actor, id, err := h.target(c)
	if err != nil {
		return err
	}
	res, err := h.svc.MarkNoShow(c.Request().Context(), actor, id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, present(res))
}

// ListForRestaurant handles GET /v1/restaurants/:id/reservations with
// optional status, from and to (RFC 3339) query parameters.
func (h *ReservationHandler) ListForRestaurant(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	restaurantID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || restaurantID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid restaurant id"})
	}
	var from, to time.Time
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		if v := c.QueryParam(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return c.JSON(http.StatusBadRequest, echo.Map{"error": name + " must be an RFC 3339 timestamp", "field": name})
			}
			*dst = t.UTC()
		}
	}
	out, err := h.svc.ListForRestaurant(c.Request().Context(), actor, restaurantID, model.Status(c.QueryParam("status")), from, to)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"reservations": presentAll(out)})
}

// Availability handles GET /v1/restaurants/:id/availability?date=&slot=.
func (h *ReservationHandler) Availability(c echo.Context) error {
	restaurantID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || restaurantID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid restaurant id"})
	}
	q, err := h.svc.Availability(c.Request().Context(), restaurantID, c.QueryParam("date"), c.QueryParam("slot"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"restaurant_id":          q.RestaurantID,
		"date":                   q.Date,
		"slot":                   q.Slot,
		"remaining_reservations": q.RemainingReservations(),
		"remaining_capacity":     q.RemainingCapacity(),
		"max_reservations":       q.MaxReservations,
		"max_capacity":           q.MaxCapacity,
	})
}

// SearchRestaurants handles GET /v1/restaurants/search?q=&city=&limit=.
func (h *ReservationHandler) SearchRestaurants(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	out, err := h.svc.SearchRestaurants(c.Request().Context(), c.QueryParam("q"), c.QueryParam("city"), limit)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"restaurants": out})
}

// target resolves the caller and the :id path parameter.  The returned
// error is an *echo.HTTPError the default error handler renders as JSON.
func (h *ReservationHandler) target(c echo.Context) (model.Actor, uint64, error) {
	actor, ok := actorFrom(c)
	if !ok {
		return actor, 0, echo.NewHTTPError(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return actor, 0, echo.NewHTTPError(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
	}
	return actor, id, nil
}

func actorFrom(c echo.Context) (model.Actor, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		return model.Actor{}, false
	}
	switch middleware.Role(c) {
	case middleware.RoleCustomer:
		return model.Actor{ID: id, Type: model.ActorUser}, true
	case middleware.RoleOwner:
		return model.Actor{ID: id, Type: model.ActorOwner}, true
	}
	return model.Actor{}, false
}
