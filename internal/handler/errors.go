package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/restaurant-reservation/internal/messaging"
	"github.com/iliyamo/restaurant-reservation/internal/service"
)

// writeError maps service and transport errors onto HTTP responses.
// Unexpected errors are logged and answered with a generic message.
func writeError(c echo.Context, log *slog.Logger, err error) error {
	var (
		verr *service.ValidationError
		ferr *service.ForbiddenError
		nerr *service.NotFoundError
		cerr *service.ConflictError
		serr *service.StateConflictError
		terr *messaging.TimeoutError
		rerr *messaging.RemoteError
	)
	switch {
	case errors.As(err, &verr):
		body := echo.Map{"error": verr.Message}
		if verr.Field != "" {
			body["field"] = verr.Field
		}
		return c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &ferr):
		return c.JSON(http.StatusForbidden, echo.Map{"error": ferr.Message})
	case errors.As(err, &nerr):
		return c.JSON(http.StatusNotFound, echo.Map{"error": nerr.Error()})
	case errors.As(err, &cerr):
		return c.JSON(http.StatusConflict, echo.Map{"error": cerr.Message})
	case errors.As(err, &serr):
		return c.JSON(http.StatusConflict, echo.Map{"error": serr.Error(), "status": serr.Status})
	case errors.As(err, &terr):
		log.Warn("remote service timed out", "path", c.Path(), "kind", terr.Kind, "after", terr.After)
		return c.JSON(http.StatusGatewayTimeout, echo.Map{"error": "a downstream service did not answer in time"})
	case errors.As(err, &rerr):
		log.Warn("remote service failed", "path", c.Path(), "kind", rerr.Kind, "error", rerr.Message)
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "a downstream service failed"})
	case errors.Is(err, context.Canceled):
		return c.NoContent(499)
	}
	log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
