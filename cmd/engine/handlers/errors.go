package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/waypointhq/waypoint/common/compiler"
	"github.com/waypointhq/waypoint/common/engine"
	"github.com/waypointhq/waypoint/common/models"
	"github.com/waypointhq/waypoint/common/store"
)

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": msg})
}

// writeError maps service errors onto HTTP statuses. Unrecognized errors
// become 500 without leaking internals.
func writeError(c echo.Context, err error) error {
	var validation *compiler.ValidationFailure
	if errors.As(err, &validation) {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":  "validation_failed",
			"errors": validation.Errors,
		})
	}

	var transition *models.StatusTransitionError
	if errors.As(err, &transition) {
		return c.JSON(http.StatusConflict, map[string]interface{}{"error": transition.Error()})
	}
	var notActive *engine.RunNotActiveError
	if errors.As(err, &notActive) {
		return c.JSON(http.StatusConflict, map[string]interface{}{"error": notActive.Error()})
	}

	switch {
	case errors.Is(err, store.ErrFlowNotFound),
		errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, store.ErrVersionNotFound),
		errors.Is(err, store.ErrEntityNotFound),
		errors.Is(err, store.ErrNodeNotFound):
		return c.JSON(http.StatusNotFound, map[string]interface{}{"error": err.Error()})
	}

	return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
}
