package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pedolone/consent-service/internal/logger"
	"github.com/pedolone/consent-service/internal/middleware"
	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/repository"
	"github.com/pedolone/consent-service/internal/service"
	"github.com/pedolone/consent-service/internal/tokenizer"
)

// fail writes err as {"error": ...} with the status its kind maps to.
// Typed errors also carry the offending items.
func fail(c echo.Context, err error) error {
	var (
		verr    *tokenizer.ValidationError
		resErr  *service.UnsupportedResourcesError
		purpErr *service.UnsupportedPurposesError
		missErr *service.MissingResourcesError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error(), "resource": verr.Resource})
	case errors.As(err, &resErr):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error(), "resources": resErr.Resources})
	case errors.As(err, &purpErr):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error(), "violations": purpErr.Violations})
	case errors.As(err, &missErr):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error(), "user_id": missErr.UserID, "resources": missErr.Resources})
	case errors.Is(err, service.ErrSignatureMismatch):
		logger.From(c.Request().Context()).Error("integrity check failed", logger.Err(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}

	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.From(c.Request().Context()).Error("request failed", logger.Err(err))
		return c.JSON(status, echo.Map{"error": "internal error"})
	}
	return c.JSON(status, echo.Map{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, tokenizer.ErrUnsupportedResource),
		errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateContract),
		errors.Is(err, service.ErrAlreadyResponded),
		errors.Is(err, service.ErrActionPending),
		errors.Is(err, service.ErrNoPendingAction),
		errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrStaleConsent),
		errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrResourceNotAllowed),
		errors.Is(err, service.ErrNoActiveContract),
		errors.Is(err, service.ErrOrganizationUnresolved):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// caller returns the principal set by JWTAuth. Routes without it are a
// wiring bug, answered with 401.
func caller(c echo.Context) (model.Principal, error) {
	p, ok := middleware.Principal(c)
	if !ok {
		return model.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return p, nil
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}
