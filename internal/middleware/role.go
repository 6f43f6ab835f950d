package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pedolone/consent-service/internal/model"
)

// RequireUserType aborts with 403 unless the caller's user type is one of
// types. Organization callers must also carry an org_id.
func RequireUserType(types ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := Principal(c)
			if !ok || !allowed[p.UserType] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			if p.UserType == model.UserTypeOrganization && p.OrgID == "" {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "organization account without org_id"})
			}
			return next(c)
		}
	}
}
