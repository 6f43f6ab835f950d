package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pedolone/consent-service/internal/logger"
	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/utils"
)

// JWTAuth validates a Bearer access token and stores the caller as a
// model.Principal in the echo context. Handlers read it with Principal(c).
// The scoped request logger gains user_id and org_id.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			cl, err := utils.ParseAccessToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			p := model.Principal{UserID: cl.UserID, UserType: cl.UserType, OrgID: cl.OrgID}
			c.Set(principalKey, p)

			req := c.Request()
			l := logger.From(req.Context()).With(logger.UserID(p.UserID), logger.OrgID(p.OrgID))
			c.SetRequest(req.WithContext(logger.ToContext(req.Context(), l)))
			return next(c)
		}
	}
}
