package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pedolone/consent-service/internal/model"
)

const principalKey = "principal"

// Principal returns the caller stored by JWTAuth.
func Principal(c echo.Context) (model.Principal, bool) {
	p, ok := c.Get(principalKey).(model.Principal)
	return p, ok
}

// SetPrincipal stores p as the authenticated caller.
func SetPrincipal(c echo.Context, p model.Principal) {
	c.Set(principalKey, p)
}

// callerID identifies the caller for rate limiting; "anon" before login.
func callerID(c echo.Context) string {
	if p, ok := Principal(c); ok && p.UserID != 0 {
		return strconv.FormatUint(p.UserID, 10)
	}
	return "anon"
}
