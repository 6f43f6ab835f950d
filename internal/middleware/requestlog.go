package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/pedolone/consent-service/internal/logger"
)

// RequestLogger injects a request-scoped zap logger carrying request_id,
// method and path, and logs one line per request. It must run after
// echo's RequestID middleware.
func RequestLogger(base *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid := req.Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = c.Response().Header().Get(echo.HeaderXRequestID)
			}
			l := base.With(logger.RequestID(rid), zap.String("method", req.Method), zap.String("path", c.Path()))
			c.SetRequest(req.WithContext(logger.ToContext(req.Context(), l)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			fields := []zap.Field{
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", c.RealIP()),
			}
			// JWTAuth may have enriched the scoped logger.
			scoped := logger.From(c.Request().Context())
			switch {
			case status >= 500:
				scoped.Error("request", append(fields, logger.Err(err))...)
			case status >= 400:
				scoped.Warn("request", fields...)
			default:
				scoped.Info("request", fields...)
			}
			return nil
		}
	}
}
