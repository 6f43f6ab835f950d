// Package router registers the HTTP surface on an echo instance.
package router

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pedolone/consent-service/internal/config"
	"github.com/pedolone/consent-service/internal/handler"
	"github.com/pedolone/consent-service/internal/metrics"
	"github.com/pedolone/consent-service/internal/middleware"
	"github.com/pedolone/consent-service/internal/model"
)

// Deps carries everything the routes need. Redis may be nil, which turns
// the rate limiter and response cache into pass-throughs.
type Deps struct {
	JWTSecret string
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	Redis     *redis.Client
	Logger    *zap.Logger

	Auth      *handler.AuthHandler
	Public    *handler.PublicHandler
	Consent   *handler.ConsentHandler
	Contracts *handler.ContractHandler
	Requests  *handler.RequestHandler
}

// New builds an echo instance with the global middleware chain and every
// route registered.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(log))
	e.Use(metrics.Middleware())

	RegisterRoutes(e)
	RegisterPublic(e, d)
	RegisterAuth(e, d)
	RegisterIndividual(e, d)
	RegisterOrganization(e, d)
	return e
}

// RegisterRoutes registers the operational endpoints.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

// RegisterPublic registers unauthenticated reference data. GETs go through
// the response cache.
func RegisterPublic(e *echo.Echo, d Deps) {
	limit := middleware.NewTokenBucket(d.RateLimit, d.Redis)
	cache := middleware.NewRedisCache(d.Cache, d.Redis)

	g := e.Group("/v1", limit)
	g.GET("/organizations", d.Public.ListOrganizations, cache)
	g.GET("/tokenize/resources", d.Public.ListResources, cache)
	g.POST("/tokenize/:resource", d.Public.Tokenize)
}

// RegisterAuth registers account endpoints. The unauthenticated ones share
// a stricter bucket.
func RegisterAuth(e *echo.Echo, d Deps) {
	g := e.Group("/v1/auth", middleware.NewTokenBucket(d.RateLimit.ForAuth(), d.Redis))
	g.POST("/register", d.Auth.Register)
	g.POST("/verify", d.Auth.Verify)
	g.POST("/login", d.Auth.Login)
	g.POST("/refresh", d.Auth.Refresh)
	g.POST("/logout", d.Auth.Logout)

	e.GET("/v1/me", d.Auth.Me, middleware.JWTAuth(d.JWTSecret), middleware.NewTokenBucket(d.RateLimit, d.Redis))
}

// RegisterIndividual registers routes for individual users. Responding to
// a data request is also open to organization admins of the user's org;
// the workflow decides who may answer.
func RegisterIndividual(e *echo.Echo, d Deps) {
	g := e.Group("/v1",
		middleware.JWTAuth(d.JWTSecret),
		middleware.NewTokenBucket(d.RateLimit, d.Redis),
	)
	ind := middleware.RequireUserType(model.UserTypeIndividual)

	g.POST("/pii", d.Consent.SubmitPII, ind)
	g.GET("/pii", d.Consent.ListPII, ind)
	g.POST("/policies", d.Consent.CreatePolicy, ind)
	g.GET("/policies", d.Consent.ListPolicies, ind)
	g.POST("/policies/:id/revoke", d.Consent.RevokePolicy, ind)
	g.GET("/audit-logs", d.Consent.AuditLogs, ind)
	g.GET("/data-requests/received", d.Requests.Received, ind)

	// Both parties of a policy may check it.
	g.GET("/policies/:id/verify", d.Consent.VerifyPolicy)
	g.POST("/data-requests/:id/respond", d.Requests.Respond,
		middleware.RequireUserType(model.UserTypeIndividual, model.UserTypeOrganization))
}

// RegisterOrganization registers routes for organization admins.
func RegisterOrganization(e *echo.Echo, d Deps) {
	g := e.Group("/v1",
		middleware.JWTAuth(d.JWTSecret),
		middleware.NewTokenBucket(d.RateLimit, d.Redis),
	)
	org := middleware.RequireUserType(model.UserTypeOrganization)

	g.POST("/contracts", d.Contracts.Propose, org)
	g.GET("/contracts", d.Contracts.List, org)
	g.GET("/contracts/:id", d.Contracts.Get, org)
	g.GET("/contracts/:id/logs", d.Contracts.Logs, org)
	g.GET("/contracts/:id/compliance", d.Contracts.Compliance, org)
	g.POST("/contracts/:id/respond", d.Contracts.Respond, org)
	g.POST("/contracts/:id/update", d.Contracts.ProposeUpdate, org)
	g.POST("/contracts/:id/deletion", d.Contracts.RequestDeletion, org)
	g.POST("/contracts/:id/action", d.Contracts.RespondToAction, org)
	g.POST("/contracts/:id/terminate", d.Contracts.Terminate, org)

	g.POST("/data-requests", d.Requests.Create, org)
	g.GET("/data-requests/sent", d.Requests.Sent, org)
	g.POST("/bulk-requests", d.Requests.CreateBulk, org)
	g.GET("/bulk-requests/:id", d.Requests.GetBulk, org)
	g.POST("/bulk-requests/:id/approve", d.Requests.ApproveBulk, org)

	g.GET("/clients/:user_id/pii/:resource", d.Consent.AccessClientData, org)
}
