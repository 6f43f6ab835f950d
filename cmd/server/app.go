package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pedolone/consent-service/internal/config"
	"github.com/pedolone/consent-service/internal/database"
	"github.com/pedolone/consent-service/internal/geo"
	"github.com/pedolone/consent-service/internal/handler"
	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/queue"
	"github.com/pedolone/consent-service/internal/repository"
	"github.com/pedolone/consent-service/internal/router"
	"github.com/pedolone/consent-service/internal/secretbox"
	"github.com/pedolone/consent-service/internal/service"
	"github.com/pedolone/consent-service/internal/sweeper"
	"github.com/pedolone/consent-service/internal/utils"
)

// app owns the long-lived resources of one process.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	db    *sql.DB
	redis *redis.Client

	users     *repository.UserRepo
	tokens    *repository.TokenRepo
	orgs      *repository.OrganizationRepo
	policies  *repository.PolicyRepo
	contracts *repository.ContractRepo
	requests  *repository.DataRequestRepo
	audits    *repository.AuditRepo

	auditor         *service.Auditor
	policyEngine    *service.PolicyEngine
	contractEngine  *service.ContractEngine
	workflow        *service.RequestWorkflow
	defaultContract *model.Contract
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	db, err := database.Open(ctx, dbOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	box, err := secretbox.New(cfg.PIIEncryptionKey)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	signer, err := utils.NewSigner(cfg.PolicySecret)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		users:     repository.NewUserRepo(db),
		tokens:    repository.NewTokenRepo(db),
		orgs:      repository.NewOrganizationRepo(db),
		policies:  repository.NewPolicyRepo(db),
		contracts: repository.NewContractRepo(db),
		requests:  repository.NewDataRequestRepo(db),
		audits:    repository.NewAuditRepo(db),
	}

	rdb, err := config.NewRedisClient(ctx, config.LoadRedisConfig())
	if err != nil {
		log.Warn("redis unavailable; rate limiting and response cache disabled", zap.Error(err))
	} else {
		a.redis = rdb
	}

	def, err := config.LoadDefaultContract(cfg.DefaultContractPath)
	if err != nil {
		log.Warn("default contract not loaded; direct shares disabled", zap.Error(err))
	} else {
		a.defaultContract = def
	}

	// Interfaces stay nil when RabbitMQ is not configured.
	var (
		notifier service.Notifier
		exporter service.Exporter
	)
	if cfg.RabbitURL != "" {
		pub := queue.NewPublisher(cfg.RabbitURL)
		notifier, exporter = pub, pub
	}

	now := func() time.Time { return time.Now().UTC() }
	resolver := geo.NewResolver(geo.Config{BaseURL: cfg.GeoBaseURL, Timeout: cfg.GeoTimeout, CacheTTL: cfg.GeoCacheTTL})
	dir := repository.Directory{Users: a.users, Orgs: a.orgs}
	pii := repository.NewPIIRepo(db)

	a.auditor = service.NewAuditor(a.audits, notifier, resolver, now)
	a.policyEngine = service.NewPolicyEngine(service.PolicyDeps{
		PII:       pii,
		Policies:  a.policies,
		Contracts: a.contracts,
		Signer:    signer,
		Cipher:    box,
		Audit:     a.auditor,
		Now:       now,
	})
	a.contractEngine = service.NewContractEngine(service.ContractDeps{
		Contracts: a.contracts,
		Directory: dir,
		Signer:    signer,
		Audit:     a.auditor,
		Now:       now,
	})
	a.workflow = service.NewRequestWorkflow(service.RequestDeps{
		Requests:  a.requests,
		Contracts: a.contractEngine,
		Engine:    a.policyEngine,
		PII:       pii,
		Policies:  a.policies,
		Directory: dir,
		Cipher:    box,
		Exporter:  exporter,
		Audit:     a.auditor,
		Now:       now,
		TTL:       cfg.RequestTTL,
	})
	return a, nil
}

func (a *app) router() *echo.Echo {
	return router.New(router.Deps{
		JWTSecret: a.cfg.JWTSecret,
		RateLimit: config.LoadRateLimitConfig(),
		Cache:     config.LoadCacheConfig(),
		Redis:     a.redis,
		Logger:    a.log,
		Auth:      handler.NewAuthHandler(a.cfg, a.users, a.tokens, a.orgs, a.auditor),
		Public:    handler.NewPublicHandler(a.orgs),
		Consent:   handler.NewConsentHandler(a.policyEngine, a.defaultContract, a.audits),
		Contracts: handler.NewContractHandler(a.contractEngine, a.policyEngine),
		Requests:  handler.NewRequestHandler(a.workflow),
	})
}

func (a *app) sweeper() *sweeper.Sweeper {
	return sweeper.New(sweeper.Config{
		Policies:      a.policies,
		Requests:      a.requests,
		Tokens:        a.tokens,
		Contracts:     a.contracts,
		Users:         a.users,
		UnverifiedTTL: a.cfg.UnverifiedUserTTL,
		Interval:      a.cfg.SweepInterval,
		Now:           func() time.Time { return time.Now().UTC() },
	})
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}

func dbOptions(cfg config.Config) database.Options {
	return database.Options{User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName}
}
