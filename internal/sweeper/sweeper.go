// Package sweeper enforces time-to-live on stored records. Expired
// policies, data requests and refresh tokens are deleted, contracts past
// ends_at are marked expired and stale unverified registrations removed.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pedolone/consent-service/internal/logger"
)

// ExpiringStore deletes rows whose lifetime ended before now.
type ExpiringStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ContractExpirer closes contracts whose ends_at has passed.
type ContractExpirer interface {
	ExpireEnded(ctx context.Context, now time.Time) (int64, error)
}

// UnverifiedPurger removes registrations never verified since cutoff.
type UnverifiedPurger interface {
	DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config wires the stores. Nil stores are skipped.
type Config struct {
	Policies      ExpiringStore
	Requests      ExpiringStore
	Tokens        ExpiringStore
	Contracts     ContractExpirer
	Users         UnverifiedPurger
	UnverifiedTTL time.Duration
	Interval      time.Duration
	Now           func() time.Time
}

// Sweeper runs one sweep per interval until its context ends.
type Sweeper struct {
	cfg Config
}

// Result counts the rows touched by one sweep.
type Result struct {
	Policies   int64
	Requests   int64
	Tokens     int64
	Contracts  int64
	Unverified int64
}

func New(cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.UnverifiedTTL <= 0 {
		cfg.UnverifiedTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{cfg: cfg}
}

// Run sweeps immediately and then on every tick. It returns nil when ctx
// is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	log := logger.From(ctx).With(logger.Component("sweeper"))
	log.Info("sweeper started", zap.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		res := s.SweepOnce(ctx)
		if res != (Result{}) {
			log.Info("sweep finished",
				zap.Int64("policies", res.Policies),
				zap.Int64("requests", res.Requests),
				zap.Int64("tokens", res.Tokens),
				zap.Int64("contracts", res.Contracts),
				zap.Int64("unverified_users", res.Unverified))
		}
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce runs every step once. A failing step is logged and does not
// stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) Result {
	now := s.cfg.Now().UTC()
	var res Result
	step := func(name string, dst *int64, fn func() (int64, error)) {
		n, err := fn()
		if err != nil {
			logger.From(ctx).Warn("sweep step failed", logger.Component("sweeper"), logger.Op(name), logger.Err(err))
			return
		}
		*dst = n
	}
	if s.cfg.Policies != nil {
		step("policies", &res.Policies, func() (int64, error) { return s.cfg.Policies.DeleteExpired(ctx, now) })
	}
	if s.cfg.Requests != nil {
		step("data_requests", &res.Requests, func() (int64, error) { return s.cfg.Requests.DeleteExpired(ctx, now) })
	}
	if s.cfg.Tokens != nil {
		step("refresh_tokens", &res.Tokens, func() (int64, error) { return s.cfg.Tokens.DeleteExpired(ctx, now) })
	}
	if s.cfg.Contracts != nil {
		step("contracts", &res.Contracts, func() (int64, error) { return s.cfg.Contracts.ExpireEnded(ctx, now) })
	}
	if s.cfg.Users != nil {
		cutoff := now.Add(-s.cfg.UnverifiedTTL)
		step("unverified_users", &res.Unverified, func() (int64, error) { return s.cfg.Users.DeleteUnverifiedBefore(ctx, cutoff) })
	}
	return res
}
