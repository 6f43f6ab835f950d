package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stub struct {
	mu    sync.Mutex
	n     int64
	err   error
	calls []time.Time
}

func (s *stub) record(t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, t)
	return s.n, s.err
}

func (s *stub) DeleteExpired(_ context.Context, now time.Time) (int64, error) { return s.record(now) }

func (s *stub) ExpireEnded(_ context.Context, now time.Time) (int64, error) { return s.record(now) }

func (s *stub) DeleteUnverifiedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return s.record(cutoff)
}

func (s *stub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestSweepOnce(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policies, requests, tokens := &stub{n: 3}, &stub{n: 2}, &stub{err: errors.New("db down")}
	contracts, users := &stub{n: 1}, &stub{n: 4}

	s := New(Config{
		Policies:      policies,
		Requests:      requests,
		Tokens:        tokens,
		Contracts:     contracts,
		Users:         users,
		UnverifiedTTL: 48 * time.Hour,
		Now:           func() time.Time { return now },
	})
	res := s.SweepOnce(context.Background())

	assert.Equal(t, Result{Policies: 3, Requests: 2, Contracts: 1, Unverified: 4}, res)
	require.Len(t, users.calls, 1)
	assert.Equal(t, now.Add(-48*time.Hour), users.calls[0])
	assert.Equal(t, now, policies.calls[0])
	assert.Equal(t, 1, tokens.count())
}

func TestSweepSkipsNilStores(t *testing.T) {
	policies := &stub{n: 1}
	res := New(Config{Policies: policies}).SweepOnce(context.Background())
	assert.Equal(t, Result{Policies: 1}, res)
}

func TestRunStopsOnCancel(t *testing.T) {
	policies := &stub{}
	s := New(Config{Policies: policies, Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return policies.count() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
