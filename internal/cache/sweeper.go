package cache

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/pkg/logger"
	"github.com/charlesng35/pawsync/pkg/metrics"
)

const (
	defaultTTL           = 14 * 24 * time.Hour
	defaultSweepSchedule = "@every 24h"
)

// Sweeper evicts cache records older than the TTL. It runs once at startup
// and then on a fixed schedule; sweeps are best-effort and never interfere
// with reads.
type Sweeper struct {
	local    store.CacheStore
	ttl      time.Duration
	schedule string
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger

	entryID cron.EntryID
	started bool
}

// SweeperOption customises the Sweeper.
type SweeperOption func(*Sweeper)

// WithTTL overrides the eviction age.
func WithTTL(ttl time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSchedule overrides the cron specification for periodic sweeps.
func WithSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) SweeperOption {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSweeperNow overrides the clock used for the TTL cutoff.
func WithSweeperNow(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSweeper constructs a Sweeper over the local cache store.
func NewSweeper(local store.CacheStore, opts ...SweeperOption) (*Sweeper, error) {
	if local == nil {
		return nil, errors.New("sweeper: local store is required")
	}

	s := &Sweeper{
		local:    local,
		ttl:      defaultTTL,
		schedule: defaultSweepSchedule,
		cron:     cron.New(),
		now:      time.Now,
		log:      logger.WithModule("cache.sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs an immediate sweep in the background and schedules periodic
// ones.
func (s *Sweeper) Start() error {
	if s.started {
		return nil
	}

	id, err := s.cron.AddFunc(s.schedule, func() {
		s.sweep(context.Background())
	})
	if err != nil {
		return err
	}
	s.entryID = id
	s.started = true
	s.cron.Start()

	go s.sweep(context.Background())
	return nil
}

// Stop cancels the periodic sweep.
func (s *Sweeper) Stop() {
	if !s.started {
		return
	}
	s.cron.Remove(s.entryID)
	s.cron.Stop()
	s.started = false
}

// RunOnce evicts expired records and reports how many were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl)
	removed, err := s.local.DeleteCacheRecordsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.CacheEvictions.Add(float64(removed))
	return removed, nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Warn("cache sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.log.Info("cache sweep complete", zap.Int64("evicted", removed))
	}
}
