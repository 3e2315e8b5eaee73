package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/store"
	"github.com/aussiebroadwan/relay/pkg/clock"
)

// Cleaner is a cache that needs to be told to drop expired entries.
type Cleaner interface {
	Cleanup() int
}

// HousekeepingService periodically prunes audit rows for tokens that have
// expired and sweeps expired entries out of in-process caches.
type HousekeepingService struct {
	Audit    store.Revocations // optional
	Cache    Cleaner           // optional
	Logger   *slog.Logger
	Clock    clock.Clock
	Interval time.Duration

	started atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stop    sync.Once
}

// NewHousekeepingService creates a new housekeeping service with the given interval.
// If interval is 0 or negative, defaults to 1 hour.
func NewHousekeepingService(audit store.Revocations, cache Cleaner, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	return &HousekeepingService{
		Audit:    audit,
		Cache:    cache,
		Logger:   logger,
		Clock:    clock.Real(),
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Call Stop to shut it down.
func (s *HousekeepingService) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ticker := s.Clock.NewTicker(s.Interval)
	go s.run(ticker)
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop blocks until any in-progress cleanup has finished. It is safe to call
// more than once, and without Start.
func (s *HousekeepingService) Stop() {
	s.stop.Do(func() { close(s.stopCh) })
	if !s.started.Load() {
		return
	}
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run(ticker *clock.Ticker) {
	defer close(s.doneCh)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.Cleanup(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Cleanup(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Cleanup runs one pass. Each step is independent; a failure in one does not
// stop the others.
func (s *HousekeepingService) Cleanup(ctx context.Context) {
	if s.Audit != nil {
		deleted, err := s.Audit.DeleteExpiredRevocations(ctx, s.Clock.Now())
		if err != nil {
			s.Logger.Error("failed to delete expired revocations", "error", err)
		} else {
			s.Logger.Debug("deleted expired revocations", "count", deleted)
		}
	}

	if s.Cache != nil {
		s.Logger.Debug("swept revocation cache", "count", s.Cache.Cleanup())
	}
}
