// Package lifecycle runs the periodic hygiene sweep: idle in-memory
// sessions are ended, then expired paused-execution blobs and expired
// contexts are purged from their stores. Lazy read-time expiry already
// keeps stale data invisible; the sweep exists so records nobody reads
// again still get reclaimed.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/threadline-ai/threadline/internal/events"
	"github.com/threadline-ai/threadline/internal/store"
)

// DefaultInterval is the sweep cadence when none is configured.
const DefaultInterval = time.Hour

// DefaultRetention is how long an in-memory session may sit idle before
// a sweep ends it.
const DefaultRetention = 30 * time.Minute

// SessionEnder is the orchestrator surface the sweeper needs.
type SessionEnder interface {
	EndIdleSessions(ctx context.Context, retention time.Duration) int
}

// Sweeper periodically reclaims idle sessions and expired records.
type Sweeper struct {
	logger    *slog.Logger
	sessions  SessionEnder
	runstates store.RunStateStore
	contexts  store.ContextStore
	bus       *events.Bus
	interval  time.Duration
	retention time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a sweeper. Zero interval and retention take the package
// defaults; bus may be nil.
func New(logger *slog.Logger, sessions SessionEnder, runstates store.RunStateStore, contexts store.ContextStore, bus *events.Bus, interval, retention time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{
		logger:    logger,
		sessions:  sessions,
		runstates: runstates,
		contexts:  contexts,
		bus:       bus,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop. Calling Start on a running sweeper is
// a no-op. The first sweep runs after one full interval, not at start.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	s.logger.Debug("lifecycle sweeper started", "interval", s.interval, "retention", s.retention)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("lifecycle sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			s.Sweep(ctx)
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs one pass immediately. Each stage is independent: a failing
// store purge never blocks the others. Returns the counts it emitted.
func (s *Sweeper) Sweep(ctx context.Context) events.SweepComplete {
	started := time.Now()

	ended := s.sessions.EndIdleSessions(ctx, s.retention)

	// 0 means each store's own configured max-age.
	runstates, err := s.runstates.CleanupExpired(ctx, 0)
	if err != nil {
		s.logger.Warn("runstate purge failed", "error", err)
	}
	contexts, err := s.contexts.CleanupExpired(ctx, 0)
	if err != nil {
		s.logger.Warn("context purge failed", "error", err)
	}

	result := events.SweepComplete{
		SessionsEnded:    ended,
		RunStatesRemoved: runstates,
		ContextsRemoved:  contexts,
	}
	s.bus.Publish(events.KindSweepComplete, result)
	s.logger.Info("sweep complete",
		"sessions_ended", ended,
		"runstates_removed", runstates,
		"contexts_removed", contexts,
		"duration", time.Since(started),
	)
	return result
}
