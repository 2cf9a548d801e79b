// Package scanner provides the periodic boundary scanner that finds chores
// with an elapsed reset boundary and hands each one to the engine.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/chorewheel/internal/bus"
	"github.com/basket/chorewheel/internal/chore"
	"github.com/basket/chorewheel/internal/engine"
	"github.com/basket/chorewheel/internal/otel"
	"github.com/basket/chorewheel/internal/persistence"
)

// Config holds the dependencies for the boundary scanner.
type Config struct {
	Store   *persistence.Store
	Engine  *engine.Engine
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	// Interval is the tick interval; defaults to 1 minute if zero.
	Interval time.Duration
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Scanner periodically sweeps every chore, computes its next unprocessed
// boundary from the persisted watermark, and evaluates elapsed boundaries.
// A chore whose lock is held by an in-flight approval is skipped and retried
// on the next tick; its watermark does not advance, so the boundary is
// neither lost nor processed twice.
type Scanner struct {
	store    *persistence.Store
	engine   *engine.Engine
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Scanner with the given config.
func New(cfg Config) *Scanner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scanner{
		store:    cfg.Store,
		engine:   cfg.Engine,
		bus:      cfg.Bus,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: interval,
		now:      now,
	}
}

// Start begins the scanner loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scanner) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("boundary scanner started", "interval", s.interval)
}

// Stop cancels the scanner loop and waits for it to exit.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("boundary scanner stopped")
}

// loop is the main scanner loop. It ticks at the configured interval.
func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full sweep over every chore. It is exported so a one-shot
// sweep can run the same pass the daemon loop runs.
func (s *Scanner) Tick(ctx context.Context) {
	start := s.now()
	now := start.UTC()

	ids, err := s.store.ListChoreIDs(ctx)
	if err != nil {
		s.logger.Error("scan: failed to list chores", "error", err)
		return
	}

	evaluated, deferred := 0, 0
	for _, id := range ids {
		switch s.sweep(ctx, id, now) {
		case sweepEvaluated:
			evaluated++
		case sweepDeferred:
			deferred++
		}
		if ctx.Err() != nil {
			return
		}
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.SweepDuration.Record(ctx, elapsed.Seconds())
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicScanCompleted, bus.ScanCompletedEvent{
			Evaluated: evaluated,
			Deferred:  deferred,
			Duration:  elapsed,
		})
	}
	if evaluated > 0 || deferred > 0 {
		s.logger.Info("scan completed",
			"chores", len(ids), "evaluated", evaluated, "deferred", deferred,
			"duration", elapsed)
	}
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepEvaluated
	sweepDeferred
)

// sweep evaluates one chore's elapsed boundary, if any.
func (s *Scanner) sweep(ctx context.Context, choreID string, now time.Time) sweepOutcome {
	c, err := s.store.GetChore(ctx, choreID)
	if err != nil {
		s.logger.Error("scan: failed to load chore", "chore_id", choreID, "error", err)
		return sweepSkipped
	}
	records, err := s.store.AssigneeRecords(ctx, choreID)
	if err != nil {
		s.logger.Error("scan: failed to load records", "chore_id", choreID, "error", err)
		return sweepSkipped
	}
	watermark, err := s.store.Watermark(ctx, choreID)
	if err != nil {
		s.logger.Error("scan: failed to load watermark", "chore_id", choreID, "error", err)
		return sweepSkipped
	}
	if watermark.IsZero() {
		// First sweep for this chore: start the watermark at the earliest
		// record creation so historical boundaries are not replayed.
		watermark = firstSeen(records, now)
	}

	boundary, ok := LatestElapsedBoundary(c, records, watermark, now)
	if !ok {
		return sweepSkipped
	}

	res, err := s.engine.EvaluateBoundary(ctx, choreID, boundary)
	if errors.Is(err, engine.ErrChoreBusy) {
		s.logger.Info("scan: chore deferred, approval in progress", "chore_id", choreID)
		return sweepDeferred
	}
	if err != nil {
		s.logger.Error("scan: boundary evaluation failed",
			"chore_id", choreID, "boundary", boundary, "error", err)
		return sweepSkipped
	}
	s.logger.Debug("scan: boundary processed",
		"chore_id", choreID, "boundary", boundary,
		"decision", string(res.Decision), "changes", res.Changes)
	return sweepEvaluated
}

// firstSeen returns the earliest record creation time, or now when the chore
// has no records yet.
func firstSeen(records []chore.AssigneeRecord, now time.Time) time.Time {
	earliest := now
	for _, rec := range records {
		if !rec.CreatedAt.IsZero() && rec.CreatedAt.Before(earliest) {
			earliest = rec.CreatedAt
		}
	}
	return earliest
}
