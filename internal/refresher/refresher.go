// Package refresher periodically re-assesses every catalog protocol.
//
// Each run is one refresh cycle: all assessments it issues share a cycle
// ID, so their upstream fetches can never be mixed with another run's.
package refresher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/riskscore/internal/assess"
	"github.com/mbd888/riskscore/internal/catalog"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/metrics"
	"github.com/mbd888/riskscore/internal/realtime"
)

// DefaultConcurrency bounds how many protocols are assessed at once.
const DefaultConcurrency = 4

// Assessor runs one assessment.
type Assessor interface {
	Assess(ctx context.Context, req assess.Request) (*assess.Report, error)
}

// Protocols lists what to refresh.
type Protocols interface {
	List() []catalog.Protocol
}

// Broadcaster receives a summary after every cycle.
type Broadcaster interface {
	BroadcastCycle(c realtime.CycleEvent)
}

// Worker runs refresh cycles on a fixed interval.
type Worker struct {
	assessor    Assessor
	protocols   Protocols
	broadcaster Broadcaster
	interval    time.Duration
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
	stop        chan struct{}
	stopOnce    sync.Once

	mu   sync.RWMutex
	last *realtime.CycleEvent
}

// NewWorker creates a refresher. interval is REFRESH_INTERVAL in
// production and a few milliseconds in tests.
func NewWorker(assessor Assessor, protocols Protocols, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		assessor:    assessor,
		protocols:   protocols,
		interval:    interval,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		logger:      logging.OrDiscard(logger),
		stop:        make(chan struct{}),
	}
}

// WithBroadcaster publishes cycle summaries to b.
func (w *Worker) WithBroadcaster(b Broadcaster) *Worker {
	w.broadcaster = b
	return w
}

// WithConcurrency sets the per-cycle fan-out limit.
func (w *Worker) WithConcurrency(n int) *Worker {
	if n > 0 {
		w.concurrency = n
	}
	return w
}

// WithClock replaces the time source used for cycle starts.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Start begins the refresh loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		}
	}
}

// Stop signals the worker to stop. It is safe to call more than once and
// takes effect after any in-flight cycle finishes.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// LastCycle returns the summary of the most recent cycle.
func (w *Worker) LastCycle() (realtime.CycleEvent, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return realtime.CycleEvent{}, false
	}
	return *w.last, true
}

// RunCycle assesses every protocol once under a fresh cycle.
func (w *Worker) RunCycle(ctx context.Context) realtime.CycleEvent {
	cycle := assess.NewCycle(w.now())
	ctx = assess.WithCycle(ctx, cycle)
	log := w.logger.With("cycle_id", cycle.ID)

	protocols := w.protocols.List()
	start := time.Now()

	var assessed, partial, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, p := range protocols {
		g.Go(func() error {
			if gctx.Err() != nil {
				failed.Add(1)
				return nil
			}
			_, err := w.assessor.Assess(gctx, p.Request())
			switch {
			case err == nil:
				assessed.Add(1)
			case assess.IsPartial(err):
				assessed.Add(1)
				partial.Add(1)
			default:
				failed.Add(1)
				log.Warn("protocol refresh failed", "protocol", p.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := realtime.CycleEvent{
		CycleID:  cycle.ID,
		Start:    cycle.Start,
		Assessed: int(assessed.Load()),
		Partial:  int(partial.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	metrics.RefreshCyclesTotal.WithLabelValues(cycleResult(summary, len(protocols))).Inc()

	w.mu.Lock()
	w.last = &summary
	w.mu.Unlock()
	if w.broadcaster != nil {
		w.broadcaster.BroadcastCycle(summary)
	}

	log.Info("refresh cycle completed",
		"protocols", len(protocols), "assessed", summary.Assessed,
		"partial", summary.Partial, "failed", summary.Failed, "duration", summary.Duration)
	return summary
}

func cycleResult(s realtime.CycleEvent, total int) string {
	switch {
	case total > 0 && s.Failed == total:
		return "failed"
	case s.Failed > 0 || s.Partial > 0:
		return "partial"
	default:
		return "ok"
	}
}
