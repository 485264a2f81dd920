// Package retention is the Retention Worker (spec §4.5, component C7): a
// background timer that prunes old event-log rows so a long-lived Amelia
// deployment's event table doesn't grow without bound.
//
// The teacher has no equivalent — its event log (graph/checkpoint.go's
// CheckpointV2 history) is in-memory and replay-oriented, with no
// persistent-store pruning concern. This package is grounded on the
// teacher's general background-goroutine idiom (a ticker loop selecting on
// a context, as seen in graph/engine.go's cooperative cancellation style)
// rather than a single teacher file, the same way pkg/lifecycle is.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/existential-birds/amelia/pkg/store"
)

// DefaultInterval is the spec's documented tick cadence.
const DefaultInterval = time.Hour

// Config carries the retention-relevant slice of the closed option set
// (spec §6.5).
type Config struct {
	RetentionAge    time.Duration
	MaxPerWorkflow  int
	ActivityGrace   time.Duration
	Interval        time.Duration
}

// Worker runs Store.PruneEvents on a timer and once more at shutdown.
type Worker struct {
	store  store.Store
	config Config
	log    *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a Worker. Interval and ActivityGrace of 0 fall back to
// DefaultInterval and zero grace (no protection window), respectively.
func New(db store.Store, cfg Config, log *zap.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		store:  db,
		config: cfg,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run ticks until ctx is cancelled or Stop is called, pruning once per tick
// and once more on the way out (spec §4.5: "default: at shutdown, plus an
// hourly tick"). Intended to be launched as `go worker.Run(ctx)`.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-w.stop:
			w.tick(context.Background())
			return
		case <-ctx.Done():
			w.tick(context.Background())
			return
		}
	}
}

// Stop requests a final prune and waits for Run to return.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) tick(ctx context.Context) {
	n, err := w.store.PruneEvents(ctx, w.config.RetentionAge, w.config.MaxPerWorkflow, w.config.ActivityGrace)
	if err != nil {
		w.log.Warn("retention prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.log.Info("retention prune completed", zap.Int64("events_deleted", n))
	}
}
