package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/connexi/connexi-chat/internal/store"
	"github.com/jonboulle/clockwork"
)

// DefaultRetentionInterval is how often the retention worker sweeps.
const DefaultRetentionInterval = 5 * time.Minute

// RetentionOptions configures a RetentionWorker.
type RetentionOptions struct {
	// MaxAge is how long stored rows are kept. Zero disables row deletion.
	MaxAge   time.Duration
	Interval time.Duration
	// IdleTTL bounds how long replay buffers and rate limiters of inactive
	// chats are kept.
	IdleTTL time.Duration
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// RetentionWorker periodically deletes expired rows and prunes per-chat
// in-memory state.
type RetentionWorker struct {
	repo    store.Repository
	hub     *Hub
	limiter *RateLimiter
	opts    RetentionOptions
}

// NewRetentionWorker creates a worker. hub and limiter may be nil.
func NewRetentionWorker(repo store.Repository, hub *Hub, limiter *RateLimiter, opts RetentionOptions) *RetentionWorker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRetentionInterval
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RetentionWorker{repo: repo, hub: hub, limiter: limiter, opts: opts}
}

// Run sweeps every Interval until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	ticker := w.opts.Clock.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	w.opts.Logger.Info("Retention worker started", "interval", w.opts.Interval, "max_age", w.opts.MaxAge)

	for {
		select {
		case <-ticker.Chan():
			w.Sweep(ctx)
		case <-ctx.Done():
			w.opts.Logger.Info("Retention worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep performs one retention pass.
func (w *RetentionWorker) Sweep(ctx context.Context) {
	now := w.opts.Clock.Now()

	if w.opts.MaxAge > 0 {
		deleted, err := w.repo.DeleteMessagesBefore(ctx, now.Add(-w.opts.MaxAge))
		switch {
		case err != nil && ctx.Err() != nil:
			w.opts.Logger.Debug("Retention worker: context canceled during delete, cleanup may be incomplete", "error", err)
		case err != nil:
			w.opts.Logger.Error("Retention worker failed to delete expired messages", "error", err)
		case deleted > 0:
			w.opts.Logger.Info("Retention worker deleted expired messages", "count", deleted)
		}
	}

	idleCutoff := now.Add(-w.opts.IdleTTL)
	if w.hub != nil {
		if pruned := w.hub.PruneIdle(idleCutoff); pruned > 0 {
			w.opts.Logger.Info("Retention worker pruned idle replay queues", "count", pruned)
		}
	}
	if w.limiter != nil {
		if evicted := w.limiter.Evict(idleCutoff); evicted > 0 {
			w.opts.Logger.Debug("Retention worker evicted idle rate limiters", "count", evicted)
		}
	}
}
