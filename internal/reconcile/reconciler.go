package reconcile

import (
	"context"
	"sort"
	"time"

	"log/slog"

	"github.com/bustinjailey/dev-farm-sub000/internal/readiness"
	"github.com/bustinjailey/dev-farm-sub000/internal/registry"
)

const defaultInterval = 2 * time.Second

// Publisher is the broadcast surface the reconciler emits through.
type Publisher interface {
	Publish(event string, payload any)
}

// Evaluator computes readiness for one environment.
type Evaluator interface {
	Evaluate(ctx context.Context, env registry.Environment) readiness.Result
}

// Source lists the environments to reconcile.
type Source interface {
	Load() (registry.Registry, error)
}

// StatusEvent is the env-status payload pushed to observers on change.
type StatusEvent struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	URL         string `json:"url"`
	Mode        string `json:"mode"`
	Port        int    `json:"port"`
	AuthPending bool   `json:"auth_pending"`
}

// Reconciler polls every registered environment on a fixed period, diffs the
// derived display status against the last broadcast value, and publishes
// env-status events only on change. Ticks run on one goroutine and never
// overlap.
type Reconciler struct {
	source    Source
	evaluator Evaluator
	publisher Publisher
	urlFor    func(id string, env registry.Environment) string
	logger    *slog.Logger
	interval  time.Duration

	lastKnown map[string]string
}

// New constructs a reconciler.
func New(source Source, evaluator Evaluator, publisher Publisher, urlFor func(string, registry.Environment) string, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		source:    source,
		evaluator: evaluator,
		publisher: publisher,
		urlFor:    urlFor,
		logger:    logger.With("component", "reconcile"),
		interval:  interval,
		lastKnown: make(map[string]string),
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("status reconciler started", "interval", r.interval)
	r.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("status reconciler stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass. Exported so handlers and tests can force
// an immediate pass after mutating environments.
func (r *Reconciler) Tick(ctx context.Context) {
	reg, err := r.source.Load()
	if err != nil {
		r.logger.Warn("failed to load registry", "error", err)
		return
	}

	ids := make([]string, 0, len(reg))
	for id := range reg {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		env := reg[id]
		res := r.evaluator.Evaluate(ctx, env)
		status := res.DisplayStatus()
		if r.lastKnown[id] == status {
			continue
		}
		r.lastKnown[id] = status
		event := StatusEvent{
			ID:          id,
			Status:      status,
			Mode:        env.Mode,
			Port:        env.Port,
			AuthPending: res.State == readiness.AuthPending,
		}
		if r.urlFor != nil {
			event.URL = r.urlFor(id, env)
		}
		r.logger.Info("environment status changed", "env_id", id, "status", status)
		r.publisher.Publish("env-status", event)
	}

	// Drop tracking for environments that no longer exist so a recreated id
	// broadcasts its first status again.
	for id := range r.lastKnown {
		if _, ok := reg[id]; !ok {
			delete(r.lastKnown, id)
		}
	}
}
