package extensions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/internal/telemetry"
)

// Poll intervals: fast while any row is transitional or deleting, slow
// when the world is settled.
const (
	defaultFastInterval = 2 * time.Second
	defaultSlowInterval = 5 * time.Second
)

// Runtime owns one reconciliation task per registered provider.
// Providers never share mutable state; they communicate only through the
// database, so a failing provider cannot stall the others.
type Runtime struct {
	registry *Registry
	store    store.ExtensionStore
	logger   *slog.Logger

	fastInterval time.Duration
	slowInterval time.Duration

	wg sync.WaitGroup
}

func NewRuntime(registry *Registry, extStore store.ExtensionStore, logger *slog.Logger) *Runtime {
	return &Runtime{
		registry:     registry,
		store:        extStore,
		logger:       logger,
		fastInterval: defaultFastInterval,
		slowInterval: defaultSlowInterval,
	}
}

// SetIntervals overrides the poll intervals; zero keeps the default.
func (rt *Runtime) SetIntervals(fast, slow time.Duration) {
	if fast > 0 {
		rt.fastInterval = fast
	}
	if slow > 0 {
		rt.slowInterval = slow
	}
}

// Start launches every provider's loop. The loops run until ctx is
// cancelled; cancellation lands at the next sleep boundary, and rows left
// in transitional states are resumed from persisted status on the next
// startup.
func (rt *Runtime) Start(ctx context.Context) {
	for _, p := range rt.registry.All() {
		rt.wg.Add(1)
		go func(p Provider) {
			defer rt.wg.Done()
			rt.runProvider(ctx, p)
		}(p)
	}
}

// Wait blocks until every provider loop has exited.
func (rt *Runtime) Wait() { rt.wg.Wait() }

func (rt *Runtime) runProvider(ctx context.Context, p Provider) {
	logger := rt.logger.With("provider", p.ExtensionType())
	logger.Info("extension provider loop starting")
	backoff := newRowBackoff()

	for {
		busy := rt.sweep(ctx, p, backoff, logger)

		interval := rt.slowInterval
		if busy {
			interval = rt.fastInterval
		}
		select {
		case <-ctx.Done():
			logger.Info("extension provider loop stopping")
			return
		case <-time.After(interval):
		}
	}
}

// sweep reconciles every row of the provider's type once, reporting
// whether any row is still transitional or pending deletion. A panic in
// provider code is contained to the row that raised it.
func (rt *Runtime) sweep(ctx context.Context, p Provider, backoff *rowBackoff, logger *slog.Logger) (busy bool) {
	telemetry.ReconcileSweepsTotal.WithLabelValues(p.ExtensionType()).Inc()

	rows, err := rt.store.ListExtensionsByType(ctx, p.ExtensionType())
	if err != nil {
		logger.Error("listing extension rows", "error", err)
		return false
	}

	now := time.Now()
	for _, row := range rows {
		key := row.ProjectID + "/" + row.Extension

		if !backoff.ready(key, now) {
			telemetry.ReconcileRowsSkippedTotal.WithLabelValues(p.ExtensionType()).Inc()
			if row.IsDeleting() {
				busy = true
			}
			continue
		}

		requeue, err := rt.reconcileOne(ctx, p, row)
		if err != nil {
			telemetry.ReconcileErrorsTotal.WithLabelValues(p.ExtensionType()).Inc()
			backoff.fail(key, time.Now())
			logger.Error("reconciling extension row",
				"project_id", row.ProjectID, "extension", row.Extension,
				"deleting", row.IsDeleting(), "error", err)
			busy = true
			continue
		}
		backoff.clear(key)
		if requeue {
			busy = true
		}
	}
	return busy
}

// reconcileOne dispatches a row to the live or deletion path and
// converts provider panics into ordinary errors.
func (rt *Runtime) reconcileOne(ctx context.Context, p Provider, row store.ProjectExtension) (requeue bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			requeue = false
			err = fmt.Errorf("provider panicked: %v", r)
		}
	}()

	if row.IsDeleting() {
		done, err := p.ReconcileDeletion(ctx, row)
		return !done, err
	}
	return p.Reconcile(ctx, row)
}
