// Package dispatcher implements the periodic scheduler described in
// spec §4.10: enqueue scrape jobs for sources due for refresh, and
// reconcile runs stuck `running` past a heartbeat timeout. Grounded on
// jobmate/discovery-service/internal/scheduler.Scheduler's
// robfig/cron/v3 wiring (cron.New, AddFunc with an "@every" spec,
// Start/Stop, an immediate run on startup) generalized from "scrape
// every N configs" to "scrape every due Source plus reconcile stale
// runs".
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openvenue/aggregator/internal/model"
	"github.com/openvenue/aggregator/internal/queue"
	"github.com/openvenue/aggregator/internal/store"
)

const (
	// defaultInterval is spec §4.10's "every minute" default tick.
	defaultInterval = time.Minute
	// defaultRefreshInterval governs how often an active source is
	// considered "due for refresh" in the absence of a per-source
	// schedule field in the data model (spec §3's Source carries no
	// such field; this is the Open Question resolution recorded in
	// DESIGN.md — one process-wide default rather than a per-source
	// cron expression).
	defaultRefreshInterval = 24 * time.Hour
	// defaultHeartbeatTimeout is spec §4.10(b)'s default.
	defaultHeartbeatTimeout = 10 * time.Minute

	reasonHeartbeatTimeout = "heartbeat_timeout"
)

// Dispatcher periodically enqueues due scrapes and reconciles stale
// runs.
type Dispatcher struct {
	Store  store.Store
	Queue  queue.Enqueuer
	Logger *zap.Logger

	// Interval is the cron tick period. Zero uses defaultInterval.
	Interval time.Duration
	// RefreshInterval is how long a source may go unscraped before
	// it's considered due again. Zero uses defaultRefreshInterval.
	RefreshInterval time.Duration
	// HeartbeatTimeout is how stale LastHeartbeatAt may get on a
	// `running` run before it's marked error:heartbeat_timeout. Zero
	// uses defaultHeartbeatTimeout.
	HeartbeatTimeout time.Duration

	cron *cron.Cron
}

// Start registers the tick function and begins the cron scheduler. It
// also runs one tick immediately, mirroring the teacher's
// "don't wait for the first interval to populate the feed" behavior.
func (d *Dispatcher) Start(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	d.cron = cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := d.cron.AddFunc(spec, func() { d.tick(ctx) }); err != nil {
		return fmt.Errorf("scheduling dispatcher tick: %w", err)
	}

	d.cron.Start()
	go d.tick(ctx)

	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight tick to
// finish.
func (d *Dispatcher) Stop() {
	if d.cron != nil {
		ctx := d.cron.Stop()
		<-ctx.Done()
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	d.enqueueDueScrapes(ctx)
	d.reconcileStaleRuns(ctx)
}

func (d *Dispatcher) enqueueDueScrapes(ctx context.Context) {
	sources, err := d.Store.ListSources(ctx, true)
	if err != nil {
		d.Logger.Error("dispatcher: listing active sources failed", zap.Error(err))
		return
	}

	for _, src := range sources {
		due, err := d.isDue(ctx, src.ID)
		if err != nil {
			d.Logger.Error("dispatcher: checking refresh due-ness failed", zap.String("source_id", src.ID.String()), zap.Error(err))
			continue
		}
		if !due {
			continue
		}

		runID, err := d.Store.CreateRun(ctx, src.ID)
		if err != nil {
			d.Logger.Error("dispatcher: creating run failed", zap.String("source_id", src.ID.String()), zap.Error(err))
			continue
		}

		err = d.Queue.Enqueue(ctx, queue.TypeScrape, queue.ScrapePayload{
			RunID:    runID,
			SourceID: src.ID,
		}, queue.EnqueueOptions{
			Queue: queue.QueueScrape,
			JobID: fmt.Sprintf("scheduled-scrape-%s", runID),
		})
		if err != nil {
			d.Logger.Error("dispatcher: enqueueing scrape failed", zap.String("source_id", src.ID.String()), zap.Error(err))
		}
	}
}

// isDue reports whether src has no run started within RefreshInterval.
func (d *Dispatcher) isDue(ctx context.Context, sourceID uuid.UUID) (bool, error) {
	refresh := d.RefreshInterval
	if refresh <= 0 {
		refresh = defaultRefreshInterval
	}

	runs, err := d.Store.ListRuns(ctx, model.RunFilter{SourceID: &sourceID}, model.Page{Limit: 1})
	if err != nil {
		return false, err
	}
	if len(runs) == 0 {
		return true, nil
	}

	return time.Since(runs[0].StartedAt) >= refresh, nil
}

func (d *Dispatcher) reconcileStaleRuns(ctx context.Context) {
	timeout := d.HeartbeatTimeout
	if timeout <= 0 {
		timeout = defaultHeartbeatTimeout
	}

	stale, err := d.Store.ListStaleRunningRuns(ctx, timeout)
	if err != nil {
		d.Logger.Error("dispatcher: listing stale running runs failed", zap.Error(err))
		return
	}

	for _, run := range stale {
		if err := d.markHeartbeatTimeout(ctx, run); err != nil {
			d.Logger.Error("dispatcher: reconciling stale run failed", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	}
}

func (d *Dispatcher) markHeartbeatTimeout(ctx context.Context, run model.Run) error {
	status := model.RunStatusError
	now := time.Now().UTC()
	errPayload, err := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: reasonHeartbeatTimeout})
	if err != nil {
		return err
	}
	return d.Store.UpdateRun(ctx, run.ID, model.RunPatch{
		Status:     &status,
		FinishedAt: &now,
		Errors:     errPayload,
	})
}
