// Package runtime implements the Scraper Runtime: the orchestrator
// that takes one scrape job from "dequeued" to "run finalized",
// wiring together the Store, Module Registry, Browser Pool, Rate
// Limiter and Log Bus per spec §4.7. It is the generalization of the
// teacher's per-job worker loop (gmaps/job.go's Process method driven
// by runner/runner.go's worker pool) collapsed into one linear protocol
// instead of scrapemate's queue-of-sub-jobs model, per spec §9's
// "finite, non-restartable, fully materialized" decision.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/openvenue/aggregator/internal/logbus"
	"github.com/openvenue/aggregator/internal/model"
	"github.com/openvenue/aggregator/internal/modules"
	"github.com/openvenue/aggregator/internal/normalize"
	"github.com/openvenue/aggregator/internal/queue"
	"github.com/openvenue/aggregator/internal/ratelimiter"
	"github.com/openvenue/aggregator/internal/store"
)

// Failure reasons recorded in Run.Errors (spec §4.7 steps 1-2 and the
// cancellation clause).
const (
	ReasonSourceInactive = "source_inactive"
	ReasonModuleNotFound = "module_not_found"
	ReasonCancelled      = "cancelled"
)

// matchWindowDays is the lookback window for the match job enqueued
// after a successful scrape (spec §4.7 step 9).
const matchWindowDays = 30

// PagePool is the narrow slice of *browserpool.Pool the Runtime
// depends on. Tests substitute a fake so the full protocol can be
// exercised without a Chromium binary (none is available in this
// environment — see internal/browserpool/pool_test.go).
type PagePool interface {
	Checkout(ctx context.Context) (playwright.Page, func(crashed bool), error)
}

// Runtime orchestrates scrape jobs end-to-end.
type Runtime struct {
	Store       store.Store
	Pool        PagePool
	Modules     *modules.Registry
	RateLimiter *ratelimiter.Registry
	LogBus      *logbus.Bus
	Queue       queue.Enqueuer
	Logger      *zap.Logger
}

// RunScrape executes the nine-step protocol of spec §4.7 for one
// scrape job. It returns a non-nil error only for conditions that
// should cause the caller (the asynq handler) to retry the task;
// conditions that are terminal by design (module_not_found,
// source_inactive, module threw, cancellation) are recorded on the Run
// row and reported back wrapped in queue.Terminal or not at all, per
// the failure-semantics table in spec §4.7.
func (rt *Runtime) RunScrape(ctx context.Context, payload queue.ScrapePayload) error {
	source, err := rt.Store.GetSource(ctx, payload.SourceID)
	if err != nil || !source.Active {
		if ctx.Err() != nil {
			rt.failRun(ctx, payload.RunID, ReasonCancelled)
			return nil
		}
		rt.failRun(ctx, payload.RunID, ReasonSourceInactive)
		return queue.Terminal(fmt.Errorf("source %s inactive or missing: %w", payload.SourceID, err))
	}

	mod, ok := rt.Modules.Lookup(source.ModuleKey)
	if !ok {
		rt.failRun(ctx, payload.RunID, ReasonModuleNotFound)
		return queue.Terminal(fmt.Errorf("module %q not registered", source.ModuleKey))
	}

	running := model.RunStatusRunning
	startedHeartbeat := time.Now().UTC()
	if err := rt.Store.UpdateRun(ctx, payload.RunID, model.RunPatch{
		Status:          &running,
		LastHeartbeatAt: &startedHeartbeat,
	}); err != nil {
		return fmt.Errorf("marking run %s running: %w", payload.RunID, err)
	}

	page, release, err := rt.Pool.Checkout(ctx)
	if err != nil {
		if ctx.Err() != nil {
			rt.failRun(ctx, payload.RunID, ReasonCancelled)
			return nil
		}
		return fmt.Errorf("checking out browser page: %w", err)
	}

	crashed := false
	defer func() { release(crashed) }()

	stats := &modules.Stats{}
	logger := logbus.RunLogger(rt.Logger, rt.LogBus, payload.RunID, source.ModuleKey).Sugar()

	rc := &modules.RunContext{
		Ctx:         ctx,
		Page:        page,
		Source:      source,
		RunID:       payload.RunID,
		SourceID:    payload.SourceID,
		Logger:      logger,
		Stats:       stats,
		RateLimiter: rt.RateLimiter,
		JobData: modules.JobData{
			TestMode:        payload.TestMode,
			DateWindowStart: payload.DateWindowStart,
			DateWindowEnd:   payload.DateWindowEnd,
			UploadedFile:    uploadedFileFrom(payload.UploadedFile),
		},
	}

	if err := rt.RateLimiter.Acquire(ctx, source.ID, source.RateLimitPerMin); err != nil {
		if ctx.Err() != nil {
			rt.failRun(ctx, payload.RunID, ReasonCancelled)
			return nil
		}
		return fmt.Errorf("acquiring rate limit token for source %s: %w", source.ID, err)
	}

	rawEvents, err := mod.Run(rc)
	if err != nil {
		if ctx.Err() != nil {
			crashed = true
			rt.failRun(ctx, payload.RunID, ReasonCancelled)
			return nil
		}
		crashed = isCrashErr(err)
		rt.finalizeRun(ctx, payload.RunID, model.RunStatusError, 0, stats.PagesCrawled, err)
		return nil
	}

	saved := 0
	var upsertErrs error
	for _, raw := range rawEvents {
		ev, nerr := normalize.Normalize(raw, source)
		if nerr != nil {
			upsertErrs = multierr.Append(upsertErrs, nerr)
			logger.Warnw("dropping event that failed normalization", "error", nerr, "title", raw.Title)
			continue
		}
		ev.SourceID = source.ID
		ev.RunID = payload.RunID

		if _, _, uerr := rt.Store.UpsertEventRaw(ctx, ev); uerr != nil {
			upsertErrs = multierr.Append(upsertErrs, uerr)
			logger.Warnw("upsert failed", "error", uerr, "title", ev.Title)
			continue
		}
		saved++
	}

	status := model.RunStatusSuccess
	if len(rawEvents) > 0 && saved == 0 {
		status = model.RunStatusPartial
	}

	rt.finalizeRun(ctx, payload.RunID, status, len(rawEvents), stats.PagesCrawled, upsertErrs)

	if saved > 0 {
		startDate := time.Now().UTC().AddDate(0, 0, -matchWindowDays)
		if err := rt.Queue.Enqueue(ctx, queue.TypeMatch, queue.MatchPayload{
			SourceIDs: []uuid.UUID{source.ID},
			StartDate: &startDate,
		}, queue.EnqueueOptions{
			Queue: queue.QueueMatch,
			Delay: 5 * time.Second,
			JobID: fmt.Sprintf("match-after-scrape-%s", payload.RunID),
		}); err != nil {
			logger.Warnw("failed to enqueue post-scrape match job", "error", err)
		}
	}

	return nil
}

// RunInstagram executes an instagram:fetch job against the module
// registered for the source, following the same checkout/acquire/run/
// finalize shape as RunScrape minus the match-job enqueue (an
// Instagram fetch on its own produces no new EventRaw rows worth
// re-matching until a future real implementation lands; see
// SPEC_FULL.md §10's Instagram module stub note).
func (rt *Runtime) RunInstagram(ctx context.Context, payload queue.InstagramPayload) error {
	source, err := rt.Store.GetSource(ctx, payload.SourceID)
	if err != nil || !source.Active {
		rt.failRun(ctx, payload.RunID, ReasonSourceInactive)
		return queue.Terminal(fmt.Errorf("source %s inactive or missing: %w", payload.SourceID, err))
	}

	mod, ok := rt.Modules.Lookup(source.ModuleKey)
	if !ok {
		rt.failRun(ctx, payload.RunID, ReasonModuleNotFound)
		return queue.Terminal(fmt.Errorf("module %q not registered", source.ModuleKey))
	}

	running := model.RunStatusRunning
	startedHeartbeat := time.Now().UTC()
	if err := rt.Store.UpdateRun(ctx, payload.RunID, model.RunPatch{
		Status:          &running,
		LastHeartbeatAt: &startedHeartbeat,
	}); err != nil {
		return fmt.Errorf("marking run %s running: %w", payload.RunID, err)
	}

	page, release, err := rt.Pool.Checkout(ctx)
	if err != nil {
		if ctx.Err() != nil {
			rt.failRun(ctx, payload.RunID, ReasonCancelled)
			return nil
		}
		return fmt.Errorf("checking out browser page: %w", err)
	}

	crashed := false
	defer func() { release(crashed) }()

	stats := &modules.Stats{}
	logger := logbus.RunLogger(rt.Logger, rt.LogBus, payload.RunID, source.ModuleKey).Sugar()

	rc := &modules.RunContext{
		Ctx:         ctx,
		Page:        page,
		Source:      source,
		RunID:       payload.RunID,
		SourceID:    payload.SourceID,
		Logger:      logger,
		Stats:       stats,
		RateLimiter: rt.RateLimiter,
	}

	if err := rt.RateLimiter.Acquire(ctx, source.ID, source.RateLimitPerMin); err != nil {
		if ctx.Err() != nil {
			rt.failRun(ctx, payload.RunID, ReasonCancelled)
			return nil
		}
		return fmt.Errorf("acquiring rate limit token for source %s: %w", source.ID, err)
	}

	rawEvents, err := mod.Run(rc)
	if err != nil {
		if ctx.Err() != nil {
			crashed = true
			rt.failRun(ctx, payload.RunID, ReasonCancelled)
			return nil
		}
		crashed = isCrashErr(err)
		rt.finalizeRun(ctx, payload.RunID, model.RunStatusError, 0, stats.PagesCrawled, err)
		return nil
	}

	saved := 0
	var upsertErrs error
	for _, raw := range rawEvents {
		ev, nerr := normalize.Normalize(raw, source)
		if nerr != nil {
			upsertErrs = multierr.Append(upsertErrs, nerr)
			continue
		}
		ev.SourceID = source.ID
		ev.RunID = payload.RunID

		if _, _, uerr := rt.Store.UpsertEventRaw(ctx, ev); uerr != nil {
			upsertErrs = multierr.Append(upsertErrs, uerr)
			continue
		}
		saved++
	}

	status := model.RunStatusSuccess
	if len(rawEvents) > 0 && saved == 0 {
		status = model.RunStatusPartial
	}
	rt.finalizeRun(ctx, payload.RunID, status, len(rawEvents), stats.PagesCrawled, upsertErrs)

	return nil
}

func (rt *Runtime) failRun(ctx context.Context, runID uuid.UUID, reason string) {
	rt.finalizeRun(ctx, runID, model.RunStatusError, 0, 0, errors.New(reason))
}

func (rt *Runtime) finalizeRun(ctx context.Context, runID uuid.UUID, status model.RunStatus, eventsFound, pagesCrawled int, runErr error) {
	now := time.Now().UTC()
	patch := model.RunPatch{
		Status:          &status,
		FinishedAt:      &now,
		LastHeartbeatAt: &now,
		EventsFound:     &eventsFound,
		PagesCrawled:    &pagesCrawled,
	}
	if runErr != nil {
		if b, merr := json.Marshal(struct {
			Message string `json:"message"`
		}{Message: runErr.Error()}); merr == nil {
			patch.Errors = b
		}
	}
	// The final status is written even when ctx is already cancelled.
	if err := rt.Store.UpdateRun(context.WithoutCancel(ctx), runID, patch); err != nil {
		rt.Logger.Error("failed to finalize run", zap.String("run_id", runID.String()), zap.Error(err))
	}
}

func uploadedFileFrom(p *queue.UploadedFilePayload) *modules.UploadedFile {
	if p == nil {
		return nil
	}
	return &modules.UploadedFile{
		Path:    p.Path,
		Format:  p.Format,
		Content: []byte(p.Content),
	}
}

// isCrashErr reports whether a module's error reflects a browser-level
// crash rather than a scrape-logic failure, so the checked-out page's
// context is discarded instead of returned to the pool (spec §4.5).
func isCrashErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "target crashed") || strings.Contains(msg, "browser has been closed") ||
		strings.Contains(msg, "context or browser has been closed")
}
