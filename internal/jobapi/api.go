// Package jobapi implements the boundary described in spec §4.11: a
// narrow surface the external HTTP layer (http.go) sits on top of, so
// the wire format can change without touching submission logic.
// Grounded on the teacher's web.Service/Server split (web/web.go), here
// collapsed to a single API type since there is no per-request auth
// context to thread through (unlike web/subscription.go's
// auth.GetUserID calls).
package jobapi

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openvenue/aggregator/internal/logbus"
	"github.com/openvenue/aggregator/internal/queue"
	"github.com/openvenue/aggregator/internal/store"
)

// Broker is the slice of *queue.Broker the Job API needs: enqueue plus
// the inspection/retry/clean surface spec §4.11's QueueStatus/RetryJob/
// CleanQueues expose. A narrower queue.Enqueuer won't do here since
// those three methods aren't part of it.
type Broker interface {
	queue.Enqueuer
	QueueStatus() (map[string]queue.Counts, error)
	Retry(queueName, jobID string) error
	Clean(olderThan time.Duration) error
}

// API implements spec §4.11's Job API against a Store, a queue Broker
// and the Log Bus.
type API struct {
	Store  store.Store
	Queue  Broker
	LogBus *logbus.Bus
	Logger *zap.Logger
}

// ScrapeOptions carries POST /scrape's optional fields.
type ScrapeOptions struct {
	TestMode        bool
	DateWindowStart *time.Time
	DateWindowEnd   *time.Time
	UploadedFile    *queue.UploadedFilePayload
}

// MatchOptions carries POST /match's optional fields.
type MatchOptions struct {
	SourceIDs []uuid.UUID
	StartDate *time.Time
	EndDate   *time.Time
}

// SubmitScrape creates a Run for sourceID and enqueues a scrape job for
// it, returning both per spec §6's `{runId, jobId}` response.
func (a *API) SubmitScrape(ctx context.Context, sourceID uuid.UUID, opts ScrapeOptions) (uuid.UUID, string, error) {
	source, err := a.Store.GetSource(ctx, sourceID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("looking up source %s: %w", sourceID, err)
	}

	runID, err := a.Store.CreateRun(ctx, source.ID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("creating run for source %s: %w", sourceID, err)
	}

	jobID := fmt.Sprintf("scrape-%s", runID)
	err = a.Queue.Enqueue(ctx, queue.TypeScrape, queue.ScrapePayload{
		RunID:           runID,
		SourceID:        source.ID,
		TestMode:        opts.TestMode,
		DateWindowStart: opts.DateWindowStart,
		DateWindowEnd:   opts.DateWindowEnd,
		UploadedFile:    opts.UploadedFile,
	}, queue.EnqueueOptions{Queue: queue.QueueScrape, JobID: jobID})
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("enqueueing scrape for run %s: %w", runID, err)
	}

	return runID, jobID, nil
}

// SubmitInstagramFetch creates a Run for sourceID and enqueues an
// instagram:fetch job, mirroring SubmitScrape's run-then-enqueue shape
// so the new run gets a log stream and heartbeat reconciliation like
// any other job (spec §4.11).
func (a *API) SubmitInstagramFetch(ctx context.Context, sourceID uuid.UUID, postLimit int) (uuid.UUID, string, error) {
	source, err := a.Store.GetSource(ctx, sourceID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("looking up source %s: %w", sourceID, err)
	}

	runID, err := a.Store.CreateRun(ctx, source.ID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("creating run for source %s: %w", sourceID, err)
	}

	jobID := fmt.Sprintf("instagram-%s", runID)
	err = a.Queue.Enqueue(ctx, queue.TypeInstagram, queue.InstagramPayload{
		RunID:     runID,
		SourceID:  source.ID,
		Username:  source.InstagramUsername,
		PostLimit: postLimit,
	}, queue.EnqueueOptions{Queue: queue.QueueInstagram, JobID: jobID})
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("enqueueing instagram fetch for run %s: %w", runID, err)
	}

	return runID, jobID, nil
}

// SubmitMatch enqueues a one-off Matcher pass over opts' window/sources,
// returning the jobId per spec §6.
func (a *API) SubmitMatch(ctx context.Context, opts MatchOptions) (string, error) {
	jobID := fmt.Sprintf("match-manual-%s", uuid.New())
	err := a.Queue.Enqueue(ctx, queue.TypeMatch, queue.MatchPayload{
		SourceIDs: opts.SourceIDs,
		StartDate: opts.StartDate,
		EndDate:   opts.EndDate,
	}, queue.EnqueueOptions{Queue: queue.QueueMatch, JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("enqueueing match job: %w", err)
	}

	return jobID, nil
}

// StreamLogs validates that runID exists, then returns a live tail
// channel plus its cancel func (spec §4.11/§6).
func (a *API) StreamLogs(ctx context.Context, runID uuid.UUID) (<-chan logbus.Entry, func(), error) {
	if _, err := a.Store.GetRun(ctx, runID); err != nil {
		return nil, nil, fmt.Errorf("looking up run %s: %w", runID, err)
	}

	stream, cancel := a.LogBus.Tail(ctx, runID, 0)
	return stream, cancel, nil
}

// LogHistory returns the bounded historical log read for runID (spec
// §4.3's History, surfaced at GET /logs/history/{runId}).
func (a *API) LogHistory(ctx context.Context, runID uuid.UUID) ([]logbus.Entry, error) {
	if _, err := a.Store.GetRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("looking up run %s: %w", runID, err)
	}

	return a.LogBus.History(runID, 0), nil
}

// QueueStatus returns the waiting/active/completed/failed/delayed
// counts for every durable queue (spec §6's GET /queue/status).
func (a *API) QueueStatus() (map[string]queue.Counts, error) {
	return a.Queue.QueueStatus()
}

// RetryJob re-enqueues a failed or archived job for immediate
// reprocessing.
func (a *API) RetryJob(queueName, jobID string) error {
	return a.Queue.Retry(queueName, jobID)
}

// CleanQueues deletes completed tasks older than a day across every
// managed queue.
func (a *API) CleanQueues() error {
	const defaultRetention = 24 * time.Hour
	return a.Queue.Clean(defaultRetention)
}
