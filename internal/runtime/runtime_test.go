package runtime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openvenue/aggregator/internal/logbus"
	"github.com/openvenue/aggregator/internal/model"
	"github.com/openvenue/aggregator/internal/modules"
	"github.com/openvenue/aggregator/internal/modules/fakefixed"
	"github.com/openvenue/aggregator/internal/modules/instagramstub"
	"github.com/openvenue/aggregator/internal/queue"
	"github.com/openvenue/aggregator/internal/ratelimiter"
	"github.com/openvenue/aggregator/internal/runtime"
	"github.com/openvenue/aggregator/internal/store"
)

// fakePool never touches a real browser; fakefixed's module never
// dereferences the page it's handed, so a nil playwright.Page is safe.
type fakePool struct{ crashed bool }

func (p *fakePool) Checkout(ctx context.Context) (playwright.Page, func(bool), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return nil, func(crashed bool) { p.crashed = crashed }, nil
}

type fakeEnqueuer struct {
	calls []queue.EnqueueOptions
	types []string
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, taskType string, _ interface{}, opts queue.EnqueueOptions) error {
	f.types = append(f.types, taskType)
	f.calls = append(f.calls, opts)
	return nil
}

// failingUpsertStore forces every UpsertEventRaw call to fail, to
// exercise the "some/all upserts fail" branches of the failure table.
type failingUpsertStore struct {
	store.Store
}

func (f *failingUpsertStore) UpsertEventRaw(ctx context.Context, ev model.EventRaw) (uuid.UUID, bool, error) {
	return uuid.Nil, false, errors.New("simulated write failure")
}

func newHarness(t *testing.T) (*runtime.Runtime, *store.SQLiteStore, *fakeEnqueuer, model.Source, uuid.UUID) {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sourceID, err := s.UpsertSource(context.Background(), model.Source{
		Name:            "Test Venue Calendar",
		ModuleKey:       fakefixed.Key,
		Active:          true,
		DefaultTimezone: "America/New_York",
		RateLimitPerMin: 600,
		SourceType:      model.SourceTypeWebsite,
	})
	require.NoError(t, err)
	source, err := s.GetSource(context.Background(), sourceID)
	require.NoError(t, err)

	runID, err := s.CreateRun(context.Background(), sourceID)
	require.NoError(t, err)

	reg := modules.NewRegistry()
	reg.Register(fakefixed.Module{})

	enq := &fakeEnqueuer{}

	rt := &runtime.Runtime{
		Store:       s,
		Pool:        &fakePool{},
		Modules:     reg,
		RateLimiter: ratelimiter.NewRegistry(),
		LogBus:      logbus.New(0, 0),
		Queue:       enq,
		Logger:      zap.NewNop(),
	}

	return rt, s, enq, source, runID
}

func TestRunScrapeScenarioASuccessWithMatchJobEnqueued(t *testing.T) {
	rt, s, enq, source, runID := newHarness(t)

	err := rt.RunScrape(context.Background(), queue.ScrapePayload{RunID: runID, SourceID: source.ID})
	require.NoError(t, err)

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, 2, run.EventsFound)
	require.NotNil(t, run.FinishedAt)

	require.Len(t, enq.types, 1)
	assert.Equal(t, queue.TypeMatch, enq.types[0])
	assert.Equal(t, expectedJobID(runID), enq.calls[0].JobID)
	assert.Equal(t, 5*time.Second, enq.calls[0].Delay)
}

func expectedJobID(runID uuid.UUID) string {
	return "match-after-scrape-" + runID.String()
}

func TestRunScrapeSourceInactiveFailsRunWithoutRetry(t *testing.T) {
	rt, s, enq, source, runID := newHarness(t)

	source.Active = false
	_, err := s.UpsertSource(context.Background(), source)
	require.NoError(t, err)

	err = rt.RunScrape(context.Background(), queue.ScrapePayload{RunID: runID, SourceID: source.ID})
	require.Error(t, err)
	assert.True(t, queue.IsTerminal(err))

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, run.Status)
	assert.Contains(t, string(run.Errors), "source_inactive")
	assert.Empty(t, enq.types)
}

func TestRunScrapeModuleNotFoundFailsRunWithoutRetry(t *testing.T) {
	rt, s, _, source, runID := newHarness(t)

	source.ModuleKey = "does_not_exist"
	_, err := s.UpsertSource(context.Background(), source)
	require.NoError(t, err)

	err = rt.RunScrape(context.Background(), queue.ScrapePayload{RunID: runID, SourceID: source.ID})
	require.Error(t, err)
	assert.True(t, queue.IsTerminal(err))

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, run.Status)
	assert.Contains(t, string(run.Errors), "module_not_found")
}

func TestRunScrapeAllUpsertsFailYieldsPartialStatusAndNoMatchJob(t *testing.T) {
	rt, s, enq, source, runID := newHarness(t)
	rt.Store = &failingUpsertStore{Store: s}

	err := rt.RunScrape(context.Background(), queue.ScrapePayload{RunID: runID, SourceID: source.ID})
	require.NoError(t, err)

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, run.Status)
	// eventsFound counts emissions from the module, not successful
	// upserts: every emitted event failed to save, but the module still
	// found 2.
	assert.Equal(t, 2, run.EventsFound)
	assert.Empty(t, enq.types)
}

func TestRunInstagramSucceedsWithZeroEventsFromStub(t *testing.T) {
	rt, s, enq, source, runID := newHarness(t)

	source.ModuleKey = instagramstub.Key
	source.SourceType = model.SourceTypeInstagram
	source.InstagramUsername = "venuehandle"
	_, err := s.UpsertSource(context.Background(), source)
	require.NoError(t, err)
	rt.Modules.Register(instagramstub.Module{})

	err = rt.RunInstagram(context.Background(), queue.InstagramPayload{RunID: runID, SourceID: source.ID, Username: "venuehandle"})
	require.NoError(t, err)

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, 0, run.EventsFound)
	assert.Empty(t, enq.types)
}

func TestRunScrapeCancelledBeforeCheckoutMarksRunCancelledWithoutRetry(t *testing.T) {
	rt, s, enq, source, runID := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rt.RunScrape(ctx, queue.ScrapePayload{RunID: runID, SourceID: source.ID})
	require.NoError(t, err)

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, run.Status)
	assert.Contains(t, string(run.Errors), "cancelled")
	assert.Empty(t, enq.types)
}
