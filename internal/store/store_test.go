package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvenue/aggregator/internal/model"
	"github.com/openvenue/aggregator/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSource(t *testing.T, s *store.SQLiteStore) model.Source {
	t.Helper()
	id, err := s.UpsertSource(context.Background(), model.Source{
		Name:            "Test Source",
		ModuleKey:       "fake_fixed",
		Active:          true,
		DefaultTimezone: "America/New_York",
		RateLimitPerMin: 10,
		SourceType:      model.SourceTypeWebsite,
	})
	require.NoError(t, err)
	src, err := s.GetSource(context.Background(), id)
	require.NoError(t, err)
	return src
}

func TestUpsertEventRawIsIdempotentBySourceEventID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := seedSource(t, s)
	runID, err := s.CreateRun(ctx, src.ID)
	require.NoError(t, err)

	ev := model.EventRaw{
		SourceID:      src.ID,
		RunID:         runID,
		SourceEventID: "evt-1",
		Title:         "Jazz Night",
		StartDatetime: time.Now().UTC(),
		Timezone:      "America/New_York",
		ScrapedAt:     time.Now().UTC(),
		ContentHash:   "deadbeef",
	}

	id1, inserted1, err := s.UpsertEventRaw(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted1)

	id2, inserted2, err := s.UpsertEventRaw(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted2)
	assert.Equal(t, id1, id2)
}

func TestUpsertEventRawFallsBackToContentHashWhenSourceEventIDEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := seedSource(t, s)
	runID, err := s.CreateRun(ctx, src.ID)
	require.NoError(t, err)

	ev := model.EventRaw{
		SourceID:      src.ID,
		RunID:         runID,
		Title:         "Market Day",
		StartDatetime: time.Now().UTC(),
		Timezone:      "America/New_York",
		ScrapedAt:     time.Now().UTC(),
		ContentHash:   "cafef00d",
	}

	id1, inserted1, err := s.UpsertEventRaw(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted1)

	ev.ID = uuid.New() // different client-assigned id, same content hash
	id2, inserted2, err := s.UpsertEventRaw(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted2)
	assert.Equal(t, id1, id2)
}

func TestReplaceOpenMatchesEnforcesPairOrderingAndUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := seedSource(t, s)
	runID, err := s.CreateRun(ctx, src.ID)
	require.NoError(t, err)

	idA, _, err := s.UpsertEventRaw(ctx, model.EventRaw{
		SourceID: src.ID, RunID: runID, Title: "A", StartDatetime: time.Now().UTC(),
		Timezone: "America/New_York", ScrapedAt: time.Now().UTC(), ContentHash: "hash-a",
	})
	require.NoError(t, err)
	idB, _, err := s.UpsertEventRaw(ctx, model.EventRaw{
		SourceID: src.ID, RunID: runID, Title: "B", StartDatetime: time.Now().UTC(),
		Timezone: "America/New_York", ScrapedAt: time.Now().UTC(), ContentHash: "hash-b",
	})
	require.NoError(t, err)

	lo, hi := idA, idB
	if hi.String() < lo.String() {
		lo, hi = hi, lo
	}

	err = s.ReplaceOpenMatches(ctx, []model.Match{
		{RawIDA: lo, RawIDB: hi, Score: 0.9, Status: model.MatchStatusOpen, CreatedBy: "system"},
	})
	require.NoError(t, err)

	matches, err := s.ListMatches(ctx, nil, model.Page{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].RawIDA.String() < matches[0].RawIDB.String())
}

func TestReplaceOpenMatchesWipesPreviousOpenSetBeforeInserting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := seedSource(t, s)
	runID, err := s.CreateRun(ctx, src.ID)
	require.NoError(t, err)

	idA, _, _ := s.UpsertEventRaw(ctx, model.EventRaw{
		SourceID: src.ID, RunID: runID, Title: "A", StartDatetime: time.Now().UTC(),
		Timezone: "America/New_York", ScrapedAt: time.Now().UTC(), ContentHash: "hash-a",
	})
	idB, _, _ := s.UpsertEventRaw(ctx, model.EventRaw{
		SourceID: src.ID, RunID: runID, Title: "B", StartDatetime: time.Now().UTC(),
		Timezone: "America/New_York", ScrapedAt: time.Now().UTC(), ContentHash: "hash-b",
	})
	idC, _, _ := s.UpsertEventRaw(ctx, model.EventRaw{
		SourceID: src.ID, RunID: runID, Title: "C", StartDatetime: time.Now().UTC(),
		Timezone: "America/New_York", ScrapedAt: time.Now().UTC(), ContentHash: "hash-c",
	})

	sorted := func(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
		if a.String() < b.String() {
			return a, b
		}
		return b, a
	}

	loAB, hiAB := sorted(idA, idB)
	require.NoError(t, s.ReplaceOpenMatches(ctx, []model.Match{
		{RawIDA: loAB, RawIDB: hiAB, Score: 0.8, Status: model.MatchStatusOpen, CreatedBy: "system"},
	}))

	loAC, hiAC := sorted(idA, idC)
	require.NoError(t, s.ReplaceOpenMatches(ctx, []model.Match{
		{RawIDA: loAC, RawIDB: hiAC, Score: 0.7, Status: model.MatchStatusOpen, CreatedBy: "system"},
	}))

	matches, err := s.ListMatches(ctx, nil, model.Page{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, loAC, matches[0].RawIDA)
}

func TestUpdateRunOnNonexistentRunReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	status := model.RunStatusSuccess
	err := s.UpdateRun(context.Background(), uuid.New(), model.RunPatch{Status: &status})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListStaleRunningRunsFindsRunsWithOldHeartbeats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := seedSource(t, s)
	runID, err := s.CreateRun(ctx, src.ID)
	require.NoError(t, err)

	running := model.RunStatusRunning
	oldHeartbeat := time.Now().UTC().Add(-1 * time.Hour)
	require.NoError(t, s.UpdateRun(ctx, runID, model.RunPatch{
		Status:          &running,
		LastHeartbeatAt: &oldHeartbeat,
	}))

	stale, err := s.ListStaleRunningRuns(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, runID, stale[0].ID)
}
