package matcher_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvenue/aggregator/internal/matcher"
	"github.com/openvenue/aggregator/internal/model"
)

func baseEvent() model.EventRaw {
	lat, lon := 40.7128, -74.0060
	return model.EventRaw{
		ID:            uuid.New(),
		SourceID:      uuid.New(),
		Title:         "Summer Jazz Night",
		StartDatetime: time.Date(2026, 8, 15, 20, 0, 0, 0, time.UTC),
		VenueName:     "The Hall",
		City:          "Brooklyn",
		Organizer:     "Jazz Collective",
		Category:      "music",
		Lat:           &lat,
		Lon:           &lon,
	}
}

func TestScoreMonotonicityIdenticalEventsScoreExactlyOne(t *testing.T) {
	a := baseEvent()
	b := a
	b.ID = uuid.New()
	b.SourceID = uuid.New() // source-differentiated, per spec Property 6

	matches := matcher.Compute([]model.EventRaw{a, b}, 7)
	require.Len(t, matches, 1)
	assert.Equal(t, 1.0, matches[0].Score)
	assert.NotEmpty(t, matches[0].Reason.Fragments)
}

func TestCrossSourceCandidatesCarryTheCrossSourceReasonFlag(t *testing.T) {
	a := baseEvent()
	b := a
	b.ID = uuid.New()
	b.SourceID = uuid.New()

	matches := matcher.Compute([]model.EventRaw{a, b}, 7)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Reason.CrossSource)
}

func TestRawIDOrderingIsAlwaysLexicographicallyAscending(t *testing.T) {
	a := baseEvent()
	b := a
	b.ID = uuid.New()
	b.SourceID = uuid.New()

	matches := matcher.Compute([]model.EventRaw{a, b}, 7)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].RawIDA.String() < matches[0].RawIDB.String())
}

func TestWindowDaysBoundaryEventExactlyAtLimitPasses(t *testing.T) {
	a := baseEvent()
	b := a
	b.ID = uuid.New()
	b.SourceID = uuid.New()
	b.StartDatetime = a.StartDatetime.AddDate(0, 0, 7)

	matches := matcher.Compute([]model.EventRaw{a, b}, 7)
	assert.NotEmpty(t, matches)
}

func TestWindowDaysBoundaryOneMillisecondBeyondLimitIsRejected(t *testing.T) {
	a := baseEvent()
	b := a
	b.ID = uuid.New()
	b.SourceID = uuid.New()
	b.StartDatetime = a.StartDatetime.AddDate(0, 0, 7).Add(time.Millisecond)

	matches := matcher.Compute([]model.EventRaw{a, b}, 7)
	assert.Empty(t, matches)
}

func TestFifteenMinuteBucketBoundarySplitsAdjacentEvents(t *testing.T) {
	a := baseEvent()
	a.StartDatetime = time.Date(2026, 8, 15, 12, 14, 59, 0, time.UTC)

	b := a
	b.ID = uuid.New()
	b.SourceID = uuid.New()
	b.StartDatetime = time.Date(2026, 8, 15, 12, 15, 0, 0, time.UTC)

	// Still within 15 minutes of each other, so the blocking phase (not
	// same-time clustering) is what admits this pair; confirm the pass
	// recorded is blocking, not same-time, since the events fall in
	// different 15-minute buckets.
	matches := matcher.Compute([]model.EventRaw{a, b}, 7)
	require.Len(t, matches, 1)
	assert.Equal(t, "blocking", matches[0].Reason.Pass)
}

func TestEmptyTitleAndOrganizerYieldZeroSimilarityNotNaN(t *testing.T) {
	sim := matcher.TitleSimilarity("", "")
	assert.Equal(t, 0.0, sim)
	assert.False(t, isNaN(sim))

	orgSim := matcher.OrganizerSimilarity("", "")
	assert.Equal(t, 0.0, orgSim)
	assert.False(t, isNaN(orgSim))
}

func TestVenueDistanceFallsBackToNameSimilarityWhenCoordinatesMissingOnOneSide(t *testing.T) {
	a := baseEvent()
	b := a
	b.ID = uuid.New()
	b.SourceID = uuid.New()
	b.Lat, b.Lon = nil, nil // one side missing coordinates

	d := matcher.VenueDistanceKM(a.Lat, a.Lon, b.Lat, b.Lon, a.VenueName, b.VenueName)
	require.NotNil(t, d)
	assert.GreaterOrEqual(t, *d, 0.0)
}

func TestVenueDistanceUndefinedWhenNeitherCoordinatesNorNamesAvailable(t *testing.T) {
	d := matcher.VenueDistanceKM(nil, nil, nil, nil, "", "")
	assert.Nil(t, d)
}

func TestComputeIsReplayIdempotentOnTheSameInputSet(t *testing.T) {
	a := baseEvent()
	b := a
	b.ID = uuid.New()
	b.SourceID = uuid.New()

	events := []model.EventRaw{a, b}
	first := matcher.Compute(events, 7)
	second := matcher.Compute(events, 7)

	require.Len(t, first, len(second))
	assert.Equal(t, first[0].Score, second[0].Score)
	assert.Equal(t, first[0].RawIDA, second[0].RawIDA)
}

func isNaN(f float64) bool { return f != f }
