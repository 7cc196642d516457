package normalize_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvenue/aggregator/internal/model"
	"github.com/openvenue/aggregator/internal/normalize"
)

func testSource() model.Source {
	return model.Source{DefaultTimezone: "America/New_York"}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	raw := model.RawEvent{
		Title: "  Summer Jazz Night  ",
		Start: "2026-07-04T20:00:00",
		End:   "2026-07-04T23:00:00",
		City:  "Brooklyn",
		URL:   "https://example.com/events/jazz",
	}

	a, err := normalize.Normalize(raw, testSource())
	require.NoError(t, err)
	b, err := normalize.Normalize(raw, testSource())
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestNormalizeFallsBackToSourceTimezoneWhenRawTimezoneInvalid(t *testing.T) {
	raw := model.RawEvent{Title: "x", Start: "2026-07-04T20:00:00", Timezone: "not-a-zone"}
	ev, err := normalize.Normalize(raw, testSource())
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", ev.Timezone)
}

func TestNormalizeUsesRawTimezoneWhenValid(t *testing.T) {
	raw := model.RawEvent{Title: "x", Start: "2026-07-04T20:00:00", Timezone: "Europe/Paris"}
	ev, err := normalize.Normalize(raw, testSource())
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", ev.Timezone)
}

func TestNormalizeWrapsEndForwardWhenWrappedDurationIsSixHoursOrLess(t *testing.T) {
	raw := model.RawEvent{
		Title: "Late Show",
		Start: "2026-07-04T23:30:00",
		End:   "2026-07-04T00:30:00", // read literally this is 23h before start; wraps to +1 day, a 1h show
	}
	ev, err := normalize.Normalize(raw, testSource())
	require.NoError(t, err)
	require.NotNil(t, ev.EndDatetime)
	assert.True(t, ev.EndDatetime.After(ev.StartDatetime))
	assert.Equal(t, time.Hour, ev.EndDatetime.Sub(ev.StartDatetime))
}

func TestNormalizeDropsEndWhenStillInvalidAfterWrap(t *testing.T) {
	raw := model.RawEvent{
		Title: "x",
		Start: "2026-07-04T23:00:00",
		End:   "2026-07-04T10:00:00", // 13h before start, beyond the 6h wrap window
	}
	ev, err := normalize.Normalize(raw, testSource())
	require.NoError(t, err)
	assert.Nil(t, ev.EndDatetime)
}

func TestNormalizeClampsLatLonIndependently(t *testing.T) {
	badLat := 200.0
	goodLon := -74.0
	raw := model.RawEvent{Title: "x", Start: "2026-07-04T20:00:00", Lat: &badLat, Lon: &goodLon}

	ev, err := normalize.Normalize(raw, testSource())
	require.NoError(t, err)
	assert.Nil(t, ev.Lat)
	require.NotNil(t, ev.Lon)
	assert.Equal(t, goodLon, *ev.Lon)
}

func TestNormalizeDeduplicatesAndSortsTags(t *testing.T) {
	raw := model.RawEvent{Title: "x", Start: "2026-07-04T20:00:00", Tags: []string{"Music", "music", " Live ", ""}}
	ev, err := normalize.Normalize(raw, testSource())
	require.NoError(t, err)
	assert.Equal(t, []string{"live", "music"}, ev.Tags)
}

func TestNormalizeRejectsUnparseableStart(t *testing.T) {
	raw := model.RawEvent{Title: "x", Start: "not a date"}
	_, err := normalize.Normalize(raw, testSource())
	assert.Error(t, err)
}

func TestNormalizeContentHashStableAcrossEquivalentCasing(t *testing.T) {
	raw1 := model.RawEvent{Title: "Jazz Night", Start: "2026-07-04T20:00:00", VenueName: "The Hall", City: "NYC", URL: "https://EXAMPLE.com/e/1"}
	raw2 := model.RawEvent{Title: "JAZZ NIGHT", Start: "2026-07-04T20:00:00", VenueName: "the hall", City: "nyc", URL: "https://example.com/e/1"}

	ev1, err := normalize.Normalize(raw1, testSource())
	require.NoError(t, err)
	ev2, err := normalize.Normalize(raw2, testSource())
	require.NoError(t, err)

	assert.Equal(t, ev1.ContentHash, ev2.ContentHash)
}

func TestNormalizeInterpretsOffsetFreeStartInResolvedZone(t *testing.T) {
	raw := model.RawEvent{Title: "x", Start: "2026-01-15T12:00:00", Timezone: "America/New_York"}
	ev, err := normalize.Normalize(raw, testSource())
	require.NoError(t, err)

	loc, _ := time.LoadLocation("America/New_York")
	want := time.Date(2026, 1, 15, 12, 0, 0, 0, loc).UTC()
	assert.Equal(t, want, ev.StartDatetime)
}
