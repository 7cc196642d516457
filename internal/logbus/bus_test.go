package logbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvenue/aggregator/internal/logbus"
)

func TestHistoryReturnsAppendedEntriesInOrder(t *testing.T) {
	bus := logbus.New(0, 0)
	runID := uuid.New()

	bus.Append(runID, logbus.Entry{Level: logbus.LevelInfo, Msg: "first"})
	bus.Append(runID, logbus.Entry{Level: logbus.LevelWarn, Msg: "second"})

	hist := bus.History(runID, 0)
	require.Len(t, hist, 2)
	assert.Equal(t, "first", hist[0].Msg)
	assert.Equal(t, "second", hist[1].Msg)
	assert.Equal(t, uint64(1), hist[0].Sequence)
	assert.Equal(t, uint64(2), hist[1].Sequence)
}

func TestHistoryRespectsLimit(t *testing.T) {
	bus := logbus.New(0, 0)
	runID := uuid.New()

	for i := 0; i < 5; i++ {
		bus.Append(runID, logbus.Entry{Level: logbus.LevelInfo, Msg: "x"})
	}

	hist := bus.History(runID, 2)
	require.Len(t, hist, 2)
	assert.Equal(t, uint64(4), hist[0].Sequence)
	assert.Equal(t, uint64(5), hist[1].Sequence)
}

func TestTailDeliversBacklogThenLive(t *testing.T) {
	bus := logbus.New(0, 0)
	runID := uuid.New()

	bus.Append(runID, logbus.Entry{Msg: "backlog-1"})

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	stream, cancel := bus.Tail(ctx, runID, 0)
	defer cancel()

	first := <-stream
	assert.Equal(t, "backlog-1", first.Msg)

	bus.Append(runID, logbus.Entry{Msg: "live-1"})

	select {
	case e := <-stream:
		assert.Equal(t, "live-1", e.Msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live entry")
	}
}

func TestTailFromSequenceSkipsAlreadySeen(t *testing.T) {
	bus := logbus.New(0, 0)
	runID := uuid.New()

	bus.Append(runID, logbus.Entry{Msg: "a"})
	e2 := bus.Append(runID, logbus.Entry{Msg: "b"})

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	stream, cancel := bus.Tail(ctx, runID, e2.Sequence-1)
	defer cancel()

	got := <-stream
	assert.Equal(t, "b", got.Msg)
}

func TestRetentionTrimsOldestEntriesPastMaxEntries(t *testing.T) {
	bus := logbus.New(3, 0)
	runID := uuid.New()

	for i := 0; i < 5; i++ {
		bus.Append(runID, logbus.Entry{Msg: "x"})
	}

	hist := bus.History(runID, 0)
	require.Len(t, hist, 3)
	assert.Equal(t, uint64(3), hist[0].Sequence)
	assert.Equal(t, uint64(5), hist[2].Sequence)
}

func TestLastActivityReflectsMostRecentAppend(t *testing.T) {
	bus := logbus.New(0, 0)
	runID := uuid.New()

	_, ok := bus.LastActivity(runID)
	assert.False(t, ok)

	bus.Append(runID, logbus.Entry{Msg: "x"})

	ts, ok := bus.LastActivity(runID)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Second)
}
