package jobapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvenue/aggregator/internal/jobapi"
	"github.com/openvenue/aggregator/internal/logbus"
	"github.com/openvenue/aggregator/internal/model"
	"github.com/openvenue/aggregator/internal/queue"
	"github.com/openvenue/aggregator/internal/store"
)

// fakeBroker implements jobapi.Broker without a live Redis instance.
type fakeBroker struct {
	enqueued  []enqueued
	status    map[string]queue.Counts
	retried   []string
	cleanedAt time.Duration
}

type enqueued struct {
	taskType string
	payload  interface{}
	opts     queue.EnqueueOptions
}

func (f *fakeBroker) Enqueue(_ context.Context, taskType string, payload interface{}, opts queue.EnqueueOptions) error {
	f.enqueued = append(f.enqueued, enqueued{taskType: taskType, payload: payload, opts: opts})
	return nil
}

func (f *fakeBroker) QueueStatus() (map[string]queue.Counts, error) { return f.status, nil }

func (f *fakeBroker) Retry(_, jobID string) error {
	f.retried = append(f.retried, jobID)
	return nil
}

func (f *fakeBroker) Clean(olderThan time.Duration) error {
	f.cleanedAt = olderThan
	return nil
}

func newTestAPI(t *testing.T) (*jobapi.API, *store.SQLiteStore, *fakeBroker) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	broker := &fakeBroker{status: map[string]queue.Counts{
		queue.QueueScrape: {Waiting: 1},
	}}

	return &jobapi.API{
		Store:  s,
		Queue:  broker,
		LogBus: logbus.New(0, 0),
	}, s, broker
}

func seedSource(t *testing.T, s *store.SQLiteStore) uuid.UUID {
	t.Helper()
	id, err := s.UpsertSource(context.Background(), model.Source{
		Name: "Venue", ModuleKey: "fake_fixed", Active: true,
		DefaultTimezone: "America/New_York", RateLimitPerMin: 10, SourceType: model.SourceTypeWebsite,
	})
	require.NoError(t, err)
	return id
}

func TestHandleScrapeReturnsRunIDAndJobID(t *testing.T) {
	api, s, broker := newTestAPI(t)
	sourceID := seedSource(t, s)
	router := jobapi.NewRouter(api)

	body, _ := json.Marshal(map[string]any{"sourceId": sourceID, "testMode": true})
	req := httptest.NewRequest(http.MethodPost, "/scrape", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		RunID uuid.UUID `json:"runId"`
		JobID string    `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, uuid.Nil, resp.RunID)
	assert.NotEmpty(t, resp.JobID)
	require.Len(t, broker.enqueued, 1)
	assert.Equal(t, queue.TypeScrape, broker.enqueued[0].taskType)
}

func TestHandleScrapeUnknownSourceReturnsNotFound(t *testing.T) {
	api, _, _ := newTestAPI(t)
	router := jobapi.NewRouter(api)

	body, _ := json.Marshal(map[string]any{"sourceId": uuid.New()})
	req := httptest.NewRequest(http.MethodPost, "/scrape", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleScrapeMissingSourceIDReturnsUnprocessable(t *testing.T) {
	api, _, _ := newTestAPI(t)
	router := jobapi.NewRouter(api)

	req := httptest.NewRequest(http.MethodPost, "/scrape", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleMatchReturnsJobID(t *testing.T) {
	api, _, broker := newTestAPI(t)
	router := jobapi.NewRouter(api)

	req := httptest.NewRequest(http.MethodPost, "/match", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	require.Len(t, broker.enqueued, 1)
	assert.Equal(t, queue.TypeMatch, broker.enqueued[0].taskType)
}

func TestHandleQueueStatusReturnsPerQueueCounts(t *testing.T) {
	api, _, _ := newTestAPI(t)
	router := jobapi.NewRouter(api)

	req := httptest.NewRequest(http.MethodGet, "/queue/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]queue.Counts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp[queue.QueueScrape].Waiting)
}

func TestHandleLogHistoryReturnsAppendedEntries(t *testing.T) {
	api, s, _ := newTestAPI(t)
	sourceID := seedSource(t, s)
	runID, err := s.CreateRun(context.Background(), sourceID)
	require.NoError(t, err)

	api.LogBus.Append(runID, logbus.Entry{Level: logbus.LevelInfo, Source: "scraper", Msg: "hello"})

	router := jobapi.NewRouter(api)
	req := httptest.NewRequest(http.MethodGet, "/logs/history/"+runID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Logs []struct {
			Type  string `json:"type"`
			Msg   string `json:"msg"`
			Level int    `json:"level"`
		} `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Logs, 1)
	assert.Equal(t, "log", resp.Logs[0].Type)
	assert.Equal(t, "hello", resp.Logs[0].Msg)
	assert.Equal(t, 30, resp.Logs[0].Level)
}

func TestHandleLogHistoryUnknownRunReturnsNotFound(t *testing.T) {
	api, _, _ := newTestAPI(t)
	router := jobapi.NewRouter(api)

	req := httptest.NewRequest(http.MethodGet, "/logs/history/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStreamLogsSendsConnectedFrameThenLogFrame(t *testing.T) {
	api, s, _ := newTestAPI(t)
	sourceID := seedSource(t, s)
	runID, err := s.CreateRun(context.Background(), sourceID)
	require.NoError(t, err)

	router := jobapi.NewRouter(api)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/logs/stream/"+runID.String(), nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler time to write the connected frame, then append a
	// log entry and let the context timeout end the stream.
	time.Sleep(50 * time.Millisecond)
	api.LogBus.Append(runID, logbus.Entry{Level: logbus.LevelWarn, Msg: "mid-stream"})

	<-done

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `"type":"connected"`)
	assert.Contains(t, body, `"type":"log"`)
	assert.Contains(t, body, "mid-stream")
}
