package jobapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/openvenue/aggregator/internal/logbus"
	"github.com/openvenue/aggregator/internal/queue"
)

// apiError is the `{error, details?}` envelope spec §7 mandates for
// every boundary failure, grounded on the teacher's web.apiError
// (web/web.go).
type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// NewRouter builds the mux for spec §6's external interfaces:
// POST /scrape, POST /match, GET /queue/status,
// GET /logs/stream/{runId}, GET /logs/history/{runId}. Grounded on
// web/subscription.go's gorilla/mux handler-per-route shape.
func NewRouter(api *API) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/scrape", api.handleScrape).Methods(http.MethodPost)
	r.HandleFunc("/match", api.handleMatch).Methods(http.MethodPost)
	r.HandleFunc("/queue/status", api.handleQueueStatus).Methods(http.MethodGet)
	r.HandleFunc("/logs/stream/{runId}", api.handleStreamLogs).Methods(http.MethodGet)
	r.HandleFunc("/logs/history/{runId}", api.handleLogHistory).Methods(http.MethodGet)
	return r
}

func renderJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func renderError(w http.ResponseWriter, code int, err error) {
	renderJSON(w, code, apiError{Error: http.StatusText(code), Details: err.Error()})
}

func statusForLookupError(err error) int {
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type uploadedFileRequest struct {
	Path    string `json:"path"`
	Format  string `json:"format"`
	Content string `json:"content"`
}

type paginationOptions struct {
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

type scrapeRequest struct {
	SourceID          uuid.UUID            `json:"sourceId"`
	TestMode          bool                  `json:"testMode,omitempty"`
	PaginationOptions *paginationOptions    `json:"paginationOptions,omitempty"`
	UploadedFile      *uploadedFileRequest  `json:"uploadedFile,omitempty"`
}

type scrapeResponse struct {
	RunID uuid.UUID `json:"runId"`
	JobID string    `json:"jobId"`
}

func (a *API) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if req.SourceID == uuid.Nil {
		renderError(w, http.StatusUnprocessableEntity, errors.New("sourceId is required"))
		return
	}

	opts := ScrapeOptions{TestMode: req.TestMode}
	if req.PaginationOptions != nil {
		opts.DateWindowStart = req.PaginationOptions.StartDate
		opts.DateWindowEnd = req.PaginationOptions.EndDate
	}
	if req.UploadedFile != nil {
		opts.UploadedFile = &queue.UploadedFilePayload{
			Path:    req.UploadedFile.Path,
			Format:  req.UploadedFile.Format,
			Content: req.UploadedFile.Content,
		}
	}

	runID, jobID, err := a.SubmitScrape(r.Context(), req.SourceID, opts)
	if err != nil {
		renderError(w, statusForLookupError(err), err)
		return
	}

	renderJSON(w, http.StatusOK, scrapeResponse{RunID: runID, JobID: jobID})
}

type matchRequest struct {
	SourceIDs []uuid.UUID `json:"sourceIds,omitempty"`
	StartDate *time.Time  `json:"startDate,omitempty"`
	EndDate   *time.Time  `json:"endDate,omitempty"`
}

type matchResponse struct {
	JobID string `json:"jobId"`
}

func (a *API) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			renderError(w, http.StatusUnprocessableEntity, err)
			return
		}
	}

	jobID, err := a.SubmitMatch(r.Context(), MatchOptions{
		SourceIDs: req.SourceIDs,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	})
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}

	renderJSON(w, http.StatusOK, matchResponse{JobID: jobID})
}

func (a *API) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := a.QueueStatus()
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	renderJSON(w, http.StatusOK, status)
}

func runIDFromVars(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["runId"])
}

// connectedEvent is the first SSE frame sent on every stream
// connection (spec §6).
type connectedEvent struct {
	Type  string    `json:"type"`
	RunID uuid.UUID `json:"runId"`
}

// logEvent is the wire shape of every subsequent SSE frame and of each
// element in GET /logs/history/{runId}'s `logs` array (spec §6).
type logEvent struct {
	Type      string    `json:"type"`
	ID        uint64    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Level     int       `json:"level"`
	Source    string    `json:"source"`
	Msg       string    `json:"msg"`
	RunID     uuid.UUID `json:"runId"`
}

func toLogEvent(e logbus.Entry) logEvent {
	return logEvent{
		Type:      "log",
		ID:        e.Sequence,
		Timestamp: e.Timestamp.UnixMilli(),
		Level:     int(e.Level),
		Source:    e.Source,
		Msg:       e.Msg,
		RunID:     e.RunID,
	}
}

// handleStreamLogs serves GET /logs/stream/{runId} as
// text/event-stream, grounded on the teacher's streamEvents
// (web/web.go): connected frame, http.Flusher after every write,
// heartbeat comments to keep intermediaries from closing the
// connection, exit on client disconnect.
func (a *API) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDFromVars(r)
	if err != nil {
		renderError(w, http.StatusUnprocessableEntity, err)
		return
	}

	ctx, cancelStream := context.WithCancel(r.Context())
	defer cancelStream()

	stream, cancelTail, err := a.StreamLogs(ctx, runID)
	if err != nil {
		renderError(w, statusForLookupError(err), err)
		return
	}
	defer cancelTail()

	flusher, ok := w.(http.Flusher)
	if !ok {
		renderError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, connectedEvent{Type: "connected", RunID: runID})
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-stream:
			if !ok {
				return
			}
			writeSSE(w, toLogEvent(e))
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n\n"))
}

type logHistoryResponse struct {
	Logs []logEvent `json:"logs"`
}

func (a *API) handleLogHistory(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDFromVars(r)
	if err != nil {
		renderError(w, http.StatusUnprocessableEntity, err)
		return
	}

	entries, err := a.LogHistory(r.Context(), runID)
	if err != nil {
		renderError(w, statusForLookupError(err), err)
		return
	}

	logs := make([]logEvent, len(entries))
	for i, e := range entries {
		logs[i] = toLogEvent(e)
	}

	renderJSON(w, http.StatusOK, logHistoryResponse{Logs: logs})
}
