package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task type names registered with asynq. Each maps 1:1 to one of the
// three durable queues (scrape, match, instagram).
const (
	TypeScrape    = "scrape:run"
	TypeMatch     = "match:run"
	TypeInstagram = "instagram:fetch"
)

// Queue names, used both as asynq queue identifiers and as the keys in
// QueueStatus responses.
const (
	QueueScrape    = "scrape"
	QueueMatch     = "match"
	QueueInstagram = "instagram"
)

// UploadedFilePayload carries a manually-uploaded export that a scrape
// job should ingest instead of (or alongside) live crawling.
type UploadedFilePayload struct {
	Path    string `json:"path"`
	Format  string `json:"format"`
	Content string `json:"content"`
}

// ScrapePayload is the body of a scrape:run task.
type ScrapePayload struct {
	RunID           uuid.UUID            `json:"runId"`
	SourceID        uuid.UUID            `json:"sourceId"`
	TestMode        bool                 `json:"testMode,omitempty"`
	DateWindowStart *time.Time           `json:"dateWindowStart,omitempty"`
	DateWindowEnd   *time.Time           `json:"dateWindowEnd,omitempty"`
	UploadedFile    *UploadedFilePayload `json:"uploadedFile,omitempty"`
}

// MatchPayload is the body of a match:run task.
type MatchPayload struct {
	SourceIDs []uuid.UUID `json:"sourceIds,omitempty"`
	StartDate *time.Time  `json:"startDate,omitempty"`
	EndDate   *time.Time  `json:"endDate,omitempty"`
}

// InstagramPayload is the body of an instagram:fetch task.
type InstagramPayload struct {
	RunID     uuid.UUID `json:"runId"`
	SourceID  uuid.UUID `json:"sourceId"`
	Username  string    `json:"username"`
	PostLimit int       `json:"postLimit,omitempty"`
}

func marshalPayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalPayload decodes a task's raw payload bytes into v. Handlers
// call this to recover the typed payload asynq.Task.Payload() erases.
func UnmarshalPayload(body []byte, v interface{}) error {
	return json.Unmarshal(body, v)
}
