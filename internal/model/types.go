// Package model holds the core domain types shared across the pipeline:
// sources, runs, raw and canonical events, matches and settings.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SourceType identifies how a Source is scraped.
type SourceType string

const (
	SourceTypeWebsite      SourceType = "website"
	SourceTypeInstagram    SourceType = "instagram"
	SourceTypePosterImport SourceType = "poster-import"
)

// Source is a logical origin of events: a website, an Instagram account,
// or a poster-upload channel.
type Source struct {
	ID                uuid.UUID
	Name              string
	BaseURL           string
	ModuleKey         string
	Active            bool
	DefaultTimezone   string
	RateLimitPerMin   int
	SourceType        SourceType
	InstagramUsername string
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusError   RunStatus = "error"
)

// Run is a single execution of a scrape against one Source.
type Run struct {
	ID                uuid.UUID
	SourceID          uuid.UUID
	Status            RunStatus
	StartedAt         time.Time
	FinishedAt        *time.Time
	LastHeartbeatAt   time.Time
	EventsFound       int
	PagesCrawled      int
	Errors            json.RawMessage
	Metadata          json.RawMessage
}

// IsTerminal reports whether the run has reached a terminal status.
func (r Run) IsTerminal() bool {
	switch r.Status {
	case RunStatusSuccess, RunStatusPartial, RunStatusError:
		return true
	default:
		return false
	}
}

// RawEvent is a module's output before normalization (spec §4.6).
type RawEvent struct {
	SourceEventID   string
	Title           string
	Start           string // ISO local, ISO with offset, or "YYYY-MM-DD HH:MM"
	End             string
	Timezone        string
	VenueName       string
	VenueAddress    string
	City            string
	Region          string
	Country         string
	Lat             *float64
	Lon             *float64
	Organizer       string
	Category        string
	Price           string
	Tags            []string
	URL             string
	ImageURL        string
	DescriptionHTML string
	Raw             json.RawMessage
}

// EventRaw is a persisted, normalized event tied to a specific run.
type EventRaw struct {
	ID              uuid.UUID
	SourceID        uuid.UUID
	RunID           uuid.UUID
	SourceEventID   string
	Title           string
	DescriptionHTML string
	StartDatetime   time.Time // UTC instant
	EndDatetime     *time.Time
	Timezone        string
	VenueName       string
	VenueAddress    string
	City            string
	Region          string
	Country         string
	Lat             *float64
	Lon             *float64
	Organizer       string
	Category        string
	Price           string
	Tags            []string
	URL             string
	ImageURL        string
	ScrapedAt       time.Time
	Raw             json.RawMessage
	ContentHash     string
}

// EventCanonical is a merged view of one or more EventRaw rows.
type EventCanonical struct {
	EventRaw
	MergedFromRawIDs []uuid.UUID
}

// MatchStatus is the lifecycle state of a Match.
type MatchStatus string

const (
	MatchStatusOpen      MatchStatus = "open"
	MatchStatusConfirmed MatchStatus = "confirmed"
	MatchStatusRejected  MatchStatus = "rejected"
)

// MatchReason carries the human-readable and structured features behind a
// Match's score.
type MatchReason struct {
	Fragments           []string `json:"fragments"`
	TitleSimilarity     float64  `json:"titleSimilarity"`
	TimeDeltaMinutes    float64  `json:"timeDeltaMinutes"`
	VenueDistanceKM     *float64 `json:"venueDistanceKm,omitempty"`
	OrganizerSimilarity float64  `json:"organizerSimilarity"`
	CrossSource         bool     `json:"crossSource"`
	Pass                string   `json:"pass"` // "blocking" or "same-time"
}

// Match is a proposed duplicate pair of EventRaw rows.
type Match struct {
	ID        uuid.UUID
	RawIDA    uuid.UUID // RawIDA < RawIDB always
	RawIDB    uuid.UUID
	Score     float64
	Reason    MatchReason
	Status    MatchStatus
	CreatedBy string // "system" or "user:<id>"
	CreatedAt time.Time
}

// MatchFilter bounds the candidate set the Matcher loads: an optional
// source-id set and a half-open UTC time window.
type MatchFilter struct {
	SourceIDs []uuid.UUID
	From      time.Time
	To        time.Time
}

// RunFilter bounds a ListRuns query.
type RunFilter struct {
	SourceID *uuid.UUID
	Status   *RunStatus
}

// Page is a simple offset/limit pagination cursor.
type Page struct {
	Offset int
	Limit  int
}

// RunPatch carries the mutable subset of Run fields UpdateRun applies.
type RunPatch struct {
	Status          *RunStatus
	FinishedAt      *time.Time
	LastHeartbeatAt *time.Time
	EventsFound     *int
	PagesCrawled    *int
	Errors          json.RawMessage
	Metadata        json.RawMessage
}

// SettingsPatch carries the mutable subset of Settings UpdateSettings
// applies; nil maps/fields are left untouched.
type SettingsPatch struct {
	Flags       map[string]bool
	Credentials map[string]string
	PromptText  *string
}

// Settings is the singleton feature-flag / credential record.
type Settings struct {
	Flags       map[string]bool
	Credentials map[string]string
	PromptText  string
	UpdatedAt   time.Time
}
