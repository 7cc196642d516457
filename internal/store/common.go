package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/openvenue/aggregator/internal/model"
)

// ErrNotFound is returned when an update targets a row that does not
// exist.
var ErrNotFound = errors.New("store: not found")

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(r scanner) (model.Source, error) {
	var s model.Source
	err := r.Scan(&s.ID, &s.Name, &s.BaseURL, &s.ModuleKey, &s.Active, &s.DefaultTimezone,
		&s.RateLimitPerMin, &s.SourceType, &s.InstagramUsername, &s.Notes, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return model.Source{}, fmt.Errorf("scanning source: %w", err)
	}
	return s, nil
}

func scanRun(r scanner) (model.Run, error) {
	var run model.Run
	var errorsRaw, metaRaw []byte
	err := r.Scan(&run.ID, &run.SourceID, &run.Status, &run.StartedAt, &run.FinishedAt,
		&run.LastHeartbeatAt, &run.EventsFound, &run.PagesCrawled, &errorsRaw, &metaRaw)
	if err != nil {
		return model.Run{}, fmt.Errorf("scanning run: %w", err)
	}
	run.Errors = errorsRaw
	run.Metadata = metaRaw
	return run, nil
}

func scanEventRaw(r scanner) (model.EventRaw, error) {
	var ev model.EventRaw
	var tags pq.StringArray
	var raw []byte
	err := r.Scan(&ev.ID, &ev.SourceID, &ev.RunID, &ev.SourceEventID, &ev.Title, &ev.DescriptionHTML,
		&ev.StartDatetime, &ev.EndDatetime, &ev.Timezone, &ev.VenueName, &ev.VenueAddress,
		&ev.City, &ev.Region, &ev.Country, &ev.Lat, &ev.Lon, &ev.Organizer, &ev.Category, &ev.Price,
		&tags, &ev.URL, &ev.ImageURL, &ev.ScrapedAt, &raw, &ev.ContentHash)
	if err != nil {
		return model.EventRaw{}, fmt.Errorf("scanning event_raw: %w", err)
	}
	ev.Tags = []string(tags)
	ev.Raw = raw
	return ev, nil
}

func scanMatch(r scanner) (model.Match, error) {
	var m model.Match
	var reasonRaw []byte
	err := r.Scan(&m.ID, &m.RawIDA, &m.RawIDB, &m.Score, &reasonRaw, &m.Status, &m.CreatedBy, &m.CreatedAt)
	if err != nil {
		return model.Match{}, fmt.Errorf("scanning match: %w", err)
	}
	if err := json.Unmarshal(reasonRaw, &m.Reason); err != nil {
		return model.Match{}, fmt.Errorf("unmarshaling match reason: %w", err)
	}
	return m, nil
}

func scanSettings(r scanner) (model.Settings, error) {
	var s model.Settings
	var flagsRaw, credsRaw []byte
	err := r.Scan(&flagsRaw, &credsRaw, &s.PromptText, &s.UpdatedAt)
	if err != nil {
		return model.Settings{}, fmt.Errorf("scanning settings: %w", err)
	}
	if len(flagsRaw) > 0 {
		if err := json.Unmarshal(flagsRaw, &s.Flags); err != nil {
			return model.Settings{}, fmt.Errorf("unmarshaling flags: %w", err)
		}
	}
	if len(credsRaw) > 0 {
		if err := json.Unmarshal(credsRaw, &s.Credentials); err != nil {
			return model.Settings{}, fmt.Errorf("unmarshaling credentials: %w", err)
		}
	}
	return s, nil
}

// buildRunPatch returns the "col = $n" fragments and bound args for the
// non-nil fields of patch. placeholder is "$" for postgres-style
// numbered params or "?" for sqlite-style positional params.
func buildRunPatch(patch model.RunPatch, placeholder string) ([]string, []interface{}) {
	var sets []string
	var args []interface{}

	add := func(col string, val interface{}) {
		args = append(args, val)
		if placeholder == "$" {
			sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
		} else {
			sets = append(sets, col+" = ?")
		}
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.FinishedAt != nil {
		add("finished_at", *patch.FinishedAt)
	}
	if patch.LastHeartbeatAt != nil {
		add("last_heartbeat_at", *patch.LastHeartbeatAt)
	}
	if patch.EventsFound != nil {
		add("events_found", *patch.EventsFound)
	}
	if patch.PagesCrawled != nil {
		add("pages_crawled", *patch.PagesCrawled)
	}
	if patch.Errors != nil {
		add("errors", []byte(patch.Errors))
	}
	if patch.Metadata != nil {
		add("metadata", []byte(patch.Metadata))
	}

	return sets, args
}

func joinSets(sets []string) string {
	out := ""
	for i, s := range sets {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
