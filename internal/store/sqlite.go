package store

import (
	"context"
	_ "embed"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/openvenue/aggregator/internal/model"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore is the offline/test Store backend used wherever a
// Postgres instance isn't available, per SPEC_FULL.md §7's decision to
// drop testcontainers-go in favor of modernc.org/sqlite (no Docker in
// this environment). It implements the exact same Store contract as
// PostgresStore, with SQL text adapted to SQLite's dialect (no native
// arrays, UUID/JSONB types, or RETURNING-after-DO-NOTHING support).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and creates, if necessary) a SQLite database at
// path and applies the embedded schema. path may be ":memory:" for
// tests.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetSource(ctx context.Context, id uuid.UUID) (model.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, module_key, active, default_timezone, rate_limit_per_min,
		       source_type, instagram_username, notes, created_at, updated_at
		FROM sources WHERE id = ?`, id.String())
	return scanSource(row)
}

func (s *SQLiteStore) ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	query := `SELECT id, name, base_url, module_key, active, default_timezone, rate_limit_per_min,
	                  source_type, instagram_username, notes, created_at, updated_at FROM sources`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertSource(ctx context.Context, src model.Source) (uuid.UUID, error) {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, base_url, module_key, active, default_timezone,
		                      rate_limit_per_min, source_type, instagram_username, notes, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, base_url=excluded.base_url, module_key=excluded.module_key,
			active=excluded.active, default_timezone=excluded.default_timezone,
			rate_limit_per_min=excluded.rate_limit_per_min, source_type=excluded.source_type,
			instagram_username=excluded.instagram_username, notes=excluded.notes, updated_at=excluded.updated_at`,
		src.ID.String(), src.Name, src.BaseURL, src.ModuleKey, src.Active, src.DefaultTimezone,
		src.RateLimitPerMin, src.SourceType, src.InstagramUsername, src.Notes, now, now,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upserting source: %w", err)
	}
	return src.ID, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, sourceID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, source_id, status, started_at, last_heartbeat_at, events_found, pages_crawled)
		VALUES (?,?,?,?,?,0,0)`,
		id.String(), sourceID.String(), model.RunStatusQueued, now, now,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating run: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, status, started_at, finished_at, last_heartbeat_at,
		       events_found, pages_crawled, errors, metadata
		FROM runs WHERE id = ?`, id.String())
	return scanRun(row)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, id uuid.UUID, patch model.RunPatch) error {
	sets, args := buildRunPatch(patch, "?")
	if len(sets) == 0 {
		return nil
	}
	// Store timestamps as RFC3339 text, like CreateRun, so the string
	// comparison in ListStaleRunningRuns orders them correctly.
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			args[i] = t.UTC().Format(time.RFC3339)
		}
	}
	query := "UPDATE runs SET " + joinSets(sets) + " WHERE id = ?"
	args = append(args, id.String())
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter, page model.Page) ([]model.Run, error) {
	query := `SELECT id, source_id, status, started_at, finished_at, last_heartbeat_at,
	                  events_found, pages_crawled, errors, metadata FROM runs WHERE 1=1`
	var args []interface{}
	if filter.SourceID != nil {
		query += " AND source_id = ?"
		args = append(args, filter.SourceID.String())
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	query += " ORDER BY started_at DESC"
	if page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListStaleRunningRuns(ctx context.Context, olderThan time.Duration) ([]model.Run, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, status, started_at, finished_at, last_heartbeat_at,
		       events_found, pages_crawled, errors, metadata
		FROM runs WHERE status = ? AND last_heartbeat_at < ?`,
		model.RunStatusRunning, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertEventRaw(ctx context.Context, ev model.EventRaw) (uuid.UUID, bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	existingID, found, err := s.findExistingEvent(ctx, ev)
	if err != nil {
		return uuid.Nil, false, err
	}
	if found {
		return existingID, false, nil
	}

	tagsJSON, err := json.Marshal(ev.Tags)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshaling tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events_raw (
			id, source_id, run_id, source_event_id, title, description_html,
			start_datetime, end_datetime, timezone, venue_name, venue_address,
			city, region, country, lat, lon, organizer, category, price, tags,
			url, image_url, scraped_at, raw, content_hash
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID.String(), ev.SourceID.String(), ev.RunID.String(), ev.SourceEventID, ev.Title, ev.DescriptionHTML,
		formatTimePtr(&ev.StartDatetime), formatTimePtr(ev.EndDatetime), ev.Timezone, ev.VenueName, ev.VenueAddress,
		ev.City, ev.Region, ev.Country, ev.Lat, ev.Lon, ev.Organizer, ev.Category, ev.Price,
		string(tagsJSON), ev.URL, ev.ImageURL, ev.ScrapedAt.Format(time.RFC3339), []byte(ev.Raw), ev.ContentHash,
	)
	if err != nil {
		// A concurrent insert may have won the unique-index race between
		// our existence check and this insert; treat that as a conflict
		// hit rather than an error, matching the Postgres path's
		// ON CONFLICT DO NOTHING semantics.
		existingID, found, ferr := s.findExistingEvent(ctx, ev)
		if ferr == nil && found {
			return existingID, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("inserting event: %w", err)
	}

	return ev.ID, true, nil
}

func (s *SQLiteStore) findExistingEvent(ctx context.Context, ev model.EventRaw) (uuid.UUID, bool, error) {
	var query string
	var arg interface{}
	if ev.SourceEventID != "" {
		query = `SELECT id FROM events_raw WHERE source_id = ? AND source_event_id = ?`
		arg = ev.SourceEventID
	} else {
		query = `SELECT id FROM events_raw WHERE source_id = ? AND content_hash = ?`
		arg = ev.ContentHash
	}

	var idStr string
	err := s.db.QueryRowContext(ctx, query, ev.SourceID.String(), arg).Scan(&idStr)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("checking for existing event: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parsing existing event id: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) ListEventsForMatching(ctx context.Context, filter model.MatchFilter) ([]model.EventRaw, error) {
	query := `SELECT id, source_id, run_id, source_event_id, title, description_html,
	                  start_datetime, end_datetime, timezone, venue_name, venue_address,
	                  city, region, country, lat, lon, organizer, category, price, tags,
	                  url, image_url, scraped_at, raw, content_hash
	           FROM events_raw WHERE 1=1`
	var args []interface{}
	if len(filter.SourceIDs) > 0 {
		placeholders := ""
		for i, id := range filter.SourceIDs {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, id.String())
		}
		query += " AND source_id IN (" + placeholders + ")"
	}
	if !filter.From.IsZero() {
		query += " AND start_datetime >= ?"
		args = append(args, filter.From.Format(time.RFC3339))
	}
	if !filter.To.IsZero() {
		query += " AND start_datetime < ?"
		args = append(args, filter.To.Format(time.RFC3339))
	}
	query += " ORDER BY start_datetime"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events for matching: %w", err)
	}
	defer rows.Close()

	var out []model.EventRaw
	for rows.Next() {
		ev, err := scanEventRawSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReplaceOpenMatches(ctx context.Context, pairs []model.Match) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace-open-matches tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM matches WHERE status = ?`, model.MatchStatusOpen); err != nil {
		return fmt.Errorf("deleting open matches: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range pairs {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		reasonJSON, err := json.Marshal(p.Reason)
		if err != nil {
			return fmt.Errorf("marshaling match reason: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO matches (id, raw_id_a, raw_id_b, score, reason, status, created_by, created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			p.ID.String(), p.RawIDA.String(), p.RawIDB.String(), p.Score, string(reasonJSON), p.Status, p.CreatedBy, now,
		); err != nil {
			return fmt.Errorf("inserting match: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListMatches(ctx context.Context, status *model.MatchStatus, page model.Page) ([]model.Match, error) {
	query := `SELECT id, raw_id_a, raw_id_b, score, reason, status, created_by, created_at FROM matches WHERE 1=1`
	var args []interface{}
	if status != nil {
		query += " AND status = ?"
		args = append(args, *status)
	}
	query += " ORDER BY created_at DESC"
	if page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	defer rows.Close()

	var out []model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Settings(ctx context.Context) (model.Settings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT flags, credentials, prompt_text, updated_at FROM settings WHERE id = 1`)
	return scanSettings(row)
}

func (s *SQLiteStore) UpdateSettings(ctx context.Context, patch model.SettingsPatch) error {
	existing, err := s.Settings(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("loading existing settings: %w", err)
	}

	flags := existing.Flags
	if patch.Flags != nil {
		flags = patch.Flags
	}
	creds := existing.Credentials
	if patch.Credentials != nil {
		creds = patch.Credentials
	}
	prompt := existing.PromptText
	if patch.PromptText != nil {
		prompt = *patch.PromptText
	}

	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}
	credsJSON, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, flags, credentials, prompt_text, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			flags=excluded.flags, credentials=excluded.credentials,
			prompt_text=excluded.prompt_text, updated_at=excluded.updated_at`,
		string(flagsJSON), string(credsJSON), prompt, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	return nil
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// scanEventRawSQLite scans an events_raw row. Timestamp columns are
// declared DATETIME in sqlite_schema.sql, which modernc.org/sqlite
// parses into time.Time directly on Scan, same as scanEventRaw; the
// one real divergence from the Postgres path is tags, stored as a JSON
// array string rather than a native TEXT[].
func scanEventRawSQLite(r scanner) (model.EventRaw, error) {
	var ev model.EventRaw
	var tagsJSON string
	var raw []byte

	err := r.Scan(&ev.ID, &ev.SourceID, &ev.RunID, &ev.SourceEventID, &ev.Title, &ev.DescriptionHTML,
		&ev.StartDatetime, &ev.EndDatetime, &ev.Timezone, &ev.VenueName, &ev.VenueAddress,
		&ev.City, &ev.Region, &ev.Country, &ev.Lat, &ev.Lon, &ev.Organizer, &ev.Category, &ev.Price,
		&tagsJSON, &ev.URL, &ev.ImageURL, &ev.ScrapedAt, &raw, &ev.ContentHash)
	if err != nil {
		return model.EventRaw{}, fmt.Errorf("scanning event_raw: %w", err)
	}

	if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
		return model.EventRaw{}, fmt.Errorf("unmarshaling tags: %w", err)
	}
	ev.Raw = raw
	return ev, nil
}
