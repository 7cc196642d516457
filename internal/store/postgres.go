package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/openvenue/aggregator/internal/model"
)

// PostgresStore is the production Store backend, built directly on
// database/sql + jackc/pgx/v5's stdlib driver, the same combination
// postgres/migration.go already uses for running migrations — no ORM
// layer is reintroduced (the teacher's gorm usage was dropped; see
// DESIGN.md).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against dsn and pings it.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) GetSource(ctx context.Context, id uuid.UUID) (model.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, module_key, active, default_timezone, rate_limit_per_min,
		       source_type, instagram_username, notes, created_at, updated_at
		FROM sources WHERE id = $1`, id)
	return scanSource(row)
}

func (s *PostgresStore) ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	query := `SELECT id, name, base_url, module_key, active, default_timezone, rate_limit_per_min,
	                  source_type, instagram_username, notes, created_at, updated_at FROM sources`
	if activeOnly {
		query += ` WHERE active`
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

func (s *PostgresStore) UpsertSource(ctx context.Context, src model.Source) (uuid.UUID, error) {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, base_url, module_key, active, default_timezone,
		                      rate_limit_per_min, source_type, instagram_username, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, base_url = EXCLUDED.base_url, module_key = EXCLUDED.module_key,
			active = EXCLUDED.active, default_timezone = EXCLUDED.default_timezone,
			rate_limit_per_min = EXCLUDED.rate_limit_per_min, source_type = EXCLUDED.source_type,
			instagram_username = EXCLUDED.instagram_username, notes = EXCLUDED.notes, updated_at = now()`,
		src.ID, src.Name, src.BaseURL, src.ModuleKey, src.Active, src.DefaultTimezone,
		src.RateLimitPerMin, src.SourceType, src.InstagramUsername, src.Notes,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upserting source: %w", err)
	}
	return src.ID, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, sourceID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, source_id, status, started_at, last_heartbeat_at, events_found, pages_crawled)
		VALUES ($1,$2,$3,$4,$5,0,0)`,
		id, sourceID, model.RunStatusQueued, now, now,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating run: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, status, started_at, finished_at, last_heartbeat_at,
		       events_found, pages_crawled, errors, metadata
		FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, id uuid.UUID, patch model.RunPatch) error {
	sets, args := buildRunPatch(patch, "$")
	if len(sets) == 0 {
		return nil
	}
	query := "UPDATE runs SET " + joinSets(sets) + fmt.Sprintf(" WHERE id = $%d", len(args)+1)
	args = append(args, id)
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

func (s *PostgresStore) ListRuns(ctx context.Context, filter model.RunFilter, page model.Page) ([]model.Run, error) {
	query := `SELECT id, source_id, status, started_at, finished_at, last_heartbeat_at,
	                  events_found, pages_crawled, errors, metadata FROM runs WHERE 1=1`
	var args []interface{}
	if filter.SourceID != nil {
		args = append(args, *filter.SourceID)
		query += fmt.Sprintf(" AND source_id = $%d", len(args))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY started_at DESC"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
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

func (s *PostgresStore) ListStaleRunningRuns(ctx context.Context, olderThan time.Duration) ([]model.Run, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, status, started_at, finished_at, last_heartbeat_at,
		       events_found, pages_crawled, errors, metadata
		FROM runs WHERE status = $1 AND last_heartbeat_at < $2`,
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

func (s *PostgresStore) UpsertEventRaw(ctx context.Context, ev model.EventRaw) (uuid.UUID, bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	var conflictTarget string
	if ev.SourceEventID != "" {
		conflictTarget = "(source_id, source_event_id) WHERE source_event_id <> ''"
	} else {
		conflictTarget = "(source_id, content_hash)"
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO events_raw (
			id, source_id, run_id, source_event_id, title, description_html,
			start_datetime, end_datetime, timezone, venue_name, venue_address,
			city, region, country, lat, lon, organizer, category, price, tags,
			url, image_url, scraped_at, raw, content_hash
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25
		)
		ON CONFLICT %s DO NOTHING
		RETURNING id`, conflictTarget),
		ev.ID, ev.SourceID, ev.RunID, ev.SourceEventID, ev.Title, ev.DescriptionHTML,
		ev.StartDatetime, ev.EndDatetime, ev.Timezone, ev.VenueName, ev.VenueAddress,
		ev.City, ev.Region, ev.Country, ev.Lat, ev.Lon, ev.Organizer, ev.Category, ev.Price,
		pq.Array(ev.Tags), ev.URL, ev.ImageURL, ev.ScrapedAt, []byte(ev.Raw), ev.ContentHash,
	)

	var insertedID uuid.UUID
	if err := row.Scan(&insertedID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict hit: fetch the existing row's id.
			var existingQuery string
			var arg interface{}
			if ev.SourceEventID != "" {
				existingQuery = `SELECT id FROM events_raw WHERE source_id = $1 AND source_event_id = $2`
				row := s.db.QueryRowContext(ctx, existingQuery, ev.SourceID, ev.SourceEventID)
				var id uuid.UUID
				if err := row.Scan(&id); err != nil {
					return uuid.Nil, false, fmt.Errorf("fetching existing event by sourceEventId: %w", err)
				}
				return id, false, nil
			}
			existingQuery = `SELECT id FROM events_raw WHERE source_id = $1 AND content_hash = $2`
			arg = ev.ContentHash
			row := s.db.QueryRowContext(ctx, existingQuery, ev.SourceID, arg)
			var id uuid.UUID
			if err := row.Scan(&id); err != nil {
				return uuid.Nil, false, fmt.Errorf("fetching existing event by contentHash: %w", err)
			}
			return id, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("upserting event: %w", err)
	}

	return insertedID, true, nil
}

func (s *PostgresStore) ListEventsForMatching(ctx context.Context, filter model.MatchFilter) ([]model.EventRaw, error) {
	query := `SELECT id, source_id, run_id, source_event_id, title, description_html,
	                  start_datetime, end_datetime, timezone, venue_name, venue_address,
	                  city, region, country, lat, lon, organizer, category, price, tags,
	                  url, image_url, scraped_at, raw, content_hash
	           FROM events_raw WHERE 1=1`
	var args []interface{}
	if len(filter.SourceIDs) > 0 {
		args = append(args, pq.Array(filter.SourceIDs))
		query += fmt.Sprintf(" AND source_id = ANY($%d)", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND start_datetime >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND start_datetime < $%d", len(args))
	}
	query += " ORDER BY start_datetime"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events for matching: %w", err)
	}
	defer rows.Close()

	var out []model.EventRaw
	for rows.Next() {
		ev, err := scanEventRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplaceOpenMatches(ctx context.Context, pairs []model.Match) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace-open-matches tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM matches WHERE status = $1`, model.MatchStatusOpen); err != nil {
		return fmt.Errorf("deleting open matches: %w", err)
	}

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
			VALUES ($1,$2,$3,$4,$5,$6,$7, now())`,
			p.ID, p.RawIDA, p.RawIDB, p.Score, reasonJSON, p.Status, p.CreatedBy,
		); err != nil {
			return fmt.Errorf("inserting match: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) ListMatches(ctx context.Context, status *model.MatchStatus, page model.Page) ([]model.Match, error) {
	query := `SELECT id, raw_id_a, raw_id_b, score, reason, status, created_by, created_at FROM matches WHERE 1=1`
	var args []interface{}
	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
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

func (s *PostgresStore) Settings(ctx context.Context) (model.Settings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT flags, credentials, prompt_text, updated_at FROM settings WHERE id = TRUE`)
	return scanSettings(row)
}

func (s *PostgresStore) UpdateSettings(ctx context.Context, patch model.SettingsPatch) error {
	flagsJSON, err := json.Marshal(patch.Flags)
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}
	credsJSON, err := json.Marshal(patch.Credentials)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	prompt := ""
	if patch.PromptText != nil {
		prompt = *patch.PromptText
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, flags, credentials, prompt_text, updated_at)
		VALUES (TRUE, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			flags = CASE WHEN $4 THEN EXCLUDED.flags ELSE settings.flags END,
			credentials = CASE WHEN $5 THEN EXCLUDED.credentials ELSE settings.credentials END,
			prompt_text = CASE WHEN $6 THEN EXCLUDED.prompt_text ELSE settings.prompt_text END,
			updated_at = now()`,
		flagsJSON, credsJSON, prompt,
		patch.Flags != nil, patch.Credentials != nil, patch.PromptText != nil,
	)
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	return nil
}
