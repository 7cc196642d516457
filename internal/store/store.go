// Package store implements durable typed access to sources, runs,
// events, matches, and settings (spec §4.1). postgres.go and sqlite.go
// satisfy the same Store interface against jackc/pgx/v5's database/sql
// driver and modernc.org/sqlite respectively, mirroring postgres/
// migration.go's database/sql-first idiom rather than reintroducing
// an ORM.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openvenue/aggregator/internal/model"
)

// Store is the durable persistence surface every component depends on.
type Store interface {
	// Sources
	GetSource(ctx context.Context, id uuid.UUID) (model.Source, error)
	ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error)
	UpsertSource(ctx context.Context, s model.Source) (uuid.UUID, error)

	// Runs
	CreateRun(ctx context.Context, sourceID uuid.UUID) (uuid.UUID, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	UpdateRun(ctx context.Context, id uuid.UUID, patch model.RunPatch) error
	ListRuns(ctx context.Context, filter model.RunFilter, page model.Page) ([]model.Run, error)
	// ListStaleRunningRuns returns runs still `running` whose
	// last_heartbeat_at is older than olderThan, for Dispatcher
	// reconciliation (spec §4.10).
	ListStaleRunningRuns(ctx context.Context, olderThan time.Duration) ([]model.Run, error)

	// Events
	// UpsertEventRaw returns the stored row's id and whether this call
	// inserted a new row (spec §4.1, Testable Property 1).
	UpsertEventRaw(ctx context.Context, ev model.EventRaw) (uuid.UUID, bool, error)
	ListEventsForMatching(ctx context.Context, filter model.MatchFilter) ([]model.EventRaw, error)

	// Matches
	// ReplaceOpenMatches deletes all existing open matches and inserts
	// pairs in a single transaction (spec §4.9 persistence protocol).
	ReplaceOpenMatches(ctx context.Context, pairs []model.Match) error
	ListMatches(ctx context.Context, status *model.MatchStatus, page model.Page) ([]model.Match, error)

	// Settings
	Settings(ctx context.Context) (model.Settings, error)
	UpdateSettings(ctx context.Context, patch model.SettingsPatch) error

	Close() error
}
