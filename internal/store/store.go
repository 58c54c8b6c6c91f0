// Package store persists entities, extracted records, audit entries, and
// pipeline runs. Two backends: Postgres (pgx) for deployments, SQLite
// (modernc) for local runs.
package store

import (
	"context"

	"github.com/techno-archive/enrich-cli/internal/model"
)

// Store defines the persistence interface for the enrichment pipeline.
type Store interface {
	// Entities. The pipeline only seeds (ingest) and reads; domain
	// ownership stays with the archive.
	Entities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error)
	SeedEntities(ctx context.Context, entities []model.Entity) (int64, error)
	CountEntities(ctx context.Context, entityType model.EntityType) (int, error)

	// Extracted records. Upsert keyed by (task, entity_type, entity_id)
	// is the per-entity commit point.
	UpsertRecord(ctx context.Context, rec *model.ExtractedRecord) error
	CompletedEntityIDs(ctx context.Context, task string, entityType model.EntityType) (map[string]bool, error)
	RecordsForEntity(ctx context.Context, entityType model.EntityType, entityID string) ([]model.ExtractedRecord, error)
	ExportRecords(ctx context.Context, task string, entityType model.EntityType) ([]model.ExtractedRecord, error)
	CountRecords(ctx context.Context, task string) (int, error)

	// Audit log, append-only.
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error

	// Runs.
	StartRun(ctx context.Context, runType string) (*model.PipelineRun, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, stats model.Stats, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
