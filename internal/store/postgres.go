package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/techno-archive/enrich-cli/internal/db"
	"github.com/techno-archive/enrich-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations.
var preparedStatements = map[string]string{
	"upsert_record": `INSERT INTO extracted_records
		(id, task, entity_type, entity_id, kind, fields, confidence_score, source_refs, consensus, generated, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (task, entity_type, entity_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			fields = EXCLUDED.fields,
			confidence_score = EXCLUDED.confidence_score,
			source_refs = EXCLUDED.source_refs,
			consensus = EXCLUDED.consensus,
			generated = EXCLUDED.generated,
			updated_at = now()`,
	"append_audit": `INSERT INTO audit_log (action, entity_type, entity_id, extracted_summary, source_refs, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
	"start_run": `INSERT INTO pipeline_runs (id, run_type, status, started_at)
		VALUES ($1, $2, $3, now()) RETURNING started_at`,
	"finish_run": `UPDATE pipeline_runs
		SET status = $1, finished_at = now(), stats = $2, error_message = $3
		WHERE id = $4 AND finished_at IS NULL`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems needing direct
// query access (bulk ingest).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id           TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	display_name TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_type, id)
);

CREATE TABLE IF NOT EXISTS extracted_records (
	id               TEXT PRIMARY KEY,
	task             TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	kind             TEXT NOT NULL,
	fields           JSONB NOT NULL,
	confidence_score INT NOT NULL DEFAULT 0,
	source_refs      JSONB,
	consensus        BOOLEAN NOT NULL DEFAULT false,
	generated        BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (task, entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id                BIGSERIAL PRIMARY KEY,
	action            TEXT NOT NULL,
	entity_type       TEXT NOT NULL,
	entity_id         TEXT,
	extracted_summary TEXT NOT NULL,
	source_refs       JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id            TEXT PRIMARY KEY,
	run_type      TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at   TIMESTAMPTZ,
	stats         JSONB,
	error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_records_task ON extracted_records (task, entity_type);
CREATE INDEX IF NOT EXISTS idx_runs_started ON pipeline_runs (started_at DESC);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Entities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, display_name, created_at FROM entities
		 WHERE entity_type = $1 ORDER BY created_at, id`,
		string(entityType),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s entities", entityType)
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		var e model.Entity
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.DisplayName, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		e.Type = model.EntityType(typ)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (s *PostgresStore) SeedEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	rows := make([][]any, len(entities))
	for i, e := range entities {
		rows[i] = []any{e.ID, string(e.Type), e.DisplayName}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "entities",
		Columns:      []string{"id", "entity_type", "display_name"},
		ConflictKeys: []string{"entity_type", "id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: seed entities")
	}
	return n, nil
}

func (s *PostgresStore) CountEntities(ctx context.Context, entityType model.EntityType) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM entities WHERE entity_type = $1`,
		string(entityType),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count %s entities", entityType)
	}
	return n, nil
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, rec *model.ExtractedRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record fields")
	}
	var refsJSON []byte
	if rec.SourceRefs != nil {
		refsJSON, err = json.Marshal(rec.SourceRefs)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal source refs")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO extracted_records
		 (id, task, entity_type, entity_id, kind, fields, confidence_score, source_refs, consensus, generated, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		 ON CONFLICT (task, entity_type, entity_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			fields = EXCLUDED.fields,
			confidence_score = EXCLUDED.confidence_score,
			source_refs = EXCLUDED.source_refs,
			consensus = EXCLUDED.consensus,
			generated = EXCLUDED.generated,
			updated_at = now()`,
		rec.ID, rec.Task, string(rec.EntityType), rec.EntityID, rec.Kind,
		fieldsJSON, rec.ConfidenceScore, refsJSON, rec.Consensus, rec.Generated,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert record for %s/%s", rec.EntityType, rec.EntityID)
	}
	return nil
}

func (s *PostgresStore) CompletedEntityIDs(ctx context.Context, task string, entityType model.EntityType) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id FROM extracted_records WHERE task = $1 AND entity_type = $2`,
		task, string(entityType),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: completed ids for %s", task)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan completed id")
		}
		done[id] = true
	}
	return done, rows.Err()
}

const recordColumns = `id, task, entity_type, entity_id, kind, fields, confidence_score, source_refs, consensus, generated, created_at, updated_at`

func (s *PostgresStore) RecordsForEntity(ctx context.Context, entityType model.EntityType, entityID string) ([]model.ExtractedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM extracted_records
		 WHERE entity_type = $1 AND entity_id = $2 ORDER BY task`,
		string(entityType), entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: records for %s/%s", entityType, entityID)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ExportRecords(ctx context.Context, task string, entityType model.EntityType) ([]model.ExtractedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM extracted_records
		 WHERE ($1 = '' OR task = $1) AND ($2 = '' OR entity_type = $2)
		 ORDER BY created_at, id`,
		task, string(entityType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: export records")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]model.ExtractedRecord, error) {
	var records []model.ExtractedRecord
	for rows.Next() {
		var rec model.ExtractedRecord
		var typ string
		var fieldsJSON, refsJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Task, &typ, &rec.EntityID, &rec.Kind,
			&fieldsJSON, &rec.ConfidenceScore, &refsJSON, &rec.Consensus, &rec.Generated,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		rec.EntityType = model.EntityType(typ)
		if fieldsJSON != nil {
			_ = json.Unmarshal(fieldsJSON, &rec.Fields)
		}
		if refsJSON != nil {
			_ = json.Unmarshal(refsJSON, &rec.SourceRefs)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) CountRecords(ctx context.Context, task string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM extracted_records WHERE ($1 = '' OR task = $1)`,
		task,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count records for %s", task)
	}
	return n, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	var refsJSON []byte
	if entry.SourceRefs != nil {
		var err error
		refsJSON, err = json.Marshal(entry.SourceRefs)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal audit refs")
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (action, entity_type, entity_id, extracted_summary, source_refs, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		entry.Action, string(entry.EntityType), entry.EntityID, entry.ExtractedSummary, refsJSON,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: append audit")
	}
	return nil
}

func (s *PostgresStore) StartRun(ctx context.Context, runType string) (*model.PipelineRun, error) {
	run := &model.PipelineRun{
		ID:      uuid.NewString(),
		RunType: runType,
		Status:  model.RunStatusRunning,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_runs (id, run_type, status, started_at)
		 VALUES ($1, $2, $3, now()) RETURNING started_at`,
		run.ID, runType, string(model.RunStatusRunning),
	).Scan(&run.StartedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start run %s", runType)
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats model.Stats, errMsg string) error {
	statsJSON, err := json.Marshal(stats.Map())
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run stats")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs
		 SET status = $1, finished_at = now(), stats = $2, error_message = $3
		 WHERE id = $4 AND finished_at IS NULL`,
		string(status), statsJSON, nullableString(errMsg), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found or already finished", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_type, status, started_at, finished_at, stats, error_message
		 FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		var run model.PipelineRun
		var status string
		var finishedAt *time.Time
		var statsJSON []byte
		var errMsg *string
		if err := rows.Scan(&run.ID, &run.RunType, &status, &run.StartedAt, &finishedAt, &statsJSON, &errMsg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		run.Status = model.RunStatus(status)
		run.FinishedAt = finishedAt
		if errMsg != nil {
			run.ErrorMessage = *errMsg
		}
		if statsJSON != nil {
			var m map[string]int
			if err := json.Unmarshal(statsJSON, &m); err == nil {
				run.Stats = statsFromMap(m)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func statsFromMap(m map[string]int) model.Stats {
	return model.Stats{
		Processed: m["processed"],
		Fetched:   m["fetched"],
		Verified:  m["verified"],
		Enriched:  m["enriched"],
		Generated: m["generated"],
		Failed:    m["failed"],
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IsNoRows reports whether err is the pgx no-rows sentinel, wrapped or not.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
