package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/techno-archive/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for local and dev
// runs where a Postgres instance is overkill.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id           TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	display_name TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (entity_type, id)
);

CREATE TABLE IF NOT EXISTS extracted_records (
	id               TEXT PRIMARY KEY,
	task             TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	kind             TEXT NOT NULL,
	fields           TEXT NOT NULL,
	confidence_score INTEGER NOT NULL DEFAULT 0,
	source_refs      TEXT,
	consensus        INTEGER NOT NULL DEFAULT 0,
	generated        INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (task, entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	action            TEXT NOT NULL,
	entity_type       TEXT NOT NULL,
	entity_id         TEXT,
	extracted_summary TEXT NOT NULL,
	source_refs       TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id            TEXT PRIMARY KEY,
	run_type      TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME,
	stats         TEXT,
	error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_records_task ON extracted_records(task, entity_type);
CREATE INDEX IF NOT EXISTS idx_runs_started ON pipeline_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Entities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, display_name, created_at FROM entities
		 WHERE entity_type = ? ORDER BY created_at, id`,
		string(entityType),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s entities", entityType)
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		var e model.Entity
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.DisplayName, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		e.Type = model.EntityType(typ)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (s *SQLiteStore) SeedEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin seed tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entities (id, entity_type, display_name) VALUES (?, ?, ?)
		 ON CONFLICT (entity_type, id) DO UPDATE SET display_name = excluded.display_name`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare seed")
	}
	defer stmt.Close()

	var n int64
	for _, e := range entities {
		if _, err := stmt.ExecContext(ctx, e.ID, string(e.Type), e.DisplayName); err != nil {
			return 0, eris.Wrapf(err, "sqlite: seed entity %s", e.Key())
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit seed tx")
	}
	return n, nil
}

func (s *SQLiteStore) CountEntities(ctx context.Context, entityType model.EntityType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM entities WHERE entity_type = ?`, string(entityType),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s entities", entityType)
	}
	return n, nil
}

func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec *model.ExtractedRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record fields")
	}
	var refsJSON []byte
	if rec.SourceRefs != nil {
		refsJSON, err = json.Marshal(rec.SourceRefs)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal source refs")
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extracted_records
		 (id, task, entity_type, entity_id, kind, fields, confidence_score, source_refs, consensus, generated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (task, entity_type, entity_id) DO UPDATE SET
			kind = excluded.kind,
			fields = excluded.fields,
			confidence_score = excluded.confidence_score,
			source_refs = excluded.source_refs,
			consensus = excluded.consensus,
			generated = excluded.generated,
			updated_at = datetime('now')`,
		rec.ID, rec.Task, string(rec.EntityType), rec.EntityID, rec.Kind,
		string(fieldsJSON), rec.ConfidenceScore, refsString(refsJSON), rec.Consensus, rec.Generated,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert record for %s/%s", rec.EntityType, rec.EntityID)
	}
	return nil
}

func refsString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (s *SQLiteStore) CompletedEntityIDs(ctx context.Context, task string, entityType model.EntityType) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id FROM extracted_records WHERE task = ? AND entity_type = ?`,
		task, string(entityType),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: completed ids for %s", task)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan completed id")
		}
		done[id] = true
	}
	return done, rows.Err()
}

func (s *SQLiteStore) RecordsForEntity(ctx context.Context, entityType model.EntityType, entityID string) ([]model.ExtractedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM extracted_records
		 WHERE entity_type = ? AND entity_id = ? ORDER BY task`,
		string(entityType), entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: records for %s/%s", entityType, entityID)
	}
	defer rows.Close()
	return scanSQLRecords(rows)
}

func (s *SQLiteStore) ExportRecords(ctx context.Context, task string, entityType model.EntityType) ([]model.ExtractedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM extracted_records
		 WHERE (? = '' OR task = ?) AND (? = '' OR entity_type = ?)
		 ORDER BY created_at, id`,
		task, task, string(entityType), string(entityType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: export records")
	}
	defer rows.Close()
	return scanSQLRecords(rows)
}

func scanSQLRecords(rows *sql.Rows) ([]model.ExtractedRecord, error) {
	var records []model.ExtractedRecord
	for rows.Next() {
		var rec model.ExtractedRecord
		var typ, fieldsJSON string
		var refsJSON *string
		if err := rows.Scan(&rec.ID, &rec.Task, &typ, &rec.EntityID, &rec.Kind,
			&fieldsJSON, &rec.ConfidenceScore, &refsJSON, &rec.Consensus, &rec.Generated,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		rec.EntityType = model.EntityType(typ)
		_ = json.Unmarshal([]byte(fieldsJSON), &rec.Fields)
		if refsJSON != nil {
			_ = json.Unmarshal([]byte(*refsJSON), &rec.SourceRefs)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) CountRecords(ctx context.Context, task string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM extracted_records WHERE (? = '' OR task = ?)`,
		task, task,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count records for %s", task)
	}
	return n, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	var refsJSON []byte
	if entry.SourceRefs != nil {
		var err error
		refsJSON, err = json.Marshal(entry.SourceRefs)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal audit refs")
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, entity_type, entity_id, extracted_summary, source_refs)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Action, string(entry.EntityType), entry.EntityID, entry.ExtractedSummary, refsString(refsJSON),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: append audit")
	}
	return nil
}

func (s *SQLiteStore) StartRun(ctx context.Context, runType string) (*model.PipelineRun, error) {
	run := &model.PipelineRun{
		ID:        uuid.NewString(),
		RunType:   runType,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, run_type, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, runType, string(model.RunStatusRunning), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start run %s", runType)
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats model.Stats, errMsg string) error {
	statsJSON, err := json.Marshal(stats.Map())
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs
		 SET status = ?, finished_at = ?, stats = ?, error_message = ?
		 WHERE id = ? AND finished_at IS NULL`,
		string(status), time.Now().UTC(), string(statsJSON), nullableString(errMsg), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return eris.Errorf("sqlite: run %s not found or already finished", runID)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_type, status, started_at, finished_at, stats, error_message
		 FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		var run model.PipelineRun
		var status string
		var finishedAt *time.Time
		var statsJSON, errMsg *string
		if err := rows.Scan(&run.ID, &run.RunType, &status, &run.StartedAt, &finishedAt, &statsJSON, &errMsg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		run.Status = model.RunStatus(status)
		run.FinishedAt = finishedAt
		if errMsg != nil {
			run.ErrorMessage = *errMsg
		}
		if statsJSON != nil {
			var m map[string]int
			if err := json.Unmarshal([]byte(*statsJSON), &m); err == nil {
				run.Stats = statsFromMap(m)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
