package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techno-archive/enrich-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Entities(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT id, entity_type, display_name, created_at FROM entities`).
		WithArgs("artist").
		WillReturnRows(pgxmock.NewRows([]string{"id", "entity_type", "display_name", "created_at"}).
			AddRow("rodhad", "artist", "Rødhåd", now).
			AddRow("ben-klock", "artist", "Ben Klock", now))

	entities, err := s.Entities(context.Background(), model.EntityArtist)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "Rødhåd", entities[0].DisplayName)
	assert.Equal(t, model.EntityArtist, entities[1].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRecord_AssignsID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO extracted_records`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := &model.ExtractedRecord{
		Task:            "artist_contacts",
		EntityType:      model.EntityArtist,
		EntityID:        "rodhad",
		Kind:            "contact",
		Fields:          map[string]any{"booking_email": "booking@example.com"},
		ConfidenceScore: 82,
	}
	err := s.UpsertRecord(context.Background(), rec)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompletedEntityIDs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT entity_id FROM extracted_records`).
		WithArgs("artist_contacts", "artist").
		WillReturnRows(pgxmock.NewRows([]string{"entity_id"}).
			AddRow("rodhad").
			AddRow("ben-klock"))

	done, err := s.CompletedEntityIDs(context.Background(), "artist_contacts", model.EntityArtist)
	require.NoError(t, err)
	assert.True(t, done["rodhad"])
	assert.True(t, done["ben-klock"])
	assert.False(t, done["dvs1"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Now()
	mock.ExpectQuery(`INSERT INTO pipeline_runs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(started))

	run, err := s.StartRun(context.Background(), "enrich")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "enrich", run.RunType)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, started, run.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE pipeline_runs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FinishRun(context.Background(), "run-1", model.RunStatusCompleted,
		model.Stats{Processed: 3, Enriched: 2, Failed: 1}, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_AlreadyFinished(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE pipeline_runs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), "run-1", model.RunStatusCompleted, model.Stats{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finished")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_ParsesStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	statsJSON := []byte(`{"processed":3,"fetched":1,"verified":0,"enriched":1,"generated":1,"failed":1}`)
	mock.ExpectQuery(`SELECT id, run_type, status, started_at, finished_at, stats, error_message`).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "run_type", "status", "started_at", "finished_at", "stats", "error_message"}).
			AddRow("run-1", "enrich", "completed", started, &finished, statsJSON, (*string)(nil)))

	runs, err := s.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, 3, runs[0].Stats.Processed)
	assert.Equal(t, 1, runs[0].Stats.Failed)
	require.NotNil(t, runs[0].FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountRecords_AllTasks(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM extracted_records`).
		WithArgs("").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountRecords(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
