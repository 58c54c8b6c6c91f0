package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techno-archive/enrich-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore_SeedAndListEntities(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := s.SeedEntities(ctx, []model.Entity{
		{ID: "rodhad", Type: model.EntityArtist, DisplayName: "Rødhåd"},
		{ID: "ostgut-ton", Type: model.EntityLabel, DisplayName: "Ostgut Ton"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	artists, err := s.Entities(ctx, model.EntityArtist)
	require.NoError(t, err)
	require.Len(t, artists, 1)
	assert.Equal(t, "Rødhåd", artists[0].DisplayName)

	count, err := s.CountEntities(ctx, model.EntityLabel)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_SeedEntities_Idempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	seed := []model.Entity{{ID: "rodhad", Type: model.EntityArtist, DisplayName: "Rødhåd"}}
	_, err := s.SeedEntities(ctx, seed)
	require.NoError(t, err)

	seed[0].DisplayName = "Rødhåd (Dystopian)"
	_, err = s.SeedEntities(ctx, seed)
	require.NoError(t, err)

	artists, err := s.Entities(ctx, model.EntityArtist)
	require.NoError(t, err)
	require.Len(t, artists, 1)
	assert.Equal(t, "Rødhåd (Dystopian)", artists[0].DisplayName)
}

func TestSQLiteStore_UpsertRecord_ReplacesOnConflict(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := &model.ExtractedRecord{
		Task:            "artist_contacts",
		EntityType:      model.EntityArtist,
		EntityID:        "rodhad",
		Kind:            "contact",
		Fields:          map[string]any{"booking_email": "old@example.com"},
		ConfidenceScore: 40,
	}
	require.NoError(t, s.UpsertRecord(ctx, rec))

	updated := &model.ExtractedRecord{
		Task:            "artist_contacts",
		EntityType:      model.EntityArtist,
		EntityID:        "rodhad",
		Kind:            "contact",
		Fields:          map[string]any{"booking_email": "booking@example.com"},
		ConfidenceScore: 85,
		SourceRefs:      []string{"https://example.com/press-kit"},
		Consensus:       true,
	}
	require.NoError(t, s.UpsertRecord(ctx, updated))

	records, err := s.RecordsForEntity(ctx, model.EntityArtist, "rodhad")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "booking@example.com", records[0].Fields["booking_email"])
	assert.Equal(t, 85, records[0].ConfidenceScore)
	assert.True(t, records[0].Consensus)
	assert.Equal(t, []string{"https://example.com/press-kit"}, records[0].SourceRefs)
}

func TestSQLiteStore_CompletedEntityIDs(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRecord(ctx, &model.ExtractedRecord{
		Task: "artist_contacts", EntityType: model.EntityArtist, EntityID: "rodhad",
		Kind: "contact", Fields: map[string]any{},
	}))
	require.NoError(t, s.UpsertRecord(ctx, &model.ExtractedRecord{
		Task: "label_ownership", EntityType: model.EntityLabel, EntityID: "ostgut-ton",
		Kind: "ownership", Fields: map[string]any{},
	}))

	done, err := s.CompletedEntityIDs(ctx, "artist_contacts", model.EntityArtist)
	require.NoError(t, err)
	assert.True(t, done["rodhad"])
	assert.False(t, done["ostgut-ton"])
}

func TestSQLiteStore_ExportRecords_Filters(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, rec := range []*model.ExtractedRecord{
		{Task: "artist_contacts", EntityType: model.EntityArtist, EntityID: "rodhad", Kind: "contact", Fields: map[string]any{}},
		{Task: "artist_contacts", EntityType: model.EntityArtist, EntityID: "dvs1", Kind: "contact", Fields: map[string]any{}},
		{Task: "label_ownership", EntityType: model.EntityLabel, EntityID: "ostgut-ton", Kind: "ownership", Fields: map[string]any{}},
	} {
		require.NoError(t, s.UpsertRecord(ctx, rec))
	}

	all, err := s.ExportRecords(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	contacts, err := s.ExportRecords(ctx, "artist_contacts", model.EntityArtist)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	n, err := s.CountRecords(ctx, "label_ownership")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, "enrich")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	stats := model.Stats{Processed: 3, Fetched: 1, Enriched: 1, Generated: 1, Failed: 1}
	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunStatusCompleted, stats, ""))

	// finishing twice must fail: runs close exactly once
	err = s.FinishRun(ctx, run.ID, model.RunStatusFailed, stats, "late failure")
	require.Error(t, err)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, 3, runs[0].Stats.Processed)
	require.NotNil(t, runs[0].FinishedAt)
	assert.Empty(t, runs[0].ErrorMessage)
}

func TestSQLiteStore_AppendAudit(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	err := s.AppendAudit(ctx, &model.AuditEntry{
		Action:           "generate_outreach",
		EntityType:       model.EntityArtist,
		EntityID:         "rodhad",
		ExtractedSummary: "outreach draft for booking inquiry",
		SourceRefs:       []string{"https://example.com"},
	})
	require.NoError(t, err)
}
