package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/techno-archive/enrich-cli/internal/model"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Entities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error) {
	args := m.Called(ctx, entityType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Entity), args.Error(1)
}

func (m *mockStore) SeedEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	args := m.Called(ctx, entities)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) CountEntities(ctx context.Context, entityType model.EntityType) (int, error) {
	args := m.Called(ctx, entityType)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) UpsertRecord(ctx context.Context, rec *model.ExtractedRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockStore) CompletedEntityIDs(ctx context.Context, task string, entityType model.EntityType) (map[string]bool, error) {
	args := m.Called(ctx, task, entityType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}

func (m *mockStore) RecordsForEntity(ctx context.Context, entityType model.EntityType, entityID string) ([]model.ExtractedRecord, error) {
	args := m.Called(ctx, entityType, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ExtractedRecord), args.Error(1)
}

func (m *mockStore) ExportRecords(ctx context.Context, task string, entityType model.EntityType) ([]model.ExtractedRecord, error) {
	args := m.Called(ctx, task, entityType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ExtractedRecord), args.Error(1)
}

func (m *mockStore) CountRecords(ctx context.Context, task string) (int, error) {
	args := m.Called(ctx, task)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *mockStore) StartRun(ctx context.Context, runType string) (*model.PipelineRun, error) {
	args := m.Called(ctx, runType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PipelineRun), args.Error(1)
}

func (m *mockStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats model.Stats, errMsg string) error {
	args := m.Called(ctx, runID, status, stats, errMsg)
	return args.Error(0)
}

func (m *mockStore) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PipelineRun), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- Discovery Source Mock ---

type mockSource struct {
	mock.Mock
	enabled bool
}

func (m *mockSource) Enabled() bool {
	return m.enabled
}

func (m *mockSource) Search(ctx context.Context, query string, limit int) ([]model.CandidateDocument, error) {
	args := m.Called(ctx, query, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CandidateDocument), args.Error(1)
}

// --- AI Caller Mock ---

type mockCaller struct {
	mock.Mock
	model string
}

func (m *mockCaller) Model() string {
	if m.model == "" {
		return "mock-model"
	}
	return m.model
}

func (m *mockCaller) Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	args := m.Called(ctx, systemPrompt, userPrompt)
	return args.String(0), args.Error(1)
}
