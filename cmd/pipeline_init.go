package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/techno-archive/enrich-cli/internal/aicall"
	"github.com/techno-archive/enrich-cli/internal/consensus"
	"github.com/techno-archive/enrich-cli/internal/discovery"
	"github.com/techno-archive/enrich-cli/internal/pipeline"
	"github.com/techno-archive/enrich-cli/internal/queue"
	"github.com/techno-archive/enrich-cli/internal/ratelimit"
	"github.com/techno-archive/enrich-cli/internal/resilience"
	"github.com/techno-archive/enrich-cli/internal/store"
	anthropicpkg "github.com/techno-archive/enrich-cli/pkg/anthropic"
	"github.com/techno-archive/enrich-cli/pkg/jina"
	"github.com/techno-archive/enrich-cli/pkg/perplexity"
)

// pipelineEnv holds the initialized store and action runner shared by the
// run, serve, and runs commands.
type pipelineEnv struct {
	Store  store.Store
	Runner *pipeline.Runner
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "enrich.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, AI callers, discovery source, and action
// runner. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	// the AI provider is the one hard requirement; everything else
	// degrades
	if cfg.Anthropic.Key == "" {
		return nil, resilience.NewConfigError("anthropic", "API key is required (ENRICH_ANTHROPIC_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	extractor := aicall.NewAnthropicCaller(anthropicClient, cfg.Anthropic.ExtractModel, cfg.Anthropic.MaxTokens, string(aicall.RoleExtract))
	validateCaller := aicall.NewAnthropicCaller(anthropicClient, cfg.Anthropic.ValidateModel, cfg.Anthropic.MaxTokens, string(aicall.RoleValidate))

	// consensus pairs the extraction model with an independent second
	// voice: Perplexity when configured, the stronger Anthropic model
	// otherwise
	secondVoice := aicall.Caller(validateCaller)
	if cfg.Perplexity.Key != "" {
		pplxClient := perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
		)
		secondVoice = aicall.NewPerplexityCaller(pplxClient, cfg.Perplexity.Model)
	}
	var validator *consensus.Validator
	if cfg.Pipeline.UseConsensus {
		validator = consensus.New(extractor, secondVoice)
	}

	// web discovery soft-disables without a credential
	var jinaClient jina.Client
	if cfg.Jina.Key != "" {
		jinaClient = jina.NewClient(cfg.Jina.Key,
			jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL),
			jina.WithReadBaseURL(cfg.Jina.ReadBaseURL),
		)
	} else {
		zap.L().Warn("jina key missing, web discovery disabled; tasks fall back to generation where configured")
	}
	limiter := ratelimit.New(cfg.Pipeline.RatePerSecond)
	source := discovery.NewJinaSource(jinaClient, limiter)

	tasks, err := pipeline.LoadTasks(cfg.Pipeline.TasksPath, cfg.Pipeline.MinConfidence)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	orch := pipeline.NewOrchestrator(st, source, extractor, validator, validateCaller, limiter, cfg.Pipeline.SearchLimit)
	runner := pipeline.NewRunner(st, queue.New(st), orch, tasks, validateCaller, limiter, cfg.Pipeline.BatchSize)

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("extract_model", cfg.Anthropic.ExtractModel),
		zap.String("second_voice", secondVoice.Model()),
		zap.Bool("discovery_enabled", source.Enabled()),
		zap.Int("tasks", len(tasks.All())),
	)

	return &pipelineEnv{Store: st, Runner: runner}, nil
}
