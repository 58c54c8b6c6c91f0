package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/techno-archive/enrich-cli/internal/aicall"
	"github.com/techno-archive/enrich-cli/internal/consensus"
	"github.com/techno-archive/enrich-cli/internal/discovery"
	"github.com/techno-archive/enrich-cli/internal/model"
	"github.com/techno-archive/enrich-cli/internal/ratelimit"
	"github.com/techno-archive/enrich-cli/internal/resilience"
	"github.com/techno-archive/enrich-cli/internal/store"
)

// maxDocChars caps how much of each candidate document goes into the
// extraction prompt.
const maxDocChars = 4000

// Orchestrator drives a batch of entities through discovery, extraction,
// validation, and persistence. Entities are processed sequentially; an error
// on one entity marks only that entity failed and the loop continues.
type Orchestrator struct {
	store       store.Store
	source      discovery.Source
	extractor   aicall.Caller
	validator   *consensus.Validator
	generator   aicall.Caller
	limiter     ratelimit.Limiter
	searchLimit int
}

// NewOrchestrator wires the batch orchestrator. validator may be nil to
// force single-model gating regardless of task configuration; generator may
// be nil to disable fallback generation.
func NewOrchestrator(
	st store.Store,
	source discovery.Source,
	extractor aicall.Caller,
	validator *consensus.Validator,
	generator aicall.Caller,
	limiter ratelimit.Limiter,
	searchLimit int,
) *Orchestrator {
	if limiter == nil {
		limiter = ratelimit.Nop{}
	}
	if searchLimit <= 0 {
		searchLimit = 5
	}
	return &Orchestrator{
		store:       st,
		source:      source,
		extractor:   extractor,
		validator:   validator,
		generator:   generator,
		limiter:     limiter,
		searchLimit: searchLimit,
	}
}

// RunBatch processes the given entities for one task and returns the
// accumulated stage counters. Persistence is the per-entity commit point:
// a batch aborted mid-way leaves earlier entities persisted and later ones
// pending for the next invocation.
func (o *Orchestrator) RunBatch(ctx context.Context, task Task, entities []model.Entity) model.Stats {
	log := zap.L().With(zap.String("task", task.Name))
	var stats model.Stats

	for _, entity := range entities {
		if ctx.Err() != nil {
			log.Warn("batch: context cancelled, leaving remaining entities pending",
				zap.Int("remaining", len(entities)-stats.Processed))
			break
		}
		stats.Processed++

		outcome, err := o.processEntity(ctx, task, entity)
		if err != nil {
			stats.Failed++
			log.Error("batch: entity failed",
				zap.String("entity", entity.Key()),
				zap.Error(err),
			)
			continue
		}

		switch outcome {
		case outcomeEnriched:
			stats.Fetched++
			if task.RecordKind == "freshness" {
				stats.Verified++
			} else {
				stats.Enriched++
			}
		case outcomeGenerated:
			stats.Generated++
		case outcomeFetchedOnly:
			stats.Fetched++
		case outcomeNothing:
		}
	}

	return stats
}

type entityOutcome int

const (
	// outcomeNothing: no candidates and no fallback configured, or the
	// record was gated out before discovery even ran.
	outcomeNothing entityOutcome = iota
	// outcomeFetchedOnly: candidates found but the extraction was dropped
	// (parse failure or below the confidence threshold).
	outcomeFetchedOnly
	outcomeEnriched
	outcomeGenerated
)

func (o *Orchestrator) processEntity(ctx context.Context, task Task, entity model.Entity) (entityOutcome, error) {
	log := zap.L().With(zap.String("task", task.Name), zap.String("entity", entity.Key()))

	docs, err := o.fetchCandidates(ctx, task, entity)
	if err != nil {
		return outcomeNothing, err
	}

	if len(docs) == 0 {
		if task.Fallback == nil || o.generator == nil {
			log.Debug("batch: no candidates, no fallback configured")
			return outcomeNothing, nil
		}
		if err := o.generateFallback(ctx, task, entity); err != nil {
			return outcomeNothing, err
		}
		return outcomeGenerated, nil
	}

	persisted, err := o.extractAndPersist(ctx, task, entity, docs)
	if err != nil {
		return outcomeNothing, err
	}
	if !persisted {
		return outcomeFetchedOnly, nil
	}
	return outcomeEnriched, nil
}

func (o *Orchestrator) fetchCandidates(ctx context.Context, task Task, entity model.Entity) ([]model.CandidateDocument, error) {
	if o.source == nil || !o.source.Enabled() {
		return nil, nil
	}
	if err := o.limiter.Acquire(ctx, "jina"); err != nil {
		return nil, eris.Wrap(err, "batch: acquire discovery slot")
	}
	docs, err := o.source.Search(ctx, task.Query(entity), o.searchLimit)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: discovery for %s", entity.Key())
	}
	return docs, nil
}

// extractAndPersist runs the AI extraction over candidate documents and
// persists the record if it clears the acceptance gate. Returns false
// without error when the output was dropped: model output unparseable, or
// single-model confidence below the task threshold.
func (o *Orchestrator) extractAndPersist(ctx context.Context, task Task, entity model.Entity, docs []model.CandidateDocument) (bool, error) {
	log := zap.L().With(zap.String("task", task.Name), zap.String("entity", entity.Key()))
	userPrompt := buildUserPrompt(entity, docs)

	if err := o.limiter.Acquire(ctx, "anthropic"); err != nil {
		return false, eris.Wrap(err, "batch: acquire extraction slot")
	}

	var (
		fields      map[string]any
		isConsensus bool
		confidence  int
	)

	if task.UseConsensus && o.validator != nil {
		result, err := o.validator.Validate(ctx, task.SystemPrompt, userPrompt)
		if err != nil {
			return false, eris.Wrapf(err, "batch: consensus for %s", entity.Key())
		}
		if !result.Validated {
			log.Warn("batch: consensus outputs unparseable, dropping record")
			return false, nil
		}
		fields = result.Merged
		isConsensus = true
		confidence = 100
	} else {
		raw, err := o.extractor.Invoke(ctx, task.SystemPrompt, userPrompt)
		if err != nil {
			return false, eris.Wrapf(err, "batch: extraction for %s", entity.Key())
		}
		obj, ok := aicall.ExtractJSONObject(raw)
		if !ok {
			log.Warn("batch: extraction output unparseable, dropping record",
				zap.Int("raw_len", len(raw)))
			return false, nil
		}
		fields = obj
		confidence = confidenceFrom(fields)
		if confidence < task.MinConfidence {
			log.Info("batch: confidence below threshold, dropping record",
				zap.Int("confidence", confidence),
				zap.Int("min", task.MinConfidence),
			)
			return false, nil
		}
	}

	delete(fields, "confidence")

	rec := &model.ExtractedRecord{
		Task:            task.Name,
		EntityType:      entity.Type,
		EntityID:        entity.ID,
		Kind:            task.RecordKind,
		Fields:          fields,
		ConfidenceScore: confidence,
		SourceRefs:      docRefs(docs),
		Consensus:       isConsensus,
	}
	if err := o.persist(ctx, task, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) generateFallback(ctx context.Context, task Task, entity model.Entity) error {
	log := zap.L().With(zap.String("task", task.Name), zap.String("entity", entity.Key()))

	if err := o.limiter.Acquire(ctx, "generate"); err != nil {
		return eris.Wrap(err, "batch: acquire generation slot")
	}
	raw, err := o.generator.Invoke(ctx, task.Fallback.SystemPrompt,
		fmt.Sprintf("Subject: %s", entity.DisplayName))
	if err != nil {
		return eris.Wrapf(err, "batch: fallback generation for %s", entity.Key())
	}
	fields, ok := aicall.ExtractJSONObject(raw)
	if !ok {
		return &resilience.ParseError{Context: "fallback generation for " + entity.Key()}
	}
	delete(fields, "confidence")

	log.Info("batch: no candidates, persisting generated placeholder")
	return o.persist(ctx, task, &model.ExtractedRecord{
		Task:       task.Name,
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Kind:       task.RecordKind,
		Fields:     fields,
		Generated:  true,
	})
}

// persist writes the record and its audit row. The audit write is
// best-effort: the record is the commit point, a lost audit row is logged
// but does not fail the entity.
func (o *Orchestrator) persist(ctx context.Context, task Task, rec *model.ExtractedRecord) error {
	if err := o.store.UpsertRecord(ctx, rec); err != nil {
		return &resilience.PersistError{Op: "upsert record for " + rec.EntityID, Err: err}
	}
	if err := o.store.AppendAudit(ctx, &model.AuditEntry{
		Action:           task.Name,
		EntityType:       rec.EntityType,
		EntityID:         rec.EntityID,
		ExtractedSummary: summarize(rec),
		SourceRefs:       rec.SourceRefs,
	}); err != nil {
		zap.L().Warn("batch: audit write failed",
			zap.String("entity", rec.EntityID),
			zap.Error(err),
		)
	}
	return nil
}

func buildUserPrompt(entity model.Entity, docs []model.CandidateDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s (%s)\n\nSources:\n", entity.DisplayName, entity.Type)
	for i, doc := range docs {
		body := truncateAtRune(doc.Content, maxDocChars)
		fmt.Fprintf(&b, "\n--- Source %d: %s ---\n%s\n", i+1, doc.URL, body)
	}
	return b.String()
}

// truncateAtRune caps s at max bytes without splitting a multi-byte rune,
// backing up to the nearest rune boundary.
func truncateAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// confidenceFrom reads the model-reported confidence field, tolerating the
// numeric types JSON decoding can produce. Missing or malformed → 0, which
// always fails the threshold gate.
func confidenceFrom(fields map[string]any) int {
	switch v := fields["confidence"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func docRefs(docs []model.CandidateDocument) []string {
	refs := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.URL != "" {
			refs = append(refs, d.URL)
		}
	}
	return refs
}

func summarize(rec *model.ExtractedRecord) string {
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kind := rec.Kind
	if rec.Generated {
		kind += " (generated)"
	}
	return fmt.Sprintf("%s record with %d fields: %s", kind, len(keys), strings.Join(keys, ", "))
}
