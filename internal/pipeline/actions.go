package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/techno-archive/enrich-cli/internal/aicall"
	"github.com/techno-archive/enrich-cli/internal/model"
	"github.com/techno-archive/enrich-cli/internal/queue"
	"github.com/techno-archive/enrich-cli/internal/ratelimit"
	"github.com/techno-archive/enrich-cli/internal/resilience"
	"github.com/techno-archive/enrich-cli/internal/store"
)

// Actions accepted by Runner.Do.
const (
	ActionStatus           = "status"
	ActionIngest           = "ingest"
	ActionVerify           = "verify"
	ActionEnrich           = "enrich"
	ActionGenerateOutreach = "generate_outreach"
	ActionExport           = "export"
	ActionRunAll           = "run_all"
)

// Request is the invocation body shared by the CLI and the HTTP server.
type Request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is the invocation result. Error is set only when Success is
// false; the HTTP layer derives the status code from the error itself.
type Response struct {
	Success bool           `json:"success"`
	Stats   map[string]int `json:"stats,omitempty"`
	Result  any            `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Runner dispatches pipeline actions. Every action except status is
// recorded in the run log with exactly one start and one finish.
type Runner struct {
	store        store.Store
	queue        *queue.Queue
	orchestrator *Orchestrator
	tasks        *Registry
	generator    aicall.Caller
	limiter      ratelimit.Limiter
	batchSize    int

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewRunner wires the action dispatcher.
func NewRunner(
	st store.Store,
	q *queue.Queue,
	orch *Orchestrator,
	tasks *Registry,
	generator aicall.Caller,
	limiter ratelimit.Limiter,
	batchSize int,
) *Runner {
	if limiter == nil {
		limiter = ratelimit.Nop{}
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Runner{
		store:        st,
		queue:        q,
		orchestrator: orch,
		tasks:        tasks,
		generator:    generator,
		limiter:      limiter,
		batchSize:    batchSize,
		inFlight:     make(map[string]bool),
	}
}

// finishTimeout bounds the detached run finalization write.
const finishTimeout = 10 * time.Second

// runGuard finishes a run exactly once, whichever exit path fires first.
type runGuard struct {
	store store.Store
	runID string
	once  sync.Once
}

func (g *runGuard) finish(ctx context.Context, status model.RunStatus, stats model.Stats, errMsg string) {
	g.once.Do(func() {
		// The run row must reach a terminal state even when the invocation
		// context was cancelled mid-batch, so the write runs detached from
		// the request's cancellation.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		if err := g.store.FinishRun(ctx, g.runID, status, stats, errMsg); err != nil {
			zap.L().Error("pipeline: finish run failed",
				zap.String("run_id", g.runID),
				zap.Error(err),
			)
		}
	})
}

// Do executes one action. Unknown actions fail with a BadRequestError
// before any run record is created; the caller maps the error to HTTP 400.
func (r *Runner) Do(ctx context.Context, req Request) (*Response, error) {
	log := zap.L().With(zap.String("action", req.Action))

	var fn func(context.Context, map[string]any) (model.Stats, any, error)
	switch req.Action {
	case ActionStatus:
		// read-only, not tracked in the run log
		result, err := r.status(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Success: true, Result: result}, nil
	case ActionIngest:
		fn = r.ingest
	case ActionVerify:
		fn = r.verify
	case ActionEnrich:
		fn = r.enrich
	case ActionGenerateOutreach:
		fn = r.generateOutreach
	case ActionExport:
		fn = r.export
	case ActionRunAll:
		fn = r.runAll
	default:
		return nil, &resilience.BadRequestError{Msg: fmt.Sprintf("unknown action %q", req.Action)}
	}

	run, err := r.store.StartRun(ctx, req.Action)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: start %s run", req.Action)
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("pipeline: run started")

	guard := &runGuard{store: r.store, runID: run.ID}
	var stats model.Stats
	defer func() {
		// covers the panic path; a no-op after a normal finish
		guard.finish(ctx, model.RunStatusFailed, stats, "aborted")
	}()

	stats, result, err := fn(ctx, req.Params)
	if err != nil {
		guard.finish(ctx, model.RunStatusFailed, stats, err.Error())
		log.Error("pipeline: run failed", zap.Error(err))
		return nil, err
	}

	guard.finish(ctx, model.RunStatusCompleted, stats, "")
	log.Info("pipeline: run completed", zap.Any("stats", stats.Map()))
	return &Response{Success: true, Stats: stats.Map(), Result: result}, nil
}

// StatusReport is what the status action returns.
type StatusReport struct {
	Entities map[string]int `json:"entities"`
	Records  map[string]int `json:"records"`
}

func (r *Runner) status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{
		Entities: make(map[string]int),
		Records:  make(map[string]int),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, et := range model.EntityTypes() {
		g.Go(func() error {
			n, err := r.store.CountEntities(gctx, et)
			if err != nil {
				return err
			}
			mu.Lock()
			report.Entities[string(et)] = n
			mu.Unlock()
			return nil
		})
	}
	for _, task := range r.tasks.All() {
		g.Go(func() error {
			n, err := r.store.CountRecords(gctx, task.Name)
			if err != nil {
				return err
			}
			mu.Lock()
			report.Records[task.Name] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "pipeline: status counts")
	}
	return report, nil
}

func (r *Runner) ingest(ctx context.Context, params map[string]any) (model.Stats, any, error) {
	var stats model.Stats

	raw, ok := params["entities"]
	if !ok {
		return stats, nil, &resilience.BadRequestError{Msg: "ingest requires an entities list"}
	}
	entities, err := decodeEntities(raw)
	if err != nil {
		return stats, nil, err
	}

	n, err := r.store.SeedEntities(ctx, entities)
	if err != nil {
		return stats, nil, eris.Wrap(err, "pipeline: seed entities")
	}
	stats.Processed = int(n)

	// mixed-type batches get no single type attribution
	auditType := entities[0].Type
	for _, e := range entities[1:] {
		if e.Type != auditType {
			auditType = ""
			break
		}
	}
	if err := r.store.AppendAudit(ctx, &model.AuditEntry{
		Action:           ActionIngest,
		EntityType:       auditType,
		ExtractedSummary: fmt.Sprintf("seeded %d entities", n),
	}); err != nil {
		zap.L().Warn("pipeline: ingest audit write failed", zap.Error(err))
	}
	return stats, map[string]any{"seeded": n}, nil
}

func decodeEntities(raw any) ([]model.Entity, error) {
	// round-trip through JSON so the HTTP body and CLI params decode the
	// same way
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, &resilience.BadRequestError{Msg: "entities list is not encodable"}
	}
	var entities []model.Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, &resilience.BadRequestError{Msg: "entities list is malformed: " + err.Error()}
	}
	if len(entities) == 0 {
		return nil, &resilience.BadRequestError{Msg: "entities list is empty"}
	}
	for _, e := range entities {
		if e.ID == "" || e.DisplayName == "" {
			return nil, &resilience.BadRequestError{Msg: "entity missing id or display_name"}
		}
		if !e.Type.Valid() {
			return nil, &resilience.BadRequestError{Msg: fmt.Sprintf("unknown entity type %q", e.Type)}
		}
	}
	return entities, nil
}

func (r *Runner) enrich(ctx context.Context, params map[string]any) (model.Stats, any, error) {
	return r.runTasks(ctx, params, r.tasks.EnrichTasks())
}

func (r *Runner) verify(ctx context.Context, params map[string]any) (model.Stats, any, error) {
	return r.runTasks(ctx, params, r.tasks.VerifyTasks())
}

// runTasks drains pending work for each task in turn, batch-size capped per
// task per invocation.
func (r *Runner) runTasks(ctx context.Context, params map[string]any, tasks []Task) (model.Stats, any, error) {
	var stats model.Stats

	if name := stringParam(params, "task"); name != "" {
		// the named task must belong to this action's own set, so a
		// verify run can never execute an enrichment task
		scoped := false
		for _, t := range tasks {
			if t.Name == name {
				tasks = []Task{t}
				scoped = true
				break
			}
		}
		if !scoped {
			if _, known := r.tasks.Get(name); known {
				return stats, nil, &resilience.BadRequestError{Msg: fmt.Sprintf("task %q does not run under this action", name)}
			}
			return stats, nil, &resilience.BadRequestError{Msg: fmt.Sprintf("unknown task %q", name)}
		}
	}

	perTask := make(map[string]map[string]int, len(tasks))
	for _, task := range tasks {
		pending, err := r.queue.Pending(ctx, task.Name, task.EntityType, r.snapshotInFlight(), r.batchSize)
		if err != nil {
			return stats, nil, err
		}
		if len(pending) == 0 {
			continue
		}

		release := r.markInFlight(pending)
		taskStats := r.orchestrator.RunBatch(ctx, task, pending)
		release()

		stats.Add(taskStats)
		perTask[task.Name] = taskStats.Map()
	}
	return stats, perTask, nil
}

func (r *Runner) snapshotInFlight() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]bool, len(r.inFlight))
	for k := range r.inFlight {
		snap[k] = true
	}
	return snap
}

func (r *Runner) markInFlight(entities []model.Entity) func() {
	r.mu.Lock()
	for _, e := range entities {
		r.inFlight[e.Key()] = true
	}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		for _, e := range entities {
			delete(r.inFlight, e.Key())
		}
		r.mu.Unlock()
	}
}

const outreachSystemPrompt = `You draft short, professional outreach emails
for an electronic music archive contacting artist representatives. Given the
contact facts below, write a brief email asking to verify the archive's
information about the artist. Plain text only, no subject line, under 150
words. Do not promise anything on the archive's behalf.`

func (r *Runner) generateOutreach(ctx context.Context, params map[string]any) (model.Stats, any, error) {
	var stats model.Stats

	entityID := stringParam(params, "entity_id")
	if entityID == "" {
		return stats, nil, &resilience.BadRequestError{Msg: "generate_outreach requires entity_id"}
	}
	entityType := model.EntityType(stringParam(params, "entity_type"))
	if entityType == "" {
		entityType = model.EntityArtist
	}
	if !entityType.Valid() {
		return stats, nil, &resilience.BadRequestError{Msg: fmt.Sprintf("unknown entity type %q", entityType)}
	}

	records, err := r.store.RecordsForEntity(ctx, entityType, entityID)
	if err != nil {
		return stats, nil, err
	}
	var contact *model.ExtractedRecord
	for i := range records {
		if records[i].Kind == "contact" {
			contact = &records[i]
			break
		}
	}
	if contact == nil {
		return stats, nil, &resilience.BadRequestError{
			Msg: fmt.Sprintf("no contact record for %s/%s; run enrich first", entityType, entityID),
		}
	}

	facts, err := json.Marshal(contact.Fields)
	if err != nil {
		return stats, nil, eris.Wrap(err, "pipeline: marshal contact facts")
	}
	if err := r.limiter.Acquire(ctx, "generate"); err != nil {
		return stats, nil, eris.Wrap(err, "pipeline: acquire generation slot")
	}
	draft, err := r.generator.Invoke(ctx, outreachSystemPrompt,
		fmt.Sprintf("Artist: %s\nContact facts: %s", entityID, facts))
	if err != nil {
		return stats, nil, eris.Wrapf(err, "pipeline: outreach draft for %s", entityID)
	}

	// drafts are never persisted to domain tables, only audited
	if err := r.store.AppendAudit(ctx, &model.AuditEntry{
		Action:           ActionGenerateOutreach,
		EntityType:       entityType,
		EntityID:         entityID,
		ExtractedSummary: fmt.Sprintf("outreach draft (%d chars)", len(draft)),
		SourceRefs:       contact.SourceRefs,
	}); err != nil {
		zap.L().Warn("pipeline: outreach audit write failed", zap.Error(err))
	}

	stats.Generated = 1
	return stats, map[string]any{"draft": draft}, nil
}

func (r *Runner) runAll(ctx context.Context, params map[string]any) (model.Stats, any, error) {
	var stats model.Stats
	results := make(map[string]any, 3)

	// ingest is optional in a full run: without a seed list the existing
	// entity tables are processed as-is
	if _, ok := params["entities"]; ok {
		ingestStats, result, err := r.ingest(ctx, params)
		if err != nil {
			return stats, results, eris.Wrap(err, "pipeline: run_all ingest")
		}
		stats.Add(ingestStats)
		results[ActionIngest] = result
	}

	enrichStats, enrichResult, err := r.enrich(ctx, nil)
	if err != nil {
		return stats, results, eris.Wrap(err, "pipeline: run_all enrich")
	}
	stats.Add(enrichStats)
	results[ActionEnrich] = enrichResult

	verifyStats, verifyResult, err := r.verify(ctx, nil)
	if err != nil {
		return stats, results, eris.Wrap(err, "pipeline: run_all verify")
	}
	stats.Add(verifyStats)
	results[ActionVerify] = verifyResult

	return stats, results, nil
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}
