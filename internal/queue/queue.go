// Package queue selects which entities still need processing for a task.
// Progress is checkpointed per entity via the "already has output" check, so
// interrupted batches resume naturally on the next invocation.
package queue

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/techno-archive/enrich-cli/internal/model"
)

// EntitySource is the store subset the queue reads. Entities must come back
// in a stable order (insertion order) so repeated runs make visible forward
// progress instead of re-selecting random subsets.
type EntitySource interface {
	Entities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error)
	CompletedEntityIDs(ctx context.Context, task string, entityType model.EntityType) (map[string]bool, error)
}

// Queue computes pending work for a task.
type Queue struct {
	source EntitySource
}

// New creates a Queue over an entity source.
func New(source EntitySource) *Queue {
	return &Queue{source: source}
}

// Pending returns up to limit entities of the given type that have no
// persisted output for the task and are not in the inFlight set. Reading
// alone never transitions an entity to "done": calling Pending twice
// without an intervening persist yields the same result.
//
// Entities whose normalized display name duplicates an earlier entity in
// the same selection are skipped, so alias rows ("Rødhåd" vs "Rodhad")
// don't burn two enrichment slots in one batch.
func (q *Queue) Pending(ctx context.Context, task string, entityType model.EntityType, inFlight map[string]bool, limit int) ([]model.Entity, error) {
	entities, err := q.source.Entities(ctx, entityType)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: list %s entities", entityType)
	}

	done, err := q.source.CompletedEntityIDs(ctx, task, entityType)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: completed ids for %s", task)
	}

	seenNames := make(map[string]bool, len(entities))
	var pending []model.Entity
	for _, e := range entities {
		if done[e.ID] || inFlight[e.Key()] {
			continue
		}
		if name := NormalizeName(e.DisplayName); name != "" {
			if seenNames[name] {
				continue
			}
			seenNames[name] = true
		}
		pending = append(pending, e)
		if limit > 0 && len(pending) >= limit {
			break
		}
	}
	return pending, nil
}
