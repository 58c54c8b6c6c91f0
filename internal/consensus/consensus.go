// Package consensus implements dual-model validation: the same prompt is
// sent to two independently-configured callers and the outputs are merged
// field-wise.
//
// "Validated" means both outputs parsed as JSON objects and merged; it is
// mergeability, not semantic agreement. The merge heuristics (longer string
// wins, array union) favor detail over verification and are a documented
// approximation. Result.Agreement reports the share of overlapping scalar
// keys with equal values so callers can impose a stricter gate without an
// interface change.
package consensus

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/techno-archive/enrich-cli/internal/aicall"
)

// Validator runs the same prompt through two callers and merges the outputs.
type Validator struct {
	modelA aicall.Caller
	modelB aicall.Caller
}

// New creates a Validator over two independently-configured callers.
func New(modelA, modelB aicall.Caller) *Validator {
	return &Validator{modelA: modelA, modelB: modelB}
}

// Result is the outcome of a consensus validation.
type Result struct {
	Validated    bool           `json:"validated"`
	Merged       map[string]any `json:"merged,omitempty"`
	ModelAOutput string         `json:"model_a_output"`
	ModelBOutput string         `json:"model_b_output"`
	// Agreement is the fraction of scalar keys present in both outputs
	// that hold equal values. 1.0 when no scalar keys overlap.
	Agreement float64 `json:"agreement"`
}

// Validate invokes both models with identical prompts. A caller error
// propagates (the batch marks the entity failed); a parse failure on either
// side yields Validated=false with no error, so the orchestrator can apply
// its fallback policy.
func (v *Validator) Validate(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	outA, err := v.modelA.Invoke(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: model A (%s)", v.modelA.Model())
	}
	outB, err := v.modelB.Invoke(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: model B (%s)", v.modelB.Model())
	}

	result := &Result{ModelAOutput: outA, ModelBOutput: outB}

	objA, okA := aicall.ExtractJSONObject(outA)
	objB, okB := aicall.ExtractJSONObject(outB)
	if !okA || !okB {
		zap.L().Debug("consensus: parse failure",
			zap.Bool("model_a_parsed", okA),
			zap.Bool("model_b_parsed", okB),
		)
		return result, nil
	}

	result.Validated = true
	result.Merged = Merge(objA, objB)
	result.Agreement = agreement(objA, objB)
	return result, nil
}

// Merge combines two model outputs field-wise. For each key present in
// either object: two strings keep the longer (more detail, not necessarily
// more correct); two arrays take the union with duplicates removed; a key
// on one side only is taken as-is. Mismatched types keep side A.
func Merge(a, b map[string]any) map[string]any {
	merged := make(map[string]any, len(a)+len(b))

	for k, va := range a {
		vb, inB := b[k]
		if !inB {
			merged[k] = va
			continue
		}
		merged[k] = mergeValue(va, vb)
	}
	for k, vb := range b {
		if _, inA := a[k]; !inA {
			merged[k] = vb
		}
	}
	return merged
}

func mergeValue(va, vb any) any {
	if sa, ok := va.(string); ok {
		if sb, ok := vb.(string); ok {
			if len(sb) > len(sa) {
				return sb
			}
			return sa
		}
	}
	if la, ok := va.([]any); ok {
		if lb, ok := vb.([]any); ok {
			return unionList(la, lb)
		}
	}
	return va
}

// unionList appends b's elements to a, dropping duplicates. Elements are
// compared by their canonical string form since model output lists carry
// scalars in practice.
func unionList(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, lists := range [][]any{a, b} {
		for _, v := range lists {
			key := fmt.Sprintf("%v", v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

// agreement computes the fraction of scalar keys shared by both objects
// whose values are equal.
func agreement(a, b map[string]any) float64 {
	shared, equal := 0, 0
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			continue
		}
		if !isScalar(va) || !isScalar(vb) {
			continue
		}
		shared++
		if fmt.Sprintf("%v", va) == fmt.Sprintf("%v", vb) {
			equal++
		}
	}
	if shared == 0 {
		return 1.0
	}
	return float64(equal) / float64(shared)
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool, nil:
		return true
	}
	return false
}
