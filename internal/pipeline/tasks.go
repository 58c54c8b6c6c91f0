package pipeline

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/techno-archive/enrich-cli/internal/model"
)

//go:embed tasks.yaml
var defaultTasksYAML []byte

// Task defines one enrichment pipeline: which entity type it processes, how
// candidate documents are discovered, and how the model output is gated
// before persistence.
type Task struct {
	Name          string           `yaml:"name"`
	EntityType    model.EntityType `yaml:"entity_type"`
	RecordKind    string           `yaml:"record_kind"`
	SearchQuery   string           `yaml:"search_query"`
	SystemPrompt  string           `yaml:"system_prompt"`
	UseConsensus  bool             `yaml:"use_consensus"`
	MinConfidence int              `yaml:"min_confidence"`
	Fallback      *FallbackConfig  `yaml:"fallback,omitempty"`
}

// FallbackConfig enables generative fallback: when discovery yields no
// candidates, a placeholder record is synthesized from the entity name
// alone and persisted with generated=true.
type FallbackConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
}

// Query expands the search query template for an entity.
func (t Task) Query(e model.Entity) string {
	return strings.ReplaceAll(t.SearchQuery, "{name}", e.DisplayName)
}

// Registry holds the loaded task definitions in file order.
type Registry struct {
	tasks  []Task
	byName map[string]Task
}

// LoadTasks reads task definitions from path, or the embedded defaults when
// path is empty. Tasks that omit min_confidence inherit
// defaultMinConfidence.
func LoadTasks(path string, defaultMinConfidence int) (*Registry, error) {
	data := defaultTasksYAML
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: read tasks %s", path)
		}
	}

	var wrapper struct {
		Tasks []Task `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "pipeline: parse tasks")
	}
	if len(wrapper.Tasks) == 0 {
		return nil, eris.New("pipeline: no tasks defined")
	}

	byName := make(map[string]Task, len(wrapper.Tasks))
	for i := range wrapper.Tasks {
		t := &wrapper.Tasks[i]
		if t.MinConfidence == 0 {
			t.MinConfidence = defaultMinConfidence
		}
		if t.Name == "" {
			return nil, eris.New("pipeline: task missing name")
		}
		if !t.EntityType.Valid() {
			return nil, eris.Errorf("pipeline: task %s has unknown entity type %q", t.Name, t.EntityType)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, eris.Errorf("pipeline: duplicate task %s", t.Name)
		}
		byName[t.Name] = *t
	}
	return &Registry{tasks: wrapper.Tasks, byName: byName}, nil
}

// Get returns the named task.
func (r *Registry) Get(name string) (Task, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// All returns every task in definition order.
func (r *Registry) All() []Task {
	return r.tasks
}

// EnrichTasks returns the tasks run by the enrich action: everything except
// verification tasks, which run under verify.
func (r *Registry) EnrichTasks() []Task {
	var out []Task
	for _, t := range r.tasks {
		if t.RecordKind != "freshness" {
			out = append(out, t)
		}
	}
	return out
}

// VerifyTasks returns the freshness-check tasks run by the verify action.
func (r *Registry) VerifyTasks() []Task {
	var out []Task
	for _, t := range r.tasks {
		if t.RecordKind == "freshness" {
			out = append(out, t)
		}
	}
	return out
}
