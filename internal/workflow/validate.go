// Package workflow validates and loads workflow definitions.
//
// Definitions are checked once at ingestion. Every later reader (the
// instantiator, the ETA suggester) trusts that a validated definition has
// unique ids, known resource types and an acyclic dependency graph.
package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fentz26/linecook/internal/models"
)

// ValidationError lists every problem found in one definition.
type ValidationError struct {
	Definition string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %s: %s", e.Definition, strings.Join(e.Problems, "; "))
}

// Unwrap lets callers match with errors.Is(err, models.ErrValidation).
func (e *ValidationError) Unwrap() error {
	return models.ErrValidation
}

// Validate checks structural invariants. knownTypes may be nil to skip the
// resource-type check (e.g. when validating a file without a catalog).
func Validate(def *models.WorkflowDefinition, knownTypes map[models.ResourceType]bool) error {
	verr := &ValidationError{Definition: def.Key()}
	add := func(format string, args ...any) {
		verr.Problems = append(verr.Problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(def.ID) == "" {
		add("id is required")
	}
	if def.Version < 1 {
		add("version must be >= 1")
	}
	if len(def.Phases) == 0 {
		add("at least one phase is required")
	}

	// phaseOf records the phase index where each task is declared.
	phaseOf := make(map[string]int)
	for pi, phase := range def.Phases {
		if len(phase.Tasks) == 0 {
			add("phase %q has no tasks", phase.ID)
		}
		for _, t := range phase.Tasks {
			if t.ID == "" {
				add("phase %q: task id is required", phase.ID)
				continue
			}
			if _, dup := phaseOf[t.ID]; dup {
				add("duplicate task id %q", t.ID)
				continue
			}
			phaseOf[t.ID] = pi
		}
	}

	for pi, phase := range def.Phases {
		for _, t := range phase.Tasks {
			if t.ResourceType == "" {
				add("task %q: resource_type is required", t.ID)
			} else if knownTypes != nil && !knownTypes[t.ResourceType] {
				add("task %q: unknown resource type %q", t.ID, t.ResourceType)
			}
			if t.EstimatedDuration <= 0 {
				add("task %q: estimated_duration must be positive", t.ID)
			}
			seen := make(map[string]bool)
			for _, st := range t.Subtasks {
				if st.ID == "" {
					add("task %q: subtask id is required", t.ID)
				} else if seen[st.ID] {
					add("task %q: duplicate subtask id %q", t.ID, st.ID)
				}
				seen[st.ID] = true
			}
			for _, dep := range t.DependsOn {
				dpi, ok := phaseOf[dep]
				switch {
				case dep == t.ID:
					add("task %q depends on itself", t.ID)
				case !ok:
					add("task %q depends on unknown task %q", t.ID, dep)
				case dpi > pi:
					add("task %q depends on %q from a later phase", t.ID, dep)
				}
			}
		}
	}

	if len(verr.Problems) == 0 {
		if _, err := TopologicalOrder(def); err != nil {
			add("%v", err)
		}
	}
	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// TopologicalOrder returns task ids in dependency order using Kahn's
// algorithm. Ties are broken by id so the result is deterministic.
func TopologicalOrder(def *models.WorkflowDefinition) ([]string, error) {
	inDegree := make(map[string]int)
	adj := make(map[string][]string)
	for _, t := range def.Tasks() {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.DependsOn {
			adj[dep] = append(adj[dep], t.ID)
			inDegree[t.ID]++
		}
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(inDegree))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		var next []string
		for _, succ := range adj[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				next = append(next, succ)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(order) != len(inDegree) {
		return nil, fmt.Errorf("dependency cycle detected (%d of %d tasks sorted)", len(order), len(inDegree))
	}
	return order, nil
}

// KnownTypes collects the resource types accepted by any resource.
func KnownTypes(resources []models.Resource) map[models.ResourceType]bool {
	out := make(map[models.ResourceType]bool)
	for _, r := range resources {
		for _, t := range r.AcceptedTypes {
			out[t] = true
		}
	}
	return out
}
