// Package eta computes predicted completion times over an order's task graph.
package eta

import (
	"fmt"
	"sort"
	"time"

	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/taskgraph"
)

// Confidence grades how much of an estimate rests on observed durations.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Queue is the slice of the resource queue model the calculator reads.
type Queue interface {
	Wait(t *models.TaskInstance) time.Duration
	SampleBacked(resourceID string) bool
}

// TaskEstimate is the per-instance breakdown.
type TaskEstimate struct {
	TaskID       string            `json:"task_id"`
	DefID        string            `json:"def_id"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Status       models.TaskStatus `json:"status"`
	QueueWait    time.Duration     `json:"queue_wait"`
	Duration     time.Duration     `json:"duration"`
	Remaining    time.Duration     `json:"remaining"`
	FinishAt     time.Time         `json:"finish_at"`
	SampleBacked bool              `json:"sample_backed"`
	Critical     bool              `json:"critical"`
}

// Estimate is the result for one order (or one hypothetical order).
type Estimate struct {
	OrderID               string         `json:"order_id"`
	ComputedAt            time.Time      `json:"computed_at"`
	Remaining             time.Duration  `json:"remaining"`
	PredictedCompletionAt time.Time      `json:"predicted_completion_at"`
	Confidence            Confidence     `json:"confidence"`
	CriticalTaskID        string         `json:"critical_task_id,omitempty"`
	CriticalChain         []string       `json:"critical_chain,omitempty"`
	Tasks                 []TaskEstimate `json:"tasks"`
	Warnings              []string       `json:"warnings,omitempty"`
}

// Task returns the breakdown entry for an instance.
func (e *Estimate) Task(id string) (TaskEstimate, bool) {
	for _, t := range e.Tasks {
		if t.TaskID == id {
			return t, true
		}
	}
	return TaskEstimate{}, false
}

// Calculate walks the order's instances in topological order (Kahn, ties by
// id) and computes each instance's remaining time:
//
//	done/cancelled: 0
//	active:         max(0, estimate - elapsed)
//	otherwise:      max(dependency remaining) + queue wait + estimate
//
// The order's remaining time is the maximum over all instances; the instance
// achieving it is flagged critical.
func Calculate(g *models.OrderGraph, q Queue, now time.Time) (*Estimate, error) {
	byID := make(map[string]*models.TaskInstance, len(g.Tasks))
	for _, t := range g.Tasks {
		byID[t.ID] = t
	}

	inDegree := make(map[string]int, len(g.Tasks))
	adj := make(map[string][]string)
	for _, t := range g.Tasks {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
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

	remaining := make(map[string]time.Duration, len(g.Tasks))
	est := &Estimate{OrderID: g.Order.ID, ComputedAt: now}
	index := make(map[string]int, len(g.Tasks))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t := byID[id]

		te := TaskEstimate{
			TaskID:     t.ID,
			DefID:      t.DefID,
			ResourceID: t.ResourceID,
			Status:     t.Status,
			Duration:   t.EstimatedDuration,
		}
		if t.ResourceID != "" && q != nil {
			te.SampleBacked = q.SampleBacked(t.ResourceID)
		}

		switch {
		case t.Status.Terminal():
			te.Duration = 0
		case t.Status == models.TaskStatusActive:
			elapsed := time.Duration(0)
			if t.StartedAt != nil {
				elapsed = now.Sub(*t.StartedAt)
			}
			te.Remaining = max(0, t.EstimatedDuration-elapsed)
		default:
			var upstream time.Duration
			for _, dep := range t.DependsOn {
				if r, ok := remaining[dep]; ok && r > upstream {
					upstream = r
				}
			}
			if q != nil {
				te.QueueWait = q.Wait(t)
			}
			te.Remaining = upstream + te.QueueWait + t.EstimatedDuration
		}
		te.FinishAt = now.Add(te.Remaining)
		remaining[id] = te.Remaining
		index[id] = len(est.Tasks)
		est.Tasks = append(est.Tasks, te)

		var next []string
		for _, succ := range adj[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				next = append(next, succ)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(est.Tasks) != len(g.Tasks) {
		return nil, fmt.Errorf("eta: order %s: dependency cycle (%d of %d instances sorted)", g.Order.ID, len(est.Tasks), len(g.Tasks))
	}

	for i, te := range est.Tasks {
		if te.Remaining > est.Remaining {
			est.Remaining = te.Remaining
			est.CriticalTaskID = est.Tasks[i].TaskID
		}
	}
	if est.CriticalTaskID != "" {
		est.Tasks[index[est.CriticalTaskID]].Critical = true
		est.CriticalChain = chain(est.CriticalTaskID, byID, remaining)
	}
	est.PredictedCompletionAt = now.Add(est.Remaining)
	est.Confidence = confidence(est.Tasks)
	return est, nil
}

// chain walks back from the critical instance through the dependency that
// determined each start, returning ids root first.
func chain(from string, byID map[string]*models.TaskInstance, remaining map[string]time.Duration) []string {
	var out []string
	for id := from; id != ""; {
		out = append(out, id)
		t := byID[id]
		next := ""
		var best time.Duration
		if !t.Status.Terminal() && t.Status != models.TaskStatusActive {
			for _, dep := range t.DependsOn {
				if r, ok := remaining[dep]; ok && r > best {
					best, next = r, dep
				}
			}
		}
		id = next
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func confidence(tasks []TaskEstimate) Confidence {
	if len(tasks) < 3 {
		return ConfidenceLow
	}
	for _, t := range tasks {
		if !t.SampleBacked {
			return ConfidenceMedium
		}
	}
	return ConfidenceHigh
}

// suggestOrderID names the throwaway order used by Suggest.
const suggestOrderID = "suggestion"

// Suggest answers "how long would this take if ordered now" by running the
// same traversal over hypothetical instances of the candidate definitions.
// Nothing is persisted and the queue model is not modified.
func Suggest(defs []*models.WorkflowDefinition, resources []models.Resource, q Queue, now time.Time) (*Estimate, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no candidate workflows", models.ErrValidation)
	}
	order := models.Order{ID: suggestOrderID, Status: models.OrderStatusOpen}
	for i, d := range defs {
		order.Lines = append(order.Lines, models.OrderLine{
			ID:              fmt.Sprintf("line-%d", i+1),
			WorkflowID:      d.ID,
			WorkflowVersion: d.Version,
		})
	}
	lookup := func(id string, version int) (*models.WorkflowDefinition, error) {
		for _, d := range defs {
			if d.ID == id && d.Version == version {
				return d, nil
			}
		}
		return nil, fmt.Errorf("%w: workflow %s", models.ErrNotFound, models.WorkflowKey(id, version))
	}

	inst, err := taskgraph.InstantiateOrder(order, lookup, resources, now)
	if err != nil {
		return nil, err
	}
	est, err := Calculate(inst.Graph, q, now)
	if err != nil {
		return nil, err
	}
	est.OrderID = ""
	if inst.Warning != nil {
		est.Warnings = append(est.Warnings, inst.Warning.Error())
	}
	return est, nil
}
