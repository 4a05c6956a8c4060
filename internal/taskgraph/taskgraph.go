// Package taskgraph expands workflow definitions into the task instances of
// an order.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/linecook/internal/activation"
	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/workflow"
	"github.com/google/uuid"
)

// instanceNamespace scopes the name-based ids below. Both the client and the
// server derive ids from it, so an order instantiated offline and replayed
// later yields the same instance ids on each side.
var instanceNamespace = uuid.MustParse("5b0f3c3e-6f0e-4a8e-9d4a-1c7e2f6b9a10")

// TaskInstanceID derives the id of the instance of defID on an order line.
func TaskInstanceID(orderID, lineID, defID string) string {
	return uuid.NewSHA1(instanceNamespace, []byte(orderID+"/"+lineID+"/"+defID)).String()
}

// SubtaskInstanceID derives the id of a subtask instance.
func SubtaskInstanceID(taskInstanceID, subtaskDefID string) string {
	return uuid.NewSHA1(instanceNamespace, []byte(taskInstanceID+"#"+subtaskDefID)).String()
}

// DefinitionLookup resolves an order line to its workflow definition.
type DefinitionLookup func(id string, version int) (*models.WorkflowDefinition, error)

// ResourceFinder returns the resources accepting a type.
type ResourceFinder func(ctx context.Context, t models.ResourceType) ([]models.Resource, error)

// Candidates gathers the resources able to take any task of the order's
// workflows, each once.
func Candidates(ctx context.Context, order models.Order, lookup DefinitionLookup, find ResourceFinder) ([]models.Resource, error) {
	types := make(map[models.ResourceType]bool)
	seen := make(map[string]bool)
	var out []models.Resource
	for _, line := range order.Lines {
		def, err := lookup(line.WorkflowID, line.WorkflowVersion)
		if err != nil {
			return nil, err
		}
		for _, td := range def.Tasks() {
			if types[td.ResourceType] {
				continue
			}
			types[td.ResourceType] = true
			rs, err := find(ctx, td.ResourceType)
			if err != nil {
				return nil, fmt.Errorf("find resources for %s: %w", td.ResourceType, err)
			}
			for _, r := range rs {
				if !seen[r.ID] {
					seen[r.ID] = true
					out = append(out, r)
				}
			}
		}
	}
	return out, nil
}

// Result holds the instances created for one order line.
type Result struct {
	Tasks []*models.TaskInstance
	// Unresolved lists instances created without a resource.
	Unresolved []*models.TaskInstance
}

// Err reports unresolved resources as ErrResourceUnavailable. The instances
// themselves are still valid and stay blocked.
func (r *Result) Err() error {
	if len(r.Unresolved) == 0 {
		return nil
	}
	parts := make([]string, 0, len(r.Unresolved))
	for _, t := range r.Unresolved {
		parts = append(parts, fmt.Sprintf("%s (%s)", t.DefID, t.ResourceType))
	}
	return fmt.Errorf("%w: %s", models.ErrResourceUnavailable, strings.Join(parts, ", "))
}

// InstantiateLine creates the instances of one order line. resources must be
// sorted by display order (see workflow.SortResources).
func InstantiateLine(orderID string, line models.OrderLine, def *models.WorkflowDefinition, resources []models.Resource) (*Result, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: line %s has no workflow definition", models.ErrValidation, line.ID)
	}
	if def.ID != line.WorkflowID || def.Version != line.WorkflowVersion {
		return nil, fmt.Errorf("%w: line %s references %s but got %s",
			models.ErrValidation, line.ID, models.WorkflowKey(line.WorkflowID, line.WorkflowVersion), def.Key())
	}

	res := &Result{}
	byDef := make(map[string]*models.TaskInstance)

	// Pass one: create instances. A task may depend on a sibling that is
	// created later, so dependencies are rewritten in pass two.
	for _, td := range def.Tasks() {
		id := TaskInstanceID(orderID, line.ID, td.ID)
		inst := &models.TaskInstance{
			ID:                id,
			OrderID:           orderID,
			LineID:            line.ID,
			DefID:             td.ID,
			Title:             td.Title,
			ResourceType:      td.ResourceType,
			Status:            models.TaskStatusBlocked,
			EstimatedDuration: td.EstimatedDuration,
		}
		if r := resolveResource(resources, td.ResourceType); r != nil {
			inst.ResourceID = r.ID
		} else {
			res.Unresolved = append(res.Unresolved, inst)
		}
		for _, sd := range td.Subtasks {
			inst.Subtasks = append(inst.Subtasks, models.SubtaskInstance{
				ID:       SubtaskInstanceID(id, sd.ID),
				TaskID:   id,
				DefID:    sd.ID,
				Title:    sd.Title,
				Optional: sd.Optional,
			})
		}
		byDef[td.ID] = inst
		res.Tasks = append(res.Tasks, inst)
	}

	// Pass two: map definition-scoped dependencies to instance ids.
	for _, td := range def.Tasks() {
		inst := byDef[td.ID]
		for _, dep := range td.DependsOn {
			target, ok := byDef[dep]
			if !ok {
				return nil, fmt.Errorf("%w: task %s depends on unknown task %s", models.ErrValidation, td.ID, dep)
			}
			inst.DependsOn = append(inst.DependsOn, target.ID)
		}
	}
	return res, nil
}

// Instantiation is the outcome of expanding a whole order.
type Instantiation struct {
	Graph *models.OrderGraph
	// Warning wraps ErrResourceUnavailable when some instances are stalled.
	Warning error
}

// InstantiateOrder builds the full graph of an order and runs activation once
// so zero-dependency instances start out ready.
func InstantiateOrder(order models.Order, lookup DefinitionLookup, resources []models.Resource, now time.Time) (*Instantiation, error) {
	if len(order.Lines) == 0 {
		return nil, fmt.Errorf("%w: order %s has no lines", models.ErrValidation, order.ID)
	}
	sorted := append([]models.Resource(nil), resources...)
	workflow.SortResources(sorted)

	g := &models.OrderGraph{Order: order}
	if g.Order.Status == "" {
		g.Order.Status = models.OrderStatusOpen
	}
	seen := make(map[string]bool)
	var warnings []error
	for _, line := range order.Lines {
		if line.ID == "" || seen[line.ID] {
			return nil, fmt.Errorf("%w: order %s: line ids must be unique and non-empty", models.ErrValidation, order.ID)
		}
		seen[line.ID] = true

		def, err := lookup(line.WorkflowID, line.WorkflowVersion)
		if err != nil {
			return nil, err
		}
		res, err := InstantiateLine(order.ID, line, def, sorted)
		if err != nil {
			return nil, err
		}
		if w := res.Err(); w != nil {
			warnings = append(warnings, fmt.Errorf("line %s: %w", line.ID, w))
		}
		g.Tasks = append(g.Tasks, res.Tasks...)
	}

	activation.Activate(g, now)
	return &Instantiation{Graph: g, Warning: errors.Join(warnings...)}, nil
}

// resolveResource picks the first active resource accepting t.
func resolveResource(resources []models.Resource, t models.ResourceType) *models.Resource {
	for i := range resources {
		r := &resources[i]
		if r.Active && r.Accepts(t) {
			return r
		}
	}
	return nil
}
