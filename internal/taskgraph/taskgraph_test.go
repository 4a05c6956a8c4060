package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fentz26/linecook/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pizza() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      "pizza",
		Version: 2,
		Phases: []models.Phase{
			{ID: "prep", Tasks: []models.TaskDef{
				// top is declared before the task it depends on.
				{ID: "top", ResourceType: "prep", EstimatedDuration: 2 * time.Minute, DependsOn: []string{"stretch"}},
				{ID: "stretch", ResourceType: "prep", EstimatedDuration: 3 * time.Minute,
					Subtasks: []models.SubtaskDef{{ID: "flour"}, {ID: "dock", Optional: true}}},
			}},
			{ID: "bake", Tasks: []models.TaskDef{
				{ID: "bake", ResourceType: "bake", EstimatedDuration: 8 * time.Minute, DependsOn: []string{"top"}},
			}},
		},
	}
}

func kitchen() []models.Resource {
	return []models.Resource{
		{ID: "oven-b", Capacity: 1, AcceptedTypes: []models.ResourceType{"bake"}, Active: true, DisplayOrder: 2},
		{ID: "oven-a", Capacity: 1, AcceptedTypes: []models.ResourceType{"bake"}, Active: true, DisplayOrder: 1},
		{ID: "bench", Capacity: 2, AcceptedTypes: []models.ResourceType{"prep"}, Active: true, DisplayOrder: 0},
	}
}

func lookupOf(defs ...*models.WorkflowDefinition) DefinitionLookup {
	return func(id string, version int) (*models.WorkflowDefinition, error) {
		for _, d := range defs {
			if d.ID == id && d.Version == version {
				return d, nil
			}
		}
		return nil, fmt.Errorf("%w: workflow %s", models.ErrNotFound, models.WorkflowKey(id, version))
	}
}

func order(lines ...models.OrderLine) models.Order {
	return models.Order{ID: "ord-1", Lines: lines}
}

func TestInstantiateOrder_ResolvesDependenciesAndResources(t *testing.T) {
	o := order(models.OrderLine{ID: "l1", WorkflowID: "pizza", WorkflowVersion: 2})

	inst, err := InstantiateOrder(o, lookupOf(pizza()), kitchen(), t0)
	require.NoError(t, err)
	require.NoError(t, inst.Warning)

	g := inst.Graph
	require.Len(t, g.Tasks, 3)
	assert.Equal(t, models.OrderStatusOpen, g.Order.Status)

	byDef := map[string]*models.TaskInstance{}
	for _, ti := range g.Tasks {
		byDef[ti.DefID] = ti
	}
	assert.Equal(t, []string{byDef["stretch"].ID}, byDef["top"].DependsOn)
	assert.Equal(t, []string{byDef["top"].ID}, byDef["bake"].DependsOn)
	assert.Equal(t, "oven-a", byDef["bake"].ResourceID, "first match by display order")
	assert.Equal(t, "bench", byDef["stretch"].ResourceID)

	assert.Equal(t, models.TaskStatusReady, byDef["stretch"].Status)
	assert.Equal(t, models.TaskStatusBlocked, byDef["top"].Status)
	assert.Equal(t, models.TaskStatusBlocked, byDef["bake"].Status)

	require.Len(t, byDef["stretch"].Subtasks, 2)
	assert.True(t, byDef["stretch"].Subtasks[1].Optional)
	assert.Equal(t, byDef["stretch"].ID, byDef["stretch"].Subtasks[0].TaskID)
}

func TestInstantiateOrder_DeterministicIDs(t *testing.T) {
	o := order(models.OrderLine{ID: "l1", WorkflowID: "pizza", WorkflowVersion: 2})

	first, err := InstantiateOrder(o, lookupOf(pizza()), kitchen(), t0)
	require.NoError(t, err)
	second, err := InstantiateOrder(o, lookupOf(pizza()), kitchen(), t0.Add(time.Hour))
	require.NoError(t, err)

	for i := range first.Graph.Tasks {
		assert.Equal(t, first.Graph.Tasks[i].ID, second.Graph.Tasks[i].ID)
		assert.Equal(t, first.Graph.Tasks[i].Subtasks, second.Graph.Tasks[i].Subtasks)
	}
	assert.Equal(t, TaskInstanceID("ord-1", "l1", "bake"), first.Graph.Tasks[2].ID)
}

func TestInstantiateOrder_TwoLinesSameWorkflow(t *testing.T) {
	o := order(
		models.OrderLine{ID: "l1", WorkflowID: "pizza", WorkflowVersion: 2},
		models.OrderLine{ID: "l2", WorkflowID: "pizza", WorkflowVersion: 2},
	)
	inst, err := InstantiateOrder(o, lookupOf(pizza()), kitchen(), t0)
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, ti := range inst.Graph.Tasks {
		ids[ti.ID] = true
	}
	assert.Len(t, ids, 6)
}

func TestInstantiateOrder_NoResourceAvailable(t *testing.T) {
	res := kitchen()
	res[0].Active = false
	res[1].Active = false

	o := order(models.OrderLine{ID: "l1", WorkflowID: "pizza", WorkflowVersion: 2})
	inst, err := InstantiateOrder(o, lookupOf(pizza()), res, t0)
	require.NoError(t, err)
	require.Error(t, inst.Warning)
	assert.ErrorIs(t, inst.Warning, models.ErrResourceUnavailable)

	for _, ti := range inst.Graph.Tasks {
		if ti.DefID == "bake" {
			assert.Empty(t, ti.ResourceID)
			assert.Equal(t, models.TaskStatusBlocked, ti.Status)
		}
	}
}

func TestInstantiateOrder_Errors(t *testing.T) {
	_, err := InstantiateOrder(order(), lookupOf(pizza()), kitchen(), t0)
	assert.ErrorIs(t, err, models.ErrValidation)

	o := order(models.OrderLine{ID: "l1", WorkflowID: "pizza", WorkflowVersion: 9})
	_, err = InstantiateOrder(o, lookupOf(pizza()), kitchen(), t0)
	assert.ErrorIs(t, err, models.ErrNotFound)

	o = order(
		models.OrderLine{ID: "l1", WorkflowID: "pizza", WorkflowVersion: 2},
		models.OrderLine{ID: "l1", WorkflowID: "pizza", WorkflowVersion: 2},
	)
	_, err = InstantiateOrder(o, lookupOf(pizza()), kitchen(), t0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCandidates(t *testing.T) {
	ctx := context.Background()
	var asked []models.ResourceType
	find := func(_ context.Context, rt models.ResourceType) ([]models.Resource, error) {
		asked = append(asked, rt)
		var out []models.Resource
		for _, r := range kitchen() {
			if r.Active && r.Accepts(rt) {
				out = append(out, r)
			}
		}
		return out, nil
	}

	o := order(
		models.OrderLine{ID: "l1", WorkflowID: "pizza", WorkflowVersion: 2},
		models.OrderLine{ID: "l2", WorkflowID: "pizza", WorkflowVersion: 2},
	)
	rs, err := Candidates(ctx, o, lookupOf(pizza()), find)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.ResourceType{"prep", "bake"}, asked, "each type is looked up once")
	assert.Len(t, rs, 3)

	inst, err := InstantiateOrder(o, lookupOf(pizza()), rs, t0)
	require.NoError(t, err)
	assert.NoError(t, inst.Warning)

	boom := errors.New("disk gone")
	_, err = Candidates(ctx, o, lookupOf(pizza()), func(context.Context, models.ResourceType) ([]models.Resource, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = Candidates(ctx, order(models.OrderLine{ID: "l1", WorkflowID: "pizza", WorkflowVersion: 9}), lookupOf(pizza()), find)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestInstantiateLine_MismatchedDefinition(t *testing.T) {
	_, err := InstantiateLine("o", models.OrderLine{ID: "l1", WorkflowID: "pizza", WorkflowVersion: 1}, pizza(), kitchen())
	assert.ErrorIs(t, err, models.ErrValidation)
}
