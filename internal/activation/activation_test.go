package activation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/fentz26/linecook/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func task(id string, deps ...string) *models.TaskInstance {
	return &models.TaskInstance{
		ID:                id,
		OrderID:           "o1",
		DefID:             id,
		ResourceID:        "r-" + id,
		Status:            models.TaskStatusBlocked,
		EstimatedDuration: time.Minute,
		DependsOn:         deps,
	}
}

func graph(tasks ...*models.TaskInstance) *models.OrderGraph {
	return &models.OrderGraph{
		Order: models.Order{ID: "o1", Status: models.OrderStatusOpen},
		Tasks: tasks,
	}
}

func TestActivate_PromotesZeroDependencyTasks(t *testing.T) {
	g := graph(task("a"), task("b", "a"), task("c"))

	trs := Activate(g, t0)

	assert.Len(t, trs, 2)
	assert.Equal(t, models.TaskStatusReady, g.Task("a").Status)
	assert.Equal(t, models.TaskStatusBlocked, g.Task("b").Status)
	assert.Equal(t, models.TaskStatusReady, g.Task("c").Status)
	require.NotNil(t, g.Task("a").ReadyAt)
	assert.Equal(t, t0, *g.Task("a").ReadyAt)
}

func TestActivate_UnresolvedResourceStaysBlocked(t *testing.T) {
	a := task("a")
	a.ResourceID = ""
	g := graph(a)

	assert.Empty(t, Activate(g, t0))
	assert.Equal(t, models.TaskStatusBlocked, a.Status)
}

func TestActivate_CascadesThroughCancelledChain(t *testing.T) {
	g := graph(task("a"), task("b", "a"), task("c", "b"))
	Activate(g, t0)

	_, err := Cancel(g, "a", "u1", t0)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, g.Task("b").Status)
	assert.Equal(t, models.TaskStatusBlocked, g.Task("c").Status)

	out, err := Cancel(g, "b", "u1", t0)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, g.Task("c").Status)
	assert.Contains(t, out.Transitions, Transition{TaskID: "c", From: models.TaskStatusBlocked, To: models.TaskStatusReady})
}

func TestStart_RequiresReady(t *testing.T) {
	g := graph(task("a"), task("b", "a"))
	Activate(g, t0)

	_, err := Start(g, "b", "u1", t0)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	out, err := Start(g, "a", "u1", t0)
	require.NoError(t, err)
	assert.Equal(t, []Transition{{TaskID: "a", From: models.TaskStatusReady, To: models.TaskStatusActive}}, out.Transitions)
	assert.Equal(t, "u1", g.Task("a").ActorID)

	_, err = Start(g, "a", "u2", t0)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestStart_UnknownTask(t *testing.T) {
	_, err := Start(graph(), "nope", "u1", t0)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestComplete_IsIdempotent(t *testing.T) {
	g := graph(task("a"), task("b", "a"))
	Activate(g, t0)
	_, err := Start(g, "a", "u1", t0)
	require.NoError(t, err)

	first, err := Complete(g, "a", "u1", t0.Add(4*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, first.Sample)
	assert.Equal(t, 4*time.Minute, first.Sample.Duration)
	assert.Equal(t, "r-a", first.Sample.ResourceID)

	snapshot := *g.Task("a")
	second, err := Complete(g, "a", "u2", t0.Add(9*time.Minute))
	require.NoError(t, err)
	assert.True(t, second.Noop)
	assert.Nil(t, second.Sample, "no duplicate duration sample")
	assert.False(t, second.Changed())
	assert.Equal(t, snapshot, *g.Task("a"))
}

func TestComplete_FromReadyBackfillsStart(t *testing.T) {
	g := graph(task("a"))
	Activate(g, t0)

	out, err := Complete(g, "a", "u1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, out.Sample, "no sample without a recorded start")

	a := g.Task("a")
	require.NotNil(t, a.StartedAt)
	assert.Equal(t, t0.Add(time.Minute), *a.StartedAt)
	assert.Equal(t, "u1", a.ActorID)
}

func TestComplete_NeverBeforeStart(t *testing.T) {
	g := graph(task("a"))
	Activate(g, t0)
	_, err := Start(g, "a", "u1", t0.Add(5*time.Minute))
	require.NoError(t, err)

	out, err := Complete(g, "a", "u2", t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, out.Sample)
	assert.Equal(t, time.Duration(0), out.Sample.Duration)
	assert.Equal(t, t0.Add(5*time.Minute), *g.Task("a").CompletedAt)
}

func TestComplete_RejectsBlockedAndCancelled(t *testing.T) {
	g := graph(task("a"), task("b", "a"), task("c"))
	Activate(g, t0)

	_, err := Complete(g, "b", "u1", t0)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = Cancel(g, "c", "u1", t0)
	require.NoError(t, err)
	_, err = Complete(g, "c", "u1", t0)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestComplete_ForceCompletesRequiredSubtasks(t *testing.T) {
	a := task("a")
	a.Subtasks = []models.SubtaskInstance{
		{ID: "s1", TaskID: "a"},
		{ID: "s2", TaskID: "a", Optional: true},
		{ID: "s3", TaskID: "a", Completed: true},
	}
	g := graph(a)
	Activate(g, t0)

	out, err := Complete(g, "a", "u1", t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, out.Subtasks)
	assert.True(t, a.Subtasks[0].Completed)
	assert.False(t, a.Subtasks[1].Completed, "optional subtasks are left alone")
}

func TestComplete_SettlesOrder(t *testing.T) {
	g := graph(task("a"), task("b", "a"))
	Activate(g, t0)

	out, err := Complete(g, "a", "u1", t0)
	require.NoError(t, err)
	assert.False(t, out.OrderReady)

	out, err = Complete(g, "b", "u1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, out.OrderReady)
	assert.Equal(t, models.OrderStatusReadyForHandoff, g.Order.Status)
	require.NotNil(t, g.Order.ReadyAt)
}

func TestCancel(t *testing.T) {
	g := graph(task("a"))
	Activate(g, t0)
	_, err := Complete(g, "a", "u1", t0)
	require.NoError(t, err)

	_, err = Cancel(g, "a", "u1", t0)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "done tasks cannot be cancelled")

	g = graph(task("x"))
	_, err = Cancel(g, "x", "u1", t0)
	require.NoError(t, err)
	out, err := Cancel(g, "x", "u1", t0)
	require.NoError(t, err)
	assert.True(t, out.Noop)
}

func TestCompleteSubtask(t *testing.T) {
	a := task("a")
	a.Subtasks = []models.SubtaskInstance{{ID: "s1", TaskID: "a"}}
	g := graph(a)

	out, err := CompleteSubtask(g, "s1", t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, out.Subtasks)
	assert.Equal(t, models.TaskStatusBlocked, a.Status, "no cascade into the parent")

	out, err = CompleteSubtask(g, "s1", t0)
	require.NoError(t, err)
	assert.True(t, out.Noop)

	_, err = CompleteSubtask(g, "missing", t0)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCompleteSubtask_CancelledParent(t *testing.T) {
	a := task("a")
	a.Subtasks = []models.SubtaskInstance{{ID: "s1", TaskID: "a"}}
	g := graph(a)
	_, err := Cancel(g, "a", "u1", t0)
	require.NoError(t, err)

	_, err = CompleteSubtask(g, "s1", t0)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

// TestActivation_Monotonic drives random operations over a layered graph and
// checks that no instance returns to blocked and that the ready/blocked
// invariant holds after every step.
func TestActivation_Monotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		g := graph(
			task("a"), task("b"), task("c", "a"), task("d", "a", "b"),
			task("e", "c", "d"), task("f", "e"), task("g", "b"),
		)
		Activate(g, t0)
		left := make(map[string]bool)

		for step := 0; step < 40; step++ {
			target := g.Tasks[rng.Intn(len(g.Tasks))].ID
			switch rng.Intn(3) {
			case 0:
				_, _ = Start(g, target, "u", t0)
			case 1:
				_, _ = Complete(g, target, "u", t0)
			case 2:
				if rng.Intn(4) == 0 {
					_, _ = Cancel(g, target, "u", t0)
				}
			}

			for _, ti := range g.Tasks {
				if ti.Status != models.TaskStatusBlocked {
					left[ti.ID] = true
				} else {
					require.False(t, left[ti.ID], "task %s re-entered blocked", ti.ID)
				}
				settled := true
				for _, dep := range ti.DependsOn {
					if !g.Task(dep).Status.Terminal() {
						settled = false
					}
				}
				if ti.Status == models.TaskStatusReady {
					require.True(t, settled, "task %s ready with open dependencies", ti.ID)
				}
				if ti.Status == models.TaskStatusBlocked {
					require.False(t, settled, "task %s blocked with settled dependencies", ti.ID)
				}
			}
		}
	}
}

func TestOutcome_Touched(t *testing.T) {
	a := task("a")
	a.Subtasks = []models.SubtaskInstance{{ID: "s1", TaskID: "a"}}
	g := graph(a, task("b", "a"), task("c"))
	Activate(g, t0)

	out, err := CompleteSubtask(g, "s1", t0)
	require.NoError(t, err)
	touched := out.Touched(g)
	require.Len(t, touched, 1)
	assert.Equal(t, "a", touched[0].ID)

	out, err = Complete(g, "a", "u1", t0)
	require.NoError(t, err)
	ids := []string{}
	for _, tk := range out.Touched(g) {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}
