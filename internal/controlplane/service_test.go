package controlplane

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/linecook/internal/audit"
	"github.com/fentz26/linecook/internal/eta"
	"github.com/fentz26/linecook/internal/events"
	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/resqueue"
	"github.com/fentz26/linecook/internal/store"
	"github.com/fentz26/linecook/internal/wire"
	"github.com/fentz26/linecook/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *Service
	store *store.Store
	clock *fakeClock
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zaptest.NewLogger(t)
	clock := &fakeClock{now: t0}
	bus := events.NewBus(events.WithCapacity(256))
	t.Cleanup(bus.Close)

	svc := NewService(st, audit.NewPDRWriter(st, logger), resqueue.New(resqueue.DefaultConfig()),
		WithLogger(logger),
		WithClock(clock.Now),
		WithPublisher(bus),
		WithScope("kitchen"),
	)
	cat, err := workflow.LoadCatalog(filepath.Join("..", "workflow", "testdata", "kitchen.yaml"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, svc.ImportCatalog(ctx, cat))
	require.NoError(t, svc.Init(ctx, resqueue.DefaultConfig().Window))
	return &fixture{svc: svc, store: st, clock: clock, bus: bus}
}

func pizzaOrder(id string) wire.CreateOrder {
	return wire.CreateOrder{
		OrderID: id,
		ActorID: "u-ana",
		Lines:   []wire.Line{{LineID: "l1", WorkflowID: "margherita", WorkflowVersion: 1}},
	}
}

func taskByDef(t *testing.T, g *models.OrderGraph, defID string) *models.TaskInstance {
	t.Helper()
	for _, tk := range g.Tasks {
		if tk.DefID == defID {
			return tk
		}
	}
	t.Fatalf("no instance for %s", defID)
	return nil
}

func sampleCount(t *testing.T, st *store.Store, taskID string) int {
	t.Helper()
	samples, err := st.RecentSamples(context.Background(), 100)
	require.NoError(t, err)
	n := 0
	for _, smp := range samples {
		if smp.TaskID == taskID {
			n++
		}
	}
	return n
}

func TestCreateOrder_InstantiatesAndNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, pizzaOrder("o1"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, res.Warning)
	assert.Equal(t, "#0001", res.Graph.Order.Number)
	require.Len(t, res.Graph.Tasks, 4)
	assert.Equal(t, models.TaskStatusReady, taskByDef(t, res.Graph, "stretch").Status)
	assert.Equal(t, models.TaskStatusBlocked, taskByDef(t, res.Graph, "bake").Status)
	assert.Equal(t, "deck-oven", taskByDef(t, res.Graph, "bake").ResourceID)

	again, err := f.svc.CreateOrder(ctx, pizzaOrder("o1"))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, "#0001", again.Graph.Order.Number)
	assert.Equal(t, taskByDef(t, res.Graph, "bake").ID, taskByDef(t, again.Graph, "bake").ID)

	second, err := f.svc.CreateOrder(ctx, pizzaOrder("o2"))
	require.NoError(t, err)
	assert.Equal(t, "#0002", second.Graph.Order.Number)
}

func TestCreateOrder_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, wire.CreateOrder{OrderID: "o1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	req := pizzaOrder("o1")
	req.Lines[0].WorkflowVersion = 7
	_, err = f.svc.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.CreateOrder(ctx, wire.CreateOrder{Lines: req.Lines})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateOrder_UsesCurrentResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resources, err := f.store.ListResources(ctx)
	require.NoError(t, err)
	for _, r := range resources {
		switch r.ID {
		case "deck-oven":
			r.Active = false
		case "spare-oven":
			r.Active = true
		default:
			continue
		}
		require.NoError(t, f.store.UpsertResource(ctx, r))
	}

	res, err := f.svc.CreateOrder(ctx, pizzaOrder("o1"))
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	assert.Equal(t, "spare-oven", taskByDef(t, res.Graph, "bake").ResourceID)
}

func TestTaskAction_Flow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, pizzaOrder("o1"))
	require.NoError(t, err)
	stretch := taskByDef(t, res.Graph, "stretch").ID

	_, err = f.svc.TaskAction(ctx, wire.TaskAction{TaskID: taskByDef(t, res.Graph, "bake").ID, Action: wire.ActionStart, ActorID: "u-ana"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	started, err := f.svc.TaskAction(ctx, wire.TaskAction{TaskID: stretch, Action: wire.ActionStart, ActorID: "u-ana"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusActive, started.Graph.Task(stretch).Status)

	f.clock.Advance(4 * time.Minute)
	done, err := f.svc.TaskAction(ctx, wire.TaskAction{TaskID: stretch, Action: wire.ActionComplete, ActorID: "u-ana"})
	require.NoError(t, err)
	assert.False(t, done.Noop)
	assert.Equal(t, models.TaskStatusDone, done.Graph.Task(stretch).Status)
	assert.Equal(t, models.TaskStatusReady, taskByDef(t, done.Graph, "top").Status)

	stored, err := f.svc.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, taskByDef(t, stored, "top").Status)
	assert.True(t, taskByDef(t, stored, "stretch").Subtasks[0].Completed)

	assert.Equal(t, 1, sampleCount(t, f.store, stretch))

	_, err = f.svc.TaskAction(ctx, wire.TaskAction{TaskID: stretch, Action: "juggle"})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.svc.TaskAction(ctx, wire.TaskAction{TaskID: "missing", Action: wire.ActionStart})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTaskAction_ConcurrentCompleteAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, pizzaOrder("o1"))
	require.NoError(t, err)
	stretch := taskByDef(t, res.Graph, "stretch").ID
	_, err = f.svc.TaskAction(ctx, wire.TaskAction{TaskID: stretch, Action: wire.ActionStart, ActorID: "u-ana"})
	require.NoError(t, err)
	f.clock.Advance(3 * time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.svc.TaskAction(ctx, wire.TaskAction{TaskID: stretch, Action: wire.ActionComplete, ActorID: "u-ana"})
			errs[i] = err
			if err == nil && !r.Noop {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, sampleCount(t, f.store, stretch))
	assert.Zero(t, f.svc.locks.size())
}

func TestTaskAction_UsesActionTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, pizzaOrder("o1"))
	require.NoError(t, err)
	stretch := taskByDef(t, res.Graph, "stretch").ID
	f.clock.Advance(10 * time.Minute)

	acted := t0.Add(2 * time.Minute)
	started, err := f.svc.TaskAction(ctx, wire.TaskAction{TaskID: stretch, Action: wire.ActionStart, ActorID: "u-ana", At: &acted})
	require.NoError(t, err)
	require.NotNil(t, started.Graph.Task(stretch).StartedAt)
	assert.True(t, acted.Equal(*started.Graph.Task(stretch).StartedAt))

	// A clock running ahead of the server is clamped.
	ahead := t0.Add(time.Hour)
	done, err := f.svc.TaskAction(ctx, wire.TaskAction{TaskID: stretch, Action: wire.ActionComplete, ActorID: "u-ana", At: &ahead})
	require.NoError(t, err)
	require.NotNil(t, done.Graph.Task(stretch).CompletedAt)
	assert.True(t, f.clock.Now().Equal(*done.Graph.Task(stretch).CompletedAt))

	samples, err := f.store.RecentSamples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 8*time.Minute, samples[0].Duration)
}

func TestSubtaskAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, pizzaOrder("o1"))
	require.NoError(t, err)
	sub := taskByDef(t, res.Graph, "stretch").Subtasks[1]
	require.Equal(t, "dock", sub.DefID)

	out, err := f.svc.SubtaskAction(ctx, wire.SubtaskAction{SubtaskID: sub.ID, Action: wire.ActionComplete, ActorID: "u-ana"})
	require.NoError(t, err)
	assert.False(t, out.Noop)
	_, st := out.Graph.Subtask(sub.ID)
	assert.True(t, st.Completed)

	again, err := f.svc.SubtaskAction(ctx, wire.SubtaskAction{SubtaskID: sub.ID, Action: wire.ActionComplete})
	require.NoError(t, err)
	assert.True(t, again.Noop)

	_, err = f.svc.SubtaskAction(ctx, wire.SubtaskAction{SubtaskID: sub.ID, Action: wire.ActionCancel})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestOrderReadyForHandoff_Publishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe("kitchen")
	defer sub.Close()

	res, err := f.svc.CreateOrder(ctx, pizzaOrder("o1"))
	require.NoError(t, err)
	for _, def := range []string{"stretch", "top", "bake"} {
		_, err := f.svc.TaskAction(ctx, wire.TaskAction{TaskID: taskByDef(t, res.Graph, def).ID, Action: wire.ActionComplete, ActorID: "u-ana"})
		require.NoError(t, err)
	}
	out, err := f.svc.TaskAction(ctx, wire.TaskAction{TaskID: taskByDef(t, res.Graph, "box").ID, Action: wire.ActionCancel, ActorID: "u-ana"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusReadyForHandoff, out.Graph.Order.Status)
	require.NotNil(t, out.Graph.Order.ReadyAt)

	names := map[string]int{}
	for len(sub.Events) > 0 {
		ev := <-sub.Events
		names[ev.Name]++
	}
	assert.Equal(t, 2, names[events.OrderStateChanged])
	assert.Equal(t, 3, names[events.TaskCompleted])
	assert.Positive(t, names[events.ETARecalculated])
	assert.Positive(t, names[events.ResourceLoadChanged])

	ready, err := f.svc.ListOrders(ctx, string(models.OrderStatusReadyForHandoff))
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Len(t, ready[0].Tasks, 4)
}

func TestOrderETA_PizzaChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, pizzaOrder("o1"))
	require.NoError(t, err)

	est, err := f.svc.OrderETA(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 14*time.Minute, est.Remaining)
	assert.Equal(t, t0.Add(14*time.Minute), est.PredictedCompletionAt)
	assert.Equal(t, eta.ConfidenceMedium, est.Confidence)

	critical := 0
	for _, te := range est.Tasks {
		if te.Critical {
			critical++
			assert.Equal(t, "box", te.DefID)
		}
	}
	assert.Equal(t, 1, critical)

	_, err = f.svc.OrderETA(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSuggest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	est, err := f.svc.Suggest(ctx, wire.SuggestRequest{Workflows: []wire.Line{{WorkflowID: "margherita"}}})
	require.NoError(t, err)
	assert.Equal(t, 14*time.Minute, est.Remaining)

	orders, err := f.svc.ListOrders(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, orders)

	_, err = f.svc.Suggest(ctx, wire.SuggestRequest{Workflows: []wire.Line{{WorkflowID: "calzone"}}})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.svc.Suggest(ctx, wire.SuggestRequest{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRegisterWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := &models.WorkflowDefinition{
		ID: "margherita", Version: 2, Name: "Margherita",
		Phases: []models.Phase{{ID: "all", Tasks: []models.TaskDef{
			{ID: "bake", ResourceType: "bake", EstimatedDuration: 6 * time.Minute},
		}}},
	}
	created, err := f.svc.RegisterWorkflow(ctx, def)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.svc.RegisterWorkflow(ctx, def)
	require.NoError(t, err)
	assert.False(t, created)

	bad := &models.WorkflowDefinition{
		ID: "soup", Version: 1,
		Phases: []models.Phase{{ID: "all", Tasks: []models.TaskDef{
			{ID: "simmer", ResourceType: "stove", EstimatedDuration: time.Minute},
		}}},
	}
	_, err = f.svc.RegisterWorkflow(ctx, bad)
	assert.ErrorIs(t, err, models.ErrValidation)

	defs, err := f.svc.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

func TestInit_RestoresQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, pizzaOrder("o1"))
	require.NoError(t, err)

	fresh := NewService(f.store, audit.NewPDRWriter(f.store, nil), resqueue.New(resqueue.DefaultConfig()), WithClock(f.clock.Now))
	require.NoError(t, fresh.Init(ctx, 20))

	load := fresh.queue.LoadOf("prep-bench")
	assert.Equal(t, 1, load.Queued)
	assert.Equal(t, 2, load.Capacity)
}
