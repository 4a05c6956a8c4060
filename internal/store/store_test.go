package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/linecook/internal/activation"
	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/taskgraph"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestWorkflowVersions(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	def := testWorkflow()
	created, err := s.RegisterWorkflow(ctx, def)
	if err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}
	if !created {
		t.Error("Expected first registration to create the workflow")
	}

	// Identical body is a no-op
	created, err = s.RegisterWorkflow(ctx, testWorkflow())
	if err != nil {
		t.Fatalf("RegisterWorkflow (repeat) failed: %v", err)
	}
	if created {
		t.Error("Expected repeat registration to be a no-op")
	}

	// Same version, different body is rejected
	changed := testWorkflow()
	changed.Phases[0].Tasks[0].EstimatedDuration = time.Minute
	if _, err := s.RegisterWorkflow(ctx, changed); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation for changed body, got %v", err)
	}

	// A new version is fine
	changed.Version = 2
	if _, err := s.RegisterWorkflow(ctx, changed); err != nil {
		t.Fatalf("RegisterWorkflow v2 failed: %v", err)
	}

	got, err := s.GetWorkflow(ctx, "calzone", 1)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.Phases[0].Tasks[0].EstimatedDuration != 4*time.Minute {
		t.Errorf("Expected v1 to be unchanged, got %v", got.Phases[0].Tasks[0].EstimatedDuration)
	}

	defs, err := s.ListWorkflows(ctx)
	if err != nil {
		t.Fatalf("ListWorkflows failed: %v", err)
	}
	if len(defs) != 2 {
		t.Errorf("Expected 2 workflow versions, got %d", len(defs))
	}

	if _, err := s.GetWorkflow(ctx, "calzone", 9); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestResourcesAndUsers(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedResources(t, s)
	if err := s.UpsertResource(ctx, models.Resource{
		ID: "spare", Name: "Spare", Capacity: 1, AcceptedTypes: []models.ResourceType{"bake"}, Active: false, DisplayOrder: 9,
	}); err != nil {
		t.Fatalf("UpsertResource failed: %v", err)
	}

	all, err := s.ListResources(ctx)
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "bench" {
		t.Errorf("Unexpected resources: %+v", all)
	}

	ovens, err := s.FindResourcesAcceptingType(ctx, "bake")
	if err != nil {
		t.Fatalf("FindResourcesAcceptingType failed: %v", err)
	}
	if len(ovens) != 1 || ovens[0].ID != "oven" {
		t.Errorf("Expected only the active oven, got %+v", ovens)
	}

	if err := s.UpsertUser(ctx, models.User{ID: "u1", Name: "Ana", Role: "line"}); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	if err := s.UpsertUser(ctx, models.User{ID: "u1", Name: "Ana B"}); err != nil {
		t.Fatalf("UpsertUser (update) failed: %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].Name != "Ana B" {
		t.Errorf("Unexpected users: %+v", users)
	}
}

func TestCreateOrder(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	g := newTestGraph(t, s, "order-1")
	number, err := s.CreateOrder(ctx, g)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if number != "#0001" {
		t.Errorf("Expected #0001, got %s", number)
	}

	got, err := s.GetOrderGraph(ctx, "order-1")
	if err != nil {
		t.Fatalf("GetOrderGraph failed: %v", err)
	}
	if got.Order.Number != "#0001" {
		t.Errorf("Expected stored number #0001, got %s", got.Order.Number)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("Expected 2 instances, got %d", len(got.Tasks))
	}
	fold := got.Tasks[0]
	if fold.Status != models.TaskStatusReady || fold.ReadyAt == nil {
		t.Errorf("Expected first instance ready with ready_at, got %s", fold.Status)
	}
	if fold.ResourceID != "bench" {
		t.Errorf("Expected bench, got %q", fold.ResourceID)
	}
	if len(fold.Subtasks) != 1 || fold.Subtasks[0].DefID != "crimp" {
		t.Errorf("Expected crimp subtask, got %+v", fold.Subtasks)
	}
	if got.Tasks[1].Status != models.TaskStatusBlocked || len(got.Tasks[1].DependsOn) != 1 {
		t.Errorf("Expected blocked bake depending on fold, got %+v", got.Tasks[1])
	}

	// Same id again keeps the original
	again := newTestGraph(t, s, "order-1")
	number, err = s.CreateOrder(ctx, again)
	if !errors.Is(err, ErrOrderExists) {
		t.Errorf("Expected ErrOrderExists, got %v", err)
	}
	if number != "#0001" {
		t.Errorf("Expected existing number, got %s", number)
	}

	second := newTestGraph(t, s, "order-2")
	number, err = s.CreateOrder(ctx, second)
	if err != nil {
		t.Fatalf("CreateOrder (second) failed: %v", err)
	}
	if number != "#0002" {
		t.Errorf("Expected #0002, got %s", number)
	}

	orders, err := s.ListOrders(ctx, string(models.OrderStatusOpen))
	if err != nil {
		t.Fatalf("ListOrders failed: %v", err)
	}
	if len(orders) != 2 {
		t.Errorf("Expected 2 open orders, got %d", len(orders))
	}

	if _, err := s.GetOrderGraph(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSaveTransition(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	g := newTestGraph(t, s, "order-1")
	if _, err := s.CreateOrder(ctx, g); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	fold := g.Tasks[0]

	now := time.Now().UTC()
	if _, err := activation.Start(g, fold.ID, "u1", now); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.SaveTransition(ctx, g.Order, g.Tasks, nil); err != nil {
		t.Fatalf("SaveTransition (start) failed: %v", err)
	}

	out, err := activation.Complete(g, fold.ID, "u1", now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if out.Sample == nil {
		t.Fatal("Expected a duration sample")
	}
	if err := s.SaveTransition(ctx, g.Order, g.Tasks, out.Sample); err != nil {
		t.Fatalf("SaveTransition (complete) failed: %v", err)
	}
	// Replaying the same sample is ignored
	if err := s.SaveTransition(ctx, g.Order, g.Tasks, out.Sample); err != nil {
		t.Fatalf("SaveTransition (replay) failed: %v", err)
	}
	samples, err := s.RecentSamples(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSamples failed: %v", err)
	}
	if len(samples) != 1 || samples[0].TaskID != fold.ID {
		t.Errorf("Expected one sample for %s, got %+v", fold.ID, samples)
	}

	got, err := s.GetOrderGraph(ctx, "order-1")
	if err != nil {
		t.Fatalf("GetOrderGraph failed: %v", err)
	}
	if got.Tasks[0].Status != models.TaskStatusDone || got.Tasks[0].ActorID != "u1" {
		t.Errorf("Expected done by u1, got %s by %q", got.Tasks[0].Status, got.Tasks[0].ActorID)
	}
	if !got.Tasks[0].Subtasks[0].Completed {
		t.Error("Expected required subtask to be force-completed")
	}
	if got.Tasks[1].Status != models.TaskStatusReady {
		t.Errorf("Expected bake ready, got %s", got.Tasks[1].Status)
	}

	queued, err := s.FindQueuedInstances(ctx)
	if err != nil {
		t.Fatalf("FindQueuedInstances failed: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != got.Tasks[1].ID {
		t.Errorf("Expected only bake queued, got %d", len(queued))
	}

	orderID, err := s.FindOrderIDByTask(ctx, fold.ID)
	if err != nil || orderID != "order-1" {
		t.Errorf("FindOrderIDByTask = %q, %v", orderID, err)
	}
	orderID, err = s.FindOrderIDBySubtask(ctx, fold.Subtasks[0].ID)
	if err != nil || orderID != "order-1" {
		t.Errorf("FindOrderIDBySubtask = %q, %v", orderID, err)
	}
}

func TestSaveTransition_UnknownInstance(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	err := s.SaveTransition(context.Background(), models.Order{ID: "nope"},
		[]*models.TaskInstance{{ID: "nope", Status: models.TaskStatusDone}}, nil)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecentSamples(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	g := newTestGraph(t, s, "order-1")
	if _, err := s.CreateOrder(ctx, g); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		smp := &models.DurationSample{
			ResourceID: "bench",
			TaskID:     "t" + string(rune('a'+i)),
			Duration:   time.Duration(i+1) * time.Minute,
			RecordedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveTransition(ctx, g.Order, nil, smp); err != nil {
			t.Fatalf("SaveTransition failed: %v", err)
		}
	}

	samples, err := s.RecentSamples(ctx, 3)
	if err != nil {
		t.Fatalf("RecentSamples failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(samples))
	}
	// Newest three, oldest first
	if samples[0].Duration != 3*time.Minute || samples[2].Duration != 5*time.Minute {
		t.Errorf("Unexpected window: %v .. %v", samples[0].Duration, samples[2].Duration)
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	pdr, err := s.WritePDR("task.complete", "abc123", "success", "task-1", "details")
	if err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if pdr.ID == "" {
		t.Error("PDR ID should not be empty")
	}

	entries, err := s.ListPDR(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "task.complete" {
		t.Errorf("Unexpected PDR entries: %+v", entries)
	}
}

// Helper functions

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func testWorkflow() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      "calzone",
		Version: 1,
		Name:    "Calzone",
		Phases: []models.Phase{
			{ID: "prep", Tasks: []models.TaskDef{
				{ID: "fold", ResourceType: "prep", EstimatedDuration: 4 * time.Minute,
					Subtasks: []models.SubtaskDef{{ID: "crimp"}}},
			}},
			{ID: "bake", Tasks: []models.TaskDef{
				{ID: "bake", ResourceType: "bake", EstimatedDuration: 10 * time.Minute, DependsOn: []string{"fold"}},
			}},
		},
	}
}

func seedResources(t *testing.T, s *Store) {
	t.Helper()
	for _, r := range []models.Resource{
		{ID: "bench", Name: "Bench", Capacity: 2, AcceptedTypes: []models.ResourceType{"prep"}, Active: true, DisplayOrder: 1},
		{ID: "oven", Name: "Oven", Capacity: 1, AcceptedTypes: []models.ResourceType{"bake"}, Active: true, DisplayOrder: 2},
	} {
		if err := s.UpsertResource(context.Background(), r); err != nil {
			t.Fatalf("UpsertResource failed: %v", err)
		}
	}
}

func newTestGraph(t *testing.T, s *Store, orderID string) *models.OrderGraph {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetWorkflow(ctx, "calzone", 1); err != nil {
		if _, err := s.RegisterWorkflow(ctx, testWorkflow()); err != nil {
			t.Fatalf("RegisterWorkflow failed: %v", err)
		}
	}
	resources, err := s.ListResources(ctx)
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}
	if len(resources) == 0 {
		seedResources(t, s)
		resources, _ = s.ListResources(ctx)
	}

	now := time.Now().UTC()
	order := models.Order{
		ID:        orderID,
		Lines:     []models.OrderLine{{ID: "l1", WorkflowID: "calzone", WorkflowVersion: 1}},
		CreatedBy: "u1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	lookup := func(id string, version int) (*models.WorkflowDefinition, error) {
		return s.GetWorkflow(ctx, id, version)
	}
	inst, err := taskgraph.InstantiateOrder(order, lookup, resources, now)
	if err != nil {
		t.Fatalf("InstantiateOrder failed: %v", err)
	}
	if inst.Warning != nil {
		t.Fatalf("Unexpected warning: %v", inst.Warning)
	}
	return inst.Graph
}
