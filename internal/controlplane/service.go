// Package controlplane provides the HTTP API and service layer for the
// authoritative linecook server.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/linecook/internal/activation"
	"github.com/fentz26/linecook/internal/audit"
	"github.com/fentz26/linecook/internal/eta"
	"github.com/fentz26/linecook/internal/events"
	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/resqueue"
	"github.com/fentz26/linecook/internal/store"
	"github.com/fentz26/linecook/internal/taskgraph"
	"github.com/fentz26/linecook/internal/wire"
	"github.com/fentz26/linecook/internal/workflow"
	"github.com/mohae/deepcopy"
	"go.uber.org/zap"
)

// Service provides the control plane business logic. Every mutation of an
// order runs under that order's lock; ETA is computed from a copy taken
// under the lock and evaluated after it is released.
type Service struct {
	store  *store.Store
	pdr    *audit.PDRWriter
	queue  *resqueue.Model
	bus    events.Publisher
	logger *zap.Logger
	scope  string
	now    func() time.Time
	locks  *keyedMutex
}

// Option customizes a Service.
type Option func(*Service)

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.bus = p }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithScope sets the tenant scope used when publishing.
func WithScope(scope string) Option {
	return func(s *Service) { s.scope = scope }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new control plane service.
func NewService(s *store.Store, pdr *audit.PDRWriter, q *resqueue.Model, opts ...Option) *Service {
	svc := &Service{
		store:  s,
		pdr:    pdr,
		queue:  q,
		bus:    events.Nop{},
		logger: zap.NewNop(),
		scope:  "default",
		now:    func() time.Time { return time.Now().UTC() },
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.logger = svc.logger.Named("controlplane")
	return svc
}

// Init loads resources, recent samples and current queue occupancy into the
// resource queue model.
func (s *Service) Init(ctx context.Context, window int) error {
	resources, err := s.store.ListResources(ctx)
	if err != nil {
		return err
	}
	s.queue.SetResources(resources)

	samples, err := s.store.RecentSamples(ctx, window)
	if err != nil {
		return err
	}
	s.queue.Seed(samples)

	queued, err := s.store.FindQueuedInstances(ctx)
	if err != nil {
		return err
	}
	s.queue.Reset()
	for _, t := range queued {
		s.queue.Track(t)
	}
	s.logger.Info("queue model loaded",
		zap.Int("resources", len(resources)),
		zap.Int("samples", len(samples)),
		zap.Int("queued", len(queued)),
	)
	return nil
}

// ImportCatalog stores the catalog's reference data and registers its
// workflow versions.
func (s *Service) ImportCatalog(ctx context.Context, cat *workflow.Catalog) error {
	for _, r := range cat.Resources {
		if err := s.store.UpsertResource(ctx, r); err != nil {
			return err
		}
	}
	for _, u := range cat.Users {
		if err := s.store.UpsertUser(ctx, u); err != nil {
			return err
		}
	}
	resources, err := s.store.ListResources(ctx)
	if err != nil {
		return err
	}
	s.queue.SetResources(resources)
	for i := range cat.Workflows {
		if _, err := s.RegisterWorkflow(ctx, &cat.Workflows[i]); err != nil {
			return err
		}
	}
	return nil
}

// --- Reference data ---

// RegisterWorkflow validates and stores a workflow version.
func (s *Service) RegisterWorkflow(ctx context.Context, def *models.WorkflowDefinition) (bool, error) {
	if err := workflow.Validate(def, workflow.KnownTypes(s.queue.Resources())); err != nil {
		return false, err
	}
	created, err := s.store.RegisterWorkflow(ctx, def)
	if err != nil {
		return false, err
	}
	if created {
		s.pdr.Record("workflow.register", def, "success", "", def.Key())
		s.logger.Info("workflow registered", zap.String("workflow", def.Key()))
	}
	return created, nil
}

// ListWorkflows returns every stored workflow version.
func (s *Service) ListWorkflows(ctx context.Context) ([]models.WorkflowDefinition, error) {
	return s.store.ListWorkflows(ctx)
}

// ListResources returns the configured resources.
func (s *Service) ListResources(ctx context.Context) ([]models.Resource, error) {
	return s.store.ListResources(ctx)
}

// ListUsers returns the configured users.
func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.store.ListUsers(ctx)
}

// Loads returns current occupancy per resource.
func (s *Service) Loads() []resqueue.Load {
	return s.queue.Loads()
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Orders ---

// CreateOrder instantiates and stores an order. Replaying a request for an
// existing order id returns the stored order unchanged.
func (s *Service) CreateOrder(ctx context.Context, req wire.CreateOrder) (*wire.OrderResult, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", models.ErrValidation)
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: order %s has no lines", models.ErrValidation, req.OrderID)
	}

	unlock := s.locks.Lock(req.OrderID)
	existing, err := s.store.GetOrderGraph(ctx, req.OrderID)
	if err == nil {
		unlock()
		return &wire.OrderResult{Graph: existing}, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		unlock()
		return nil, err
	}

	now := s.actedAt(req.At)
	order := models.Order{
		ID:        req.OrderID,
		Lines:     wire.OrderLines(req.Lines),
		Status:    models.OrderStatusOpen,
		CreatedBy: req.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	lookup := func(id string, version int) (*models.WorkflowDefinition, error) {
		def, err := s.store.GetWorkflow(ctx, id, version)
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		return def, err
	}
	resources, err := taskgraph.Candidates(ctx, order, lookup, s.store.FindResourcesAcceptingType)
	if err != nil {
		unlock()
		return nil, err
	}
	inst, err := taskgraph.InstantiateOrder(order, lookup, resources, now)
	if err != nil {
		unlock()
		return nil, err
	}
	g := inst.Graph
	if _, err := s.store.CreateOrder(ctx, g); err != nil {
		unlock()
		if errors.Is(err, store.ErrOrderExists) {
			return s.CreateOrder(ctx, req)
		}
		return nil, err
	}
	s.queue.TrackGraph(g)
	snapshot := deepcopy.Copy(g).(*models.OrderGraph)
	unlock()

	result := &wire.OrderResult{Graph: snapshot, Created: true}
	details := ""
	if inst.Warning != nil {
		result.Warning = inst.Warning.Error()
		details = result.Warning
		s.logger.Warn("order created with unresolved resources",
			zap.String("order_id", g.Order.ID),
			zap.Error(inst.Warning),
		)
	}
	s.pdr.Record(string(models.EventOrderCreate), req, "success", "", details)
	s.logger.Info("order created",
		zap.String("order_id", g.Order.ID),
		zap.String("number", g.Order.Number),
		zap.Int("tasks", len(g.Tasks)),
	)
	s.bus.Publish(s.scope, events.OrderStateChanged, snapshot.Order)
	s.publishLoads(snapshot.Tasks)
	s.recalculate(snapshot)
	return result, nil
}

// GetOrder returns an order with its instances.
func (s *Service) GetOrder(ctx context.Context, id string) (*models.OrderGraph, error) {
	return s.store.GetOrderGraph(ctx, id)
}

// ListOrders returns orders, optionally filtered by status, with their
// instances.
func (s *Service) ListOrders(ctx context.Context, status string) ([]*models.OrderGraph, error) {
	orders, err := s.store.ListOrders(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]*models.OrderGraph, 0, len(orders))
	for _, o := range orders {
		tasks, err := s.store.FindInstancesByOrder(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.OrderGraph{Order: o, Tasks: tasks})
	}
	return out, nil
}

// Decisions returns the decision records written for a task or subtask,
// oldest first.
func (s *Service) Decisions(ctx context.Context, entityID string) ([]models.PDREntry, error) {
	return s.store.ListPDR(ctx, entityID)
}

// OrderETA computes the current estimate for an order.
func (s *Service) OrderETA(ctx context.Context, id string) (*eta.Estimate, error) {
	g, err := s.store.GetOrderGraph(ctx, id)
	if err != nil {
		return nil, err
	}
	return eta.Calculate(g, s.queue, s.now())
}

// Suggest estimates a hypothetical order for the given workflow versions. A
// zero version selects the latest stored version.
func (s *Service) Suggest(ctx context.Context, req wire.SuggestRequest) (*eta.Estimate, error) {
	if len(req.Workflows) == 0 {
		return nil, fmt.Errorf("%w: no candidate workflows", models.ErrValidation)
	}
	var latest map[string]*models.WorkflowDefinition
	defs := make([]*models.WorkflowDefinition, 0, len(req.Workflows))
	for _, l := range req.Workflows {
		if l.WorkflowVersion == 0 {
			if latest == nil {
				all, err := s.store.ListWorkflows(ctx)
				if err != nil {
					return nil, err
				}
				latest = workflow.Latest(all)
			}
			def, ok := latest[l.WorkflowID]
			if !ok {
				return nil, fmt.Errorf("%w: workflow %s", models.ErrNotFound, l.WorkflowID)
			}
			defs = append(defs, def)
			continue
		}
		def, err := s.store.GetWorkflow(ctx, l.WorkflowID, l.WorkflowVersion)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return eta.Suggest(defs, s.queue.Resources(), s.queue, s.now())
}

// --- Task transitions ---

// TaskAction applies start, complete or cancel to a task instance.
func (s *Service) TaskAction(ctx context.Context, req wire.TaskAction) (*wire.OrderResult, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("%w: task id is required", models.ErrValidation)
	}
	var apply func(g *models.OrderGraph, now time.Time) (*activation.Outcome, error)
	switch req.Action {
	case wire.ActionStart:
		apply = func(g *models.OrderGraph, now time.Time) (*activation.Outcome, error) {
			return activation.Start(g, req.TaskID, req.ActorID, now)
		}
	case wire.ActionComplete:
		apply = func(g *models.OrderGraph, now time.Time) (*activation.Outcome, error) {
			return activation.Complete(g, req.TaskID, req.ActorID, now)
		}
	case wire.ActionCancel:
		apply = func(g *models.OrderGraph, now time.Time) (*activation.Outcome, error) {
			return activation.Cancel(g, req.TaskID, req.ActorID, now)
		}
	default:
		return nil, fmt.Errorf("%w: unknown task action %q", models.ErrValidation, req.Action)
	}

	orderID, err := s.store.FindOrderIDByTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, orderID, "task."+req.Action, req.TaskID, req.At, req, apply)
}

// SubtaskAction completes a subtask instance.
func (s *Service) SubtaskAction(ctx context.Context, req wire.SubtaskAction) (*wire.OrderResult, error) {
	if req.SubtaskID == "" {
		return nil, fmt.Errorf("%w: subtask id is required", models.ErrValidation)
	}
	if req.Action != wire.ActionComplete {
		return nil, fmt.Errorf("%w: unknown subtask action %q", models.ErrValidation, req.Action)
	}
	orderID, err := s.store.FindOrderIDBySubtask(ctx, req.SubtaskID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, orderID, string(models.EventSubtaskComplete), req.SubtaskID, req.At, req,
		func(g *models.OrderGraph, now time.Time) (*activation.Outcome, error) {
			return activation.CompleteSubtask(g, req.SubtaskID, now)
		})
}

// actedAt returns the client's action time, never later than the server
// clock. Replayed events keep the time the actor acted.
func (s *Service) actedAt(at *time.Time) time.Time {
	now := s.now()
	if at == nil || at.IsZero() || at.After(now) {
		return now
	}
	return at.UTC()
}

// transition loads the order graph under its lock, applies one state-machine
// operation, persists what changed and publishes the results.
func (s *Service) transition(
	ctx context.Context,
	orderID, action, entityID string,
	at *time.Time,
	inputs any,
	apply func(*models.OrderGraph, time.Time) (*activation.Outcome, error),
) (*wire.OrderResult, error) {
	unlock := s.locks.Lock(orderID)
	g, err := s.store.GetOrderGraph(ctx, orderID)
	if err != nil {
		unlock()
		return nil, err
	}
	now := s.actedAt(at)
	out, err := apply(g, now)
	if err != nil {
		unlock()
		s.pdr.Record(action, inputs, "rejected", entityID, err.Error())
		return nil, err
	}
	if out.Noop {
		unlock()
		return &wire.OrderResult{Graph: g, Noop: true}, nil
	}

	touched := out.Touched(g)
	if err := s.store.SaveTransition(ctx, g.Order, touched, out.Sample); err != nil {
		unlock()
		return nil, err
	}
	for _, t := range touched {
		s.queue.Track(t)
	}
	if out.Sample != nil {
		s.queue.Record(*out.Sample)
	}
	snapshot := deepcopy.Copy(g).(*models.OrderGraph)
	unlock()

	s.pdr.Record(action, inputs, "success", entityID, "")
	s.logger.Debug("transition applied",
		zap.String("order_id", orderID),
		zap.String("action", action),
		zap.String("entity_id", entityID),
		zap.Int("transitions", len(out.Transitions)),
	)
	s.publishOutcome(snapshot, out)
	s.publishLoads(out.Touched(snapshot))
	s.recalculate(snapshot)
	return &wire.OrderResult{Graph: snapshot}, nil
}

func (s *Service) publishOutcome(g *models.OrderGraph, out *activation.Outcome) {
	for _, tr := range out.Transitions {
		s.bus.Publish(s.scope, events.TaskStateChanged, tr)
		if tr.To == models.TaskStatusDone {
			s.bus.Publish(s.scope, events.TaskCompleted, g.Task(tr.TaskID))
		}
	}
	for _, id := range out.Subtasks {
		s.bus.Publish(s.scope, events.SubtaskCompleted, id)
	}
	if out.OrderReady {
		s.bus.Publish(s.scope, events.OrderStateChanged, g.Order)
	}
}

func (s *Service) publishLoads(tasks []*models.TaskInstance) {
	seen := make(map[string]bool)
	for _, t := range tasks {
		if t.ResourceID == "" || seen[t.ResourceID] {
			continue
		}
		seen[t.ResourceID] = true
		s.bus.Publish(s.scope, events.ResourceLoadChanged, s.queue.LoadOf(t.ResourceID))
	}
}

// recalculate runs the estimator on a snapshot and publishes the result.
func (s *Service) recalculate(g *models.OrderGraph) {
	est, err := eta.Calculate(g, s.queue, s.now())
	if err != nil {
		s.logger.Warn("eta recalculation failed", zap.String("order_id", g.Order.ID), zap.Error(err))
		return
	}
	s.bus.Publish(s.scope, events.ETARecalculated, est)
}
