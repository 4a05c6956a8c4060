// Package session is the client's user-facing action path. Every mutation
// is applied to the local mirror and appended to the event queue in one
// transaction before the call returns; delivery to the server happens later
// in the sync engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/linecook/internal/activation"
	"github.com/fentz26/linecook/internal/eta"
	"github.com/fentz26/linecook/internal/eventqueue"
	"github.com/fentz26/linecook/internal/events"
	"github.com/fentz26/linecook/internal/localstore"
	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/resqueue"
	"github.com/fentz26/linecook/internal/taskgraph"
	"github.com/fentz26/linecook/internal/wire"
	"github.com/fentz26/linecook/internal/workflow"
	"github.com/google/uuid"
	"github.com/mohae/deepcopy"
	"go.uber.org/zap"
)

// Session applies one actor's intents against the local mirror.
type Session struct {
	store  *localstore.Store
	queue  *eventqueue.Queue
	model  *resqueue.Model
	bus    events.Publisher
	actor  string
	scope  string
	now    func() time.Time
	logger *zap.Logger

	// mu serializes mirror read-modify-write cycles with the sync engine.
	mu sync.Mutex
}

// Option customizes a Session.
type Option func(*Session)

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Session) { s.bus = p }
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithScope sets the scope used when publishing.
func WithScope(scope string) Option {
	return func(s *Session) { s.scope = scope }
}

// New creates a session acting as actorID.
func New(st *localstore.Store, q *eventqueue.Queue, m *resqueue.Model, actorID string, opts ...Option) *Session {
	s := &Session{
		store:  st,
		queue:  q,
		model:  m,
		bus:    events.Nop{},
		actor:  actorID,
		scope:  "local",
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session")
	return s
}

// Locker guards the local mirror. The sync engine takes it while it
// overwrites mirrored orders.
func (s *Session) Locker() sync.Locker {
	return &s.mu
}

// Actor returns the acting user id.
func (s *Session) Actor() string {
	return s.actor
}

// Init loads resources, local samples and open orders into the queue model.
func (s *Session) Init(ctx context.Context, window int) error {
	samples, err := s.store.RecentSamples(ctx, window)
	if err != nil {
		return err
	}
	s.model.Seed(samples)
	return s.Reload(ctx)
}

// Reload rebuilds the queue model's resources and occupancy from the mirror.
// The sync engine calls it after every pull.
func (s *Session) Reload(ctx context.Context) error {
	resources, err := s.store.ListResources(ctx)
	if err != nil {
		return err
	}
	graphs, err := s.store.ListOrderGraphs(ctx)
	if err != nil {
		return err
	}
	s.model.SetResources(resources)
	s.model.Reset()
	for _, g := range graphs {
		s.model.TrackGraph(g)
	}
	return nil
}

// CreateOrder instantiates a new order locally and queues order.create.
// Lines without an id get one; a zero workflow version picks the latest
// version in the local catalog.
func (s *Session) CreateOrder(ctx context.Context, lines []wire.Line) (*wire.OrderResult, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: an order needs at least one line", models.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lookup, err := s.lookup(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	order := models.Order{
		ID:        uuid.New().String(),
		Status:    models.OrderStatusOpen,
		CreatedBy: s.actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, l := range lines {
		if l.LineID == "" {
			l.LineID = uuid.New().String()
		}
		if l.WorkflowVersion == 0 {
			def, err := lookup(l.WorkflowID, 0)
			if err != nil {
				return nil, err
			}
			l.WorkflowVersion = def.Version
		}
		order.Lines = append(order.Lines, wire.OrderLines([]wire.Line{l})...)
	}

	resources, err := taskgraph.Candidates(ctx, order, lookup, s.store.FindResourcesAcceptingType)
	if err != nil {
		return nil, err
	}
	inst, err := taskgraph.InstantiateOrder(order, lookup, resources, now)
	if err != nil {
		return nil, err
	}
	g := inst.Graph
	payload, err := wire.Payload(models.EventOrderCreate, g.Order.ID, s.actor, now, &g.Order)
	if err != nil {
		return nil, err
	}
	_, err = s.queue.EnqueueWithOrder(ctx, eventqueue.Entry{
		ActorID:     s.actor,
		Type:        models.EventOrderCreate,
		EntityType:  wire.EntityOrder,
		EntityID:    g.Order.ID,
		AggregateID: g.Order.ID,
		Payload:     payload,
	}, g, models.SyncStatusLocal)
	if err != nil {
		return nil, err
	}
	g.Order.SyncStatus = models.SyncStatusLocal
	s.model.TrackGraph(g)

	result := &wire.OrderResult{Graph: deepcopy.Copy(g).(*models.OrderGraph), Created: true}
	if inst.Warning != nil {
		result.Warning = inst.Warning.Error()
		s.logger.Warn("order created with unresolved resources",
			zap.String("order_id", g.Order.ID),
			zap.Error(inst.Warning),
		)
	}
	s.logger.Info("order created locally", zap.String("order_id", g.Order.ID), zap.Int("tasks", len(g.Tasks)))
	s.bus.Publish(s.scope, events.OrderStateChanged, result.Graph.Order)
	s.recalculate(result.Graph)
	return result, nil
}

// lookup resolves workflow versions from the local catalog.
func (s *Session) lookup(ctx context.Context) (taskgraph.DefinitionLookup, error) {
	all, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	latest := workflow.Latest(all)
	return func(id string, version int) (*models.WorkflowDefinition, error) {
		if version == 0 {
			if def, ok := latest[id]; ok {
				return def, nil
			}
			return nil, fmt.Errorf("%w: unknown workflow %s", models.ErrValidation, id)
		}
		def, err := s.store.GetWorkflow(ctx, id, version)
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		return def, err
	}, nil
}

// StartTask marks a ready task active.
func (s *Session) StartTask(ctx context.Context, taskID string) (*wire.OrderResult, error) {
	return s.transition(ctx, models.EventTaskStart, wire.EntityTask, taskID,
		func(g *models.OrderGraph, now time.Time) (*activation.Outcome, error) {
			return activation.Start(g, taskID, s.actor, now)
		})
}

// CompleteTask marks a task done. Completing a done task is a no-op.
func (s *Session) CompleteTask(ctx context.Context, taskID string) (*wire.OrderResult, error) {
	return s.transition(ctx, models.EventTaskComplete, wire.EntityTask, taskID,
		func(g *models.OrderGraph, now time.Time) (*activation.Outcome, error) {
			return activation.Complete(g, taskID, s.actor, now)
		})
}

// CancelTask cancels a task that has not finished.
func (s *Session) CancelTask(ctx context.Context, taskID string) (*wire.OrderResult, error) {
	return s.transition(ctx, models.EventTaskCancel, wire.EntityTask, taskID,
		func(g *models.OrderGraph, now time.Time) (*activation.Outcome, error) {
			return activation.Cancel(g, taskID, s.actor, now)
		})
}

// CompleteSubtask ticks off a checklist item.
func (s *Session) CompleteSubtask(ctx context.Context, subtaskID string) (*wire.OrderResult, error) {
	return s.transition(ctx, models.EventSubtaskComplete, wire.EntitySubtask, subtaskID,
		func(g *models.OrderGraph, now time.Time) (*activation.Outcome, error) {
			return activation.CompleteSubtask(g, subtaskID, now)
		})
}

// transition applies one state-machine operation to the mirrored order and
// queues the matching event. No-ops are not queued.
func (s *Session) transition(
	ctx context.Context,
	typ models.EventType,
	entityType, entityID string,
	apply func(*models.OrderGraph, time.Time) (*activation.Outcome, error),
) (*wire.OrderResult, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: %s id is required", models.ErrValidation, entityType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, err := s.store.FindOrderIDByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	g, err := s.store.GetOrderGraph(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out, err := apply(g, now)
	if err != nil {
		return nil, err
	}
	if out.Noop {
		return &wire.OrderResult{Graph: g, Noop: true}, nil
	}

	status := models.SyncStatusModified
	if g.Order.SyncStatus == models.SyncStatusLocal {
		status = models.SyncStatusLocal
	}
	payload, err := wire.Payload(typ, entityID, s.actor, now, nil)
	if err != nil {
		return nil, err
	}
	_, err = s.queue.EnqueueWithOrder(ctx, eventqueue.Entry{
		ActorID:     s.actor,
		Type:        typ,
		EntityType:  entityType,
		EntityID:    entityID,
		AggregateID: orderID,
		Payload:     payload,
	}, g, status)
	if err != nil {
		return nil, err
	}
	g.Order.SyncStatus = status

	if out.Sample != nil {
		if err := s.store.AddSample(ctx, *out.Sample); err != nil {
			s.logger.Warn("sample not stored", zap.String("task_id", out.Sample.TaskID), zap.Error(err))
		}
		s.model.Record(*out.Sample)
	}
	touched := out.Touched(g)
	for _, t := range touched {
		s.model.Track(t)
	}

	snapshot := deepcopy.Copy(g).(*models.OrderGraph)
	s.logger.Debug("local transition",
		zap.String("type", string(typ)),
		zap.String("entity_id", entityID),
		zap.Int("transitions", len(out.Transitions)),
	)
	s.publishOutcome(snapshot, out)
	s.recalculate(snapshot)
	return &wire.OrderResult{Graph: snapshot}, nil
}

func (s *Session) publishOutcome(g *models.OrderGraph, out *activation.Outcome) {
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
	seen := make(map[string]bool)
	for _, t := range out.Touched(g) {
		if t.ResourceID == "" || seen[t.ResourceID] {
			continue
		}
		seen[t.ResourceID] = true
		s.bus.Publish(s.scope, events.ResourceLoadChanged, s.model.LoadOf(t.ResourceID))
	}
}

func (s *Session) recalculate(g *models.OrderGraph) {
	est, err := eta.Calculate(g, s.model, s.now())
	if err != nil {
		s.logger.Warn("eta recalculation failed", zap.String("order_id", g.Order.ID), zap.Error(err))
		return
	}
	s.bus.Publish(s.scope, events.ETARecalculated, est)
}

// --- Reads ---

// Orders returns every mirrored order.
func (s *Session) Orders(ctx context.Context) ([]*models.OrderGraph, error) {
	return s.store.ListOrderGraphs(ctx)
}

// Order returns one mirrored order.
func (s *Session) Order(ctx context.Context, id string) (*models.OrderGraph, error) {
	return s.store.GetOrderGraph(ctx, id)
}

// ETA estimates a mirrored order against the local queue model.
func (s *Session) ETA(ctx context.Context, orderID string) (*eta.Estimate, error) {
	g, err := s.store.GetOrderGraph(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return eta.Calculate(g, s.model, s.now())
}

// Suggest estimates a hypothetical order from the local catalog.
func (s *Session) Suggest(ctx context.Context, lines []wire.Line) (*eta.Estimate, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no candidate workflows", models.ErrValidation)
	}
	lookup, err := s.lookup(ctx)
	if err != nil {
		return nil, err
	}
	defs := make([]*models.WorkflowDefinition, 0, len(lines))
	for _, l := range lines {
		def, err := lookup(l.WorkflowID, l.WorkflowVersion)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return eta.Suggest(defs, s.model.Resources(), s.model, s.now())
}

// Workflows returns the local catalog.
func (s *Session) Workflows(ctx context.Context) ([]models.WorkflowDefinition, error) {
	return s.store.ListWorkflows(ctx)
}

// Loads returns current occupancy per resource.
func (s *Session) Loads() []resqueue.Load {
	return s.model.Loads()
}

// Attention returns events that need an operator.
func (s *Session) Attention(ctx context.Context) ([]models.SyncEvent, error) {
	return s.queue.Attention(ctx)
}

// Counts returns queued events per status.
func (s *Session) Counts(ctx context.Context) (map[models.EventStatus]int, error) {
	return s.queue.Counts(ctx)
}
