// Package syncengine replays the client's event queue against the
// authoritative server and mirrors server state back into the local store.
//
// The engine is a small state machine:
//
//	offline -> online   health probe succeeds
//	online  -> syncing  push or pull starts
//	syncing -> online   cycle finishes
//	any     -> offline  transport reports the server unavailable
//
// Push is strictly sequential. Going offline cancels the request in flight
// and no further events are sent until the next successful probe.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fentz26/linecook/internal/eventqueue"
	"github.com/fentz26/linecook/internal/localstore"
	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/transport"
	"github.com/fentz26/linecook/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSyncFailure wraps transient push and pull failures. The affected event
// stays in the queue for the next cycle.
var ErrSyncFailure = errors.New("sync failure")

// State is the engine's connectivity state.
type State string

const (
	StateOffline State = "offline"
	StateOnline  State = "online"
	StateSyncing State = "syncing"
)

// Config holds the engine's timers.
type Config struct {
	PushInterval    time.Duration `yaml:"push_interval"`
	PullInterval    time.Duration `yaml:"pull_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Retention       time.Duration `yaml:"retention"`
}

// DefaultConfig returns the default timers.
func DefaultConfig() Config {
	return Config{
		PushInterval:    5 * time.Second,
		PullInterval:    15 * time.Second,
		CleanupInterval: 10 * time.Minute,
		Retention:       24 * time.Hour,
	}
}

// Status is a snapshot for display.
type Status struct {
	State     State
	LastPush  time.Time
	LastPull  time.Time
	LastError string
	// Resolved counts conflicts settled in the server's favour.
	Resolved int
	// Breaker is the transport circuit breaker state ("closed", "open" or
	// "half-open").
	Breaker string
}

// Engine drives push, pull and cleanup for one client session.
type Engine struct {
	client *transport.Client
	queue  *eventqueue.Queue
	store  *localstore.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mirror   sync.Locker
	onPulled func(context.Context) error
	onState  func(State)

	trigger chan struct{}

	mu       sync.Mutex
	status   Status
	inFlight context.CancelFunc
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMirrorLock shares the lock the session holds while it mutates the
// local mirror.
func WithMirrorLock(l sync.Locker) Option {
	return func(e *Engine) { e.mirror = l }
}

// WithPullHook runs fn after the mirror changed because of a pull or a
// server reply.
func WithPullHook(fn func(context.Context) error) Option {
	return func(e *Engine) { e.onPulled = fn }
}

// WithStateHook runs fn on every state change.
func WithStateHook(fn func(State)) Option {
	return func(e *Engine) { e.onState = fn }
}

// New creates an engine. It starts offline.
func New(client *transport.Client, q *eventqueue.Queue, st *localstore.Store, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = def.PushInterval
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = def.PullInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	e := &Engine{
		client:  client,
		queue:   q,
		store:   st,
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		mirror:  &sync.Mutex{},
		trigger: make(chan struct{}, 1),
		status:  Status{State: StateOffline},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("syncengine")
	return e
}

// Status returns the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()
	st.Breaker = e.client.BreakerState().String()
	return st
}

// State returns the current state.
func (e *Engine) State() State {
	return e.Status().State
}

// Trigger asks the run loop for an immediate cycle.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Disconnect marks the engine offline and cancels the request in flight.
// The transport's breaker calls it when it opens.
func (e *Engine) Disconnect(reason error) {
	e.mu.Lock()
	if e.inFlight != nil {
		e.inFlight()
	}
	changed := e.setStateLocked(StateOffline)
	if reason != nil {
		e.status.LastError = reason.Error()
	}
	e.mu.Unlock()
	if changed {
		e.logger.Info("working offline", zap.Error(reason))
		e.notifyState(StateOffline)
	}
}

func (e *Engine) setStateLocked(s State) bool {
	if e.status.State == s {
		return false
	}
	e.status.State = s
	return true
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	changed := e.setStateLocked(s)
	e.mu.Unlock()
	if changed {
		e.notifyState(s)
	}
}

func (e *Engine) notifyState(s State) {
	if e.onState != nil {
		e.onState(s)
	}
}

// begin moves online to syncing and returns a context that Disconnect
// cancels. ok is false while offline.
func (e *Engine) begin(ctx context.Context) (context.Context, func(), bool) {
	e.mu.Lock()
	if e.status.State == StateOffline {
		e.mu.Unlock()
		return nil, nil, false
	}
	cctx, cancel := context.WithCancel(ctx)
	e.inFlight = cancel
	changed := e.setStateLocked(StateSyncing)
	e.mu.Unlock()
	if changed {
		e.notifyState(StateSyncing)
	}
	return cctx, func() {
		cancel()
		e.mu.Lock()
		e.inFlight = nil
		changed := false
		if e.status.State == StateSyncing {
			changed = e.setStateLocked(StateOnline)
		}
		e.mu.Unlock()
		if changed {
			e.notifyState(StateOnline)
		}
	}, true
}

// fail records err and goes offline when the server is unreachable.
func (e *Engine) fail(err error) {
	if errors.Is(err, transport.ErrUnavailable) {
		e.Disconnect(err)
		return
	}
	e.mu.Lock()
	e.status.LastError = err.Error()
	e.mu.Unlock()
}

// Run recovers interrupted events and then loops until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.queue.RecoverInFlight(ctx); err != nil {
		return err
	}
	e.cycle(ctx)

	push := time.NewTicker(e.cfg.PushInterval)
	defer push.Stop()
	pull := time.NewTicker(e.cfg.PullInterval)
	defer pull.Stop()
	cleanup := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.trigger:
			e.cycle(ctx)
		case <-push.C:
			if e.State() == StateOffline {
				e.cycle(ctx)
				continue
			}
			e.push(ctx)
		case <-e.queue.Notify():
			e.push(ctx)
		case <-pull.C:
			e.pull(ctx)
		case <-cleanup.C:
			if n, err := e.queue.Cleanup(ctx, e.cfg.Retention); err != nil {
				e.logger.Warn("cleanup failed", zap.Error(err))
			} else if n > 0 {
				e.logger.Debug("synced events removed", zap.Int64("count", n))
			}
		}
	}
}

// cycle probes when offline, then pushes and pulls.
func (e *Engine) cycle(ctx context.Context) {
	if e.State() == StateOffline {
		if err := e.Probe(ctx); err != nil {
			return
		}
	}
	e.push(ctx)
	e.pull(ctx)
}

func (e *Engine) push(ctx context.Context) {
	if err := e.Push(ctx); err != nil {
		e.logger.Debug("push stopped", zap.Error(err))
	}
}

func (e *Engine) pull(ctx context.Context) {
	if err := e.Pull(ctx); err != nil {
		e.logger.Debug("pull stopped", zap.Error(err))
	}
}

// Probe checks the server's health endpoint and goes online on success.
func (e *Engine) Probe(ctx context.Context) error {
	if err := e.client.Healthy(ctx); err != nil {
		e.fail(err)
		return err
	}
	e.setState(StateOnline)
	e.logger.Info("server reachable", zap.String("server", e.client.BaseURL()))
	return nil
}

// Push replays replayable events in sequence order. It stops at the first
// retryable failure so later events never overtake an earlier one. Push is
// a no-op while offline.
func (e *Engine) Push(ctx context.Context) error {
	cctx, done, ok := e.begin(ctx)
	if !ok {
		return nil
	}
	defer done()

	evs, err := e.queue.Replayable(ctx)
	if err != nil {
		return err
	}
	for i := range evs {
		if cctx.Err() != nil {
			return fmt.Errorf("%w: connectivity lost", ErrSyncFailure)
		}
		if err := e.replay(ctx, cctx, &evs[i]); err != nil {
			e.fail(err)
			return err
		}
	}
	e.mu.Lock()
	e.status.LastPush = e.now()
	e.mu.Unlock()
	return nil
}

// replay sends one event. Store writes use ctx; the request uses cctx so a
// disconnect aborts it without losing the bookkeeping.
func (e *Engine) replay(ctx, cctx context.Context, ev *models.SyncEvent) error {
	log := e.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.Int64("sequence", ev.Sequence),
	)
	route, err := wire.RouteFor(ev.Type, ev.EntityID)
	if err != nil {
		log.Warn("event has no route", zap.Error(err))
		return e.queue.MarkTerminal(ctx, ev, err)
	}
	if err := e.queue.MarkSyncing(ctx, ev); err != nil {
		return err
	}

	resp, err := e.client.Do(cctx, route.Method, route.Path, ev.Payload)
	switch transport.Classify(resp, err) {
	case transport.ClassSuccess:
		if err := e.queue.MarkSynced(ctx, ev); err != nil {
			return err
		}
		var result wire.OrderResult
		if derr := resp.Decode(&result); derr != nil {
			log.Warn("unreadable reply", zap.Error(derr))
		}
		return e.reconcile(ctx, ev, result.Graph)

	case transport.ClassConflict:
		if err := e.queue.MarkSynced(ctx, ev); err != nil {
			return err
		}
		e.mu.Lock()
		e.status.Resolved++
		e.mu.Unlock()
		log.Info("conflict resolved in favour of server", zap.String("order_id", ev.AggregateID))
		return e.refresh(ctx, cctx, ev.AggregateID)

	case transport.ClassClientError:
		cause := &transport.StatusError{Status: resp.Status, Body: string(resp.Body)}
		if err := e.queue.MarkTerminal(ctx, ev, cause); err != nil {
			return err
		}
		log.Warn("event rejected", zap.Int("status", resp.Status))
		return e.refresh(ctx, cctx, ev.AggregateID)

	default:
		if err == nil {
			err = fmt.Errorf("unexpected status %d", resp.Status)
		}
		if merr := e.queue.MarkFailed(ctx, ev, err); merr != nil {
			return merr
		}
		if ev.Status == models.EventStatusConflict {
			// Out of retries: the server's copy wins from the next pull on.
			log.Warn("event given up, order handed back to server",
				zap.String("order_id", ev.AggregateID), zap.Int("retries", ev.RetryCount))
			if rerr := e.release(ctx, ev.AggregateID); rerr != nil {
				return rerr
			}
		} else {
			log.Debug("event will be retried", zap.Int("retries", ev.RetryCount), zap.Error(err))
		}
		return fmt.Errorf("%w: %s: %w", ErrSyncFailure, ev.Type, err)
	}
}

// reconcile folds an accepted reply into the mirror: the server-assigned
// order number always, the full graph once nothing else is outstanding.
func (e *Engine) reconcile(ctx context.Context, ev *models.SyncEvent, g *models.OrderGraph) error {
	e.mirror.Lock()
	defer e.mirror.Unlock()

	if ev.Type == models.EventOrderCreate && g != nil && g.Order.Number != "" {
		if err := e.store.SetOrderNumber(ctx, ev.AggregateID, g.Order.Number); err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
	}
	if _, err := e.store.MarkOrderSyncedIfClean(ctx, ev.AggregateID); err != nil {
		return err
	}
	if g == nil {
		return nil
	}
	wrote, err := e.store.OverwriteIfSynced(ctx, g)
	if err != nil {
		return err
	}
	if wrote {
		e.afterMirror(ctx)
	}
	return nil
}

// release flags an order synced once none of its events are still due, so
// pulls may overwrite it again.
func (e *Engine) release(ctx context.Context, orderID string) error {
	e.mirror.Lock()
	defer e.mirror.Unlock()
	_, err := e.store.MarkOrderSyncedIfClean(ctx, orderID)
	return err
}

// refresh re-reads one order from the server after the server overruled a
// local intent. The local copy is replaced only once no other event for the
// order is outstanding.
func (e *Engine) refresh(ctx, cctx context.Context, orderID string) error {
	e.mirror.Lock()
	defer e.mirror.Unlock()

	if _, err := e.store.MarkOrderSyncedIfClean(ctx, orderID); err != nil {
		return err
	}
	var g models.OrderGraph
	err := e.client.Get(cctx, "/orders/"+orderID, &g)
	var se *transport.StatusError
	switch {
	case errors.As(err, &se) && se.Status == http.StatusNotFound:
		return nil
	case err != nil:
		return fmt.Errorf("%w: refresh order %s: %w", ErrSyncFailure, orderID, err)
	}
	wrote, err := e.store.OverwriteIfSynced(ctx, &g)
	if err != nil {
		return err
	}
	if wrote {
		e.afterMirror(ctx)
	}
	return nil
}

func (e *Engine) afterMirror(ctx context.Context) {
	if e.onPulled == nil {
		return
	}
	if err := e.onPulled(ctx); err != nil {
		e.logger.Warn("mirror hook failed", zap.Error(err))
	}
}

// Pull fetches reference data and orders. Reference data replaces the local
// copy; an order is replaced only if it has no unsynced local edits.
func (e *Engine) Pull(ctx context.Context) error {
	cctx, done, ok := e.begin(ctx)
	if !ok {
		return nil
	}
	defer done()

	var (
		resources []models.Resource
		workflows []models.WorkflowDefinition
		users     []models.User
		orders    []*models.OrderGraph
	)
	g, gctx := errgroup.WithContext(cctx)
	g.Go(func() error { return e.client.Get(gctx, "/resources", &resources) })
	g.Go(func() error { return e.client.Get(gctx, "/workflows", &workflows) })
	g.Go(func() error { return e.client.Get(gctx, "/users", &users) })
	g.Go(func() error { return e.client.Get(gctx, "/orders", &orders) })
	if err := g.Wait(); err != nil {
		err = fmt.Errorf("%w: pull: %w", ErrSyncFailure, err)
		e.fail(err)
		return err
	}

	if err := e.store.ReplaceResources(ctx, resources); err != nil {
		return err
	}
	if err := e.store.ReplaceWorkflows(ctx, workflows); err != nil {
		return err
	}
	if err := e.store.ReplaceUsers(ctx, users); err != nil {
		return err
	}

	e.mirror.Lock()
	var written, kept int
	for _, o := range orders {
		wrote, err := e.store.OverwriteIfSynced(ctx, o)
		if err != nil {
			e.mirror.Unlock()
			return err
		}
		if wrote {
			written++
		} else {
			kept++
		}
	}
	e.afterMirror(ctx)
	e.mirror.Unlock()

	e.mu.Lock()
	e.status.LastPull = e.now()
	e.mu.Unlock()
	e.logger.Debug("pulled",
		zap.Int("resources", len(resources)),
		zap.Int("workflows", len(workflows)),
		zap.Int("orders", written),
		zap.Int("kept_local", kept),
	)
	return nil
}
