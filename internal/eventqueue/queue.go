// Package eventqueue is the client's durable, ordered log of local
// mutations awaiting replay against the server.
package eventqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fentz26/linecook/internal/localstore"
	"github.com/fentz26/linecook/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxRetries is the number of failed attempts before an event is
// escalated to conflict.
const DefaultMaxRetries = 5

// Queue appends and transitions sync events. Enqueue signals Notify without
// blocking.
type Queue struct {
	store      *localstore.Store
	session    string
	maxRetries int
	notify     chan struct{}
	now        func() time.Time
	logger     *zap.Logger
}

// Option customizes a Queue.
type Option func(*Queue)

// WithMaxRetries overrides the retry threshold.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the queue logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New opens the queue for this install's session.
func New(ctx context.Context, s *localstore.Store, opts ...Option) (*Queue, error) {
	session, err := s.SessionID(ctx)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		store:      s,
		session:    session,
		maxRetries: DefaultMaxRetries,
		notify:     make(chan struct{}, 1),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.Named("eventqueue")
	return q, nil
}

// SessionID returns the session events are sequenced under.
func (q *Queue) SessionID() string {
	return q.session
}

// Notify fires after every enqueue. It holds at most one pending signal.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Entry describes one local mutation to enqueue.
type Entry struct {
	ActorID     string
	Type        models.EventType
	EntityType  string
	EntityID    string
	AggregateID string
	Payload     json.RawMessage
}

// EnqueueWithOrder durably appends a pending event with the next sequence
// number. A non-nil g is the mutated local order, written in the same
// transaction so the mirror never shows an edit without its event.
func (q *Queue) EnqueueWithOrder(ctx context.Context, e Entry, g *models.OrderGraph, status models.SyncStatus) (*models.SyncEvent, error) {
	now := q.now()
	ev := &models.SyncEvent{
		ID:          uuid.New().String(),
		SessionID:   q.session,
		ActorID:     e.ActorID,
		Type:        e.Type,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		AggregateID: e.AggregateID,
		Payload:     e.Payload,
		Status:      models.EventStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.AppendEventWithOrder(ctx, ev, g, status); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", e.Type, err)
	}
	q.logger.Debug("event enqueued",
		zap.String("type", string(e.Type)),
		zap.String("entity_id", e.EntityID),
		zap.Int64("sequence", ev.Sequence),
	)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return ev, nil
}

// Replayable returns pending events and retryable failed events in
// ascending sequence order.
func (q *Queue) Replayable(ctx context.Context) ([]models.SyncEvent, error) {
	notTerminal := false
	return q.store.ListEvents(ctx, localstore.EventFilter{
		Statuses: []models.EventStatus{models.EventStatusPending, models.EventStatusFailed},
		Terminal: &notTerminal,
	})
}

// Attention returns events an operator must look at: escalated conflicts
// and terminally rejected events.
func (q *Queue) Attention(ctx context.Context) ([]models.SyncEvent, error) {
	conflicts, err := q.store.ListEvents(ctx, localstore.EventFilter{
		Statuses: []models.EventStatus{models.EventStatusConflict},
	})
	if err != nil {
		return nil, err
	}
	terminal := true
	rejected, err := q.store.ListEvents(ctx, localstore.EventFilter{
		Statuses: []models.EventStatus{models.EventStatusFailed},
		Terminal: &terminal,
	})
	if err != nil {
		return nil, err
	}
	out := append(conflicts, rejected...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Unsynced reports whether an order still has events that have not reached
// the server.
func (q *Queue) Unsynced(ctx context.Context, aggregateID string) (bool, error) {
	evs, err := q.store.ListEvents(ctx, localstore.EventFilter{
		AggregateID: aggregateID,
		Statuses:    []models.EventStatus{models.EventStatusPending, models.EventStatusSyncing, models.EventStatusFailed},
	})
	if err != nil {
		return false, err
	}
	for _, ev := range evs {
		if !ev.Terminal {
			return true, nil
		}
	}
	return false, nil
}

// Counts returns the number of events per status.
func (q *Queue) Counts(ctx context.Context) (map[models.EventStatus]int, error) {
	evs, err := q.store.ListEvents(ctx, localstore.EventFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[models.EventStatus]int)
	for _, ev := range evs {
		out[ev.Status]++
	}
	return out, nil
}

// MarkSyncing flags an event as in flight.
func (q *Queue) MarkSyncing(ctx context.Context, ev *models.SyncEvent) error {
	ev.Status = models.EventStatusSyncing
	ev.UpdatedAt = q.now()
	return q.store.UpdateEvent(ctx, ev)
}

// MarkSynced flags an event as applied (or superseded) on the server.
func (q *Queue) MarkSynced(ctx context.Context, ev *models.SyncEvent) error {
	ev.Status = models.EventStatusSynced
	ev.LastError = ""
	ev.UpdatedAt = q.now()
	return q.store.UpdateEvent(ctx, ev)
}

// MarkFailed records a retryable failure. Failing more than the retry
// threshold escalates the event to conflict.
func (q *Queue) MarkFailed(ctx context.Context, ev *models.SyncEvent, cause error) error {
	ev.RetryCount++
	ev.Status = models.EventStatusFailed
	if ev.RetryCount > q.maxRetries {
		ev.Status = models.EventStatusConflict
		q.logger.Warn("event escalated to conflict",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.Int("retries", ev.RetryCount),
		)
	}
	if cause != nil {
		ev.LastError = cause.Error()
	}
	ev.UpdatedAt = q.now()
	return q.store.UpdateEvent(ctx, ev)
}

// MarkTerminal records a rejection that retrying cannot fix.
func (q *Queue) MarkTerminal(ctx context.Context, ev *models.SyncEvent, cause error) error {
	ev.Status = models.EventStatusFailed
	ev.Terminal = true
	if cause != nil {
		ev.LastError = cause.Error()
	}
	ev.UpdatedAt = q.now()
	return q.store.UpdateEvent(ctx, ev)
}

// RecoverInFlight returns events interrupted mid-push to pending.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	n, err := q.store.ResetEventStatus(ctx, models.EventStatusSyncing, models.EventStatusPending, q.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("recovered in-flight events", zap.Int64("count", n))
	}
	return n, nil
}

// Cleanup deletes synced events older than retention.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return q.store.DeleteSyncedBefore(ctx, q.now().Add(-retention))
}
