package eventqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/linecook/internal/localstore"
	"github.com/fentz26/linecook/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *localstore.Store, *time.Time) {
	t.Helper()
	s, err := localstore.New(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := t0
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	q, err := New(context.Background(), s, opts...)
	require.NoError(t, err)
	return q, s, &now
}

func enqueue(t *testing.T, q *Queue, entityID string) *models.SyncEvent {
	t.Helper()
	ev, err := q.EnqueueWithOrder(context.Background(), Entry{
		ActorID:     "u1",
		Type:        models.EventTaskComplete,
		EntityType:  "task",
		EntityID:    entityID,
		AggregateID: "o1",
		Payload:     []byte(`{"taskId":"` + entityID + `"}`),
	}, nil, "")
	require.NoError(t, err)
	return ev
}

func TestEnqueue_SequenceAndNotify(t *testing.T) {
	q, _, _ := newTestQueue(t)

	a := enqueue(t, q, "t1")
	b := enqueue(t, q, "t2")

	assert.Equal(t, int64(1), a.Sequence)
	assert.Equal(t, int64(2), b.Sequence)
	assert.Equal(t, models.EventStatusPending, a.Status)
	assert.Equal(t, q.SessionID(), a.SessionID)

	select {
	case <-q.Notify():
	default:
		t.Fatal("expected a notification")
	}
	select {
	case <-q.Notify():
		t.Fatal("notifications coalesce to one")
	default:
	}
}

func TestReplayable_OrderAndExclusions(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	e1 := enqueue(t, q, "t1")
	e2 := enqueue(t, q, "t2")
	e3 := enqueue(t, q, "t3")
	e4 := enqueue(t, q, "t4")
	enqueue(t, q, "t5")

	require.NoError(t, q.MarkFailed(ctx, e2, errors.New("timeout")))
	require.NoError(t, q.MarkTerminal(ctx, e3, errors.New("bad request")))
	require.NoError(t, q.MarkSynced(ctx, e1))
	require.NoError(t, q.MarkSyncing(ctx, e4))

	evs, err := q.Replayable(ctx)
	require.NoError(t, err)
	var seqs []int64
	for _, ev := range evs {
		seqs = append(seqs, ev.Sequence)
	}
	assert.Equal(t, []int64{2, 5}, seqs)

	attention, err := q.Attention(ctx)
	require.NoError(t, err)
	require.Len(t, attention, 1)
	assert.Equal(t, "bad request", attention[0].LastError)
	assert.True(t, attention[0].Terminal)
}

func TestMarkFailed_EscalatesToConflict(t *testing.T) {
	q, _, _ := newTestQueue(t, WithMaxRetries(2))
	ctx := context.Background()
	ev := enqueue(t, q, "t1")

	require.NoError(t, q.MarkFailed(ctx, ev, errors.New("503")))
	require.NoError(t, q.MarkFailed(ctx, ev, errors.New("503")))
	assert.Equal(t, models.EventStatusFailed, ev.Status)

	require.NoError(t, q.MarkFailed(ctx, ev, errors.New("503")))
	assert.Equal(t, models.EventStatusConflict, ev.Status)
	assert.Equal(t, 3, ev.RetryCount)

	evs, err := q.Replayable(ctx)
	require.NoError(t, err)
	assert.Empty(t, evs)

	attention, err := q.Attention(ctx)
	require.NoError(t, err)
	require.Len(t, attention, 1)
	assert.Equal(t, models.EventStatusConflict, attention[0].Status)
}

func TestRecoverInFlight(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	ev := enqueue(t, q, "t1")
	require.NoError(t, q.MarkSyncing(ctx, ev))

	unsynced, err := q.Unsynced(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, unsynced)

	n, err := q.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	evs, err := q.Replayable(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventStatusPending, evs[0].Status)
}

func TestCleanup(t *testing.T) {
	q, _, now := newTestQueue(t)
	ctx := context.Background()

	old := enqueue(t, q, "t1")
	require.NoError(t, q.MarkSynced(ctx, old))
	pending := enqueue(t, q, "t2")

	*now = t0.Add(25 * time.Hour)
	fresh := enqueue(t, q, "t3")
	require.NoError(t, q.MarkSynced(ctx, fresh))

	n, err := q.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.EventStatusSynced])
	assert.Equal(t, 1, counts[models.EventStatusPending])

	unsynced, err := q.Unsynced(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, unsynced)

	require.NoError(t, q.MarkSynced(ctx, pending))
	unsynced, err = q.Unsynced(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, unsynced)
}

func TestEnqueueWithOrder_WritesMirror(t *testing.T) {
	q, s, _ := newTestQueue(t)
	ctx := context.Background()

	g := &models.OrderGraph{Order: models.Order{ID: "o1", Status: models.OrderStatusOpen, CreatedAt: t0, UpdatedAt: t0}}
	_, err := q.EnqueueWithOrder(ctx, Entry{
		ActorID: "u1", Type: models.EventOrderCreate, EntityType: "order", EntityID: "o1", AggregateID: "o1",
		Payload: []byte(`{"orderId":"o1"}`),
	}, g, models.SyncStatusLocal)
	require.NoError(t, err)

	got, err := s.GetOrderGraph(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusLocal, got.Order.SyncStatus)

	changed, err := s.MarkOrderSyncedIfClean(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, changed, "pending event keeps the order unsynced")

	evs, err := q.Replayable(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.NoError(t, q.MarkSynced(ctx, &evs[0]))

	changed, err = s.MarkOrderSyncedIfClean(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, changed)
}
