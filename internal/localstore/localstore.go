// Package localstore is the client's durable SQLite store: the sync event
// log plus a mirror of server data tagged with a per-record sync status.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/workflow"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the client database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the client database and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		actor_id TEXT,
		type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		terminal INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (session_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (id, version)
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		sync_status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entity_index (
		entity_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_id TEXT NOT NULL,
		task_id TEXT NOT NULL UNIQUE,
		duration_ns INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_events_status ON sync_events(status, sequence);
	CREATE INDEX IF NOT EXISTS idx_sync_events_aggregate ON sync_events(aggregate_id);
	CREATE INDEX IF NOT EXISTS idx_entity_index_order ON entity_index(order_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Meta ---

// SessionID returns this install's session id, creating it on first use.
func (s *Store) SessionID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'session_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("query session: %w", err)
	}
	id = uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('session_id', ?) ON CONFLICT(key) DO NOTHING`, id); err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return s.SessionID(ctx)
}

// --- Sync events ---

// AppendEventWithOrder assigns the next sequence of the event's session and
// stores it, with the mirrored order in the same transaction when g is
// non-nil.
func (s *Store) AppendEventWithOrder(ctx context.Context, ev *models.SyncEvent, g *models.OrderGraph, status models.SyncStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM sync_events WHERE session_id = ?`, ev.SessionID).Scan(&last); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	ev.Sequence = last.Int64 + 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_events (id, session_id, sequence, actor_id, type, entity_type, entity_id, aggregate_id,
		 payload, status, retry_count, last_error, terminal, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Sequence, ev.ActorID, ev.Type, ev.EntityType, ev.EntityID, ev.AggregateID,
		string(ev.Payload), ev.Status, ev.RetryCount, ev.LastError, ev.Terminal, ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if g != nil {
		if err := saveOrder(ctx, tx, g, status); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateEvent writes an event's delivery state.
func (s *Store) UpdateEvent(ctx context.Context, ev *models.SyncEvent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_events SET status = ?, retry_count = ?, last_error = ?, terminal = ?, updated_at = ? WHERE id = ?`,
		ev.Status, ev.RetryCount, ev.LastError, ev.Terminal, ev.UpdatedAt, ev.ID,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: event %s", models.ErrNotFound, ev.ID)
	}
	return nil
}

// EventFilter selects events.
type EventFilter struct {
	Statuses []models.EventStatus
	// Terminal, when non-nil, restricts to events with that flag.
	Terminal *bool
	// AggregateID restricts to one order.
	AggregateID string
}

// ListEvents returns matching events in ascending sequence order.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]models.SyncEvent, error) {
	query := `SELECT id, session_id, sequence, actor_id, type, entity_type, entity_id, aggregate_id, payload,
		status, retry_count, last_error, terminal, created_at, updated_at FROM sync_events`
	var where []string
	var args []interface{}

	if len(f.Statuses) > 0 {
		where = append(where, `status IN (`+strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")+`)`)
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.Terminal != nil {
		where = append(where, `terminal = ?`)
		args = append(args, *f.Terminal)
	}
	if f.AggregateID != "" {
		where = append(where, `aggregate_id = ?`)
		args = append(args, f.AggregateID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY sequence, created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.SyncEvent
	for rows.Next() {
		var ev models.SyncEvent
		var actor, lastErr sql.NullString
		var payload string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Sequence, &actor, &ev.Type, &ev.EntityType, &ev.EntityID,
			&ev.AggregateID, &payload, &ev.Status, &ev.RetryCount, &lastErr, &ev.Terminal, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ActorID = actor.String
		ev.LastError = lastErr.String
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ResetEventStatus moves every event in status from to status to.
func (s *Store) ResetEventStatus(ctx context.Context, from, to models.EventStatus, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_events SET status = ?, updated_at = ? WHERE status = ?`, to, at, from)
	if err != nil {
		return 0, fmt.Errorf("reset events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteSyncedBefore removes synced events last updated before cutoff.
func (s *Store) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_events WHERE status = ? AND updated_at < ?`, models.EventStatusSynced, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

// --- Reference data ---

// ReplaceResources overwrites the resource mirror.
func (s *Store) ReplaceResources(ctx context.Context, rs []models.Resource) error {
	return s.replaceDocs(ctx, "resources", len(rs), func(i int) (string, any) { return rs[i].ID, rs[i] })
}

// ReplaceUsers overwrites the user mirror.
func (s *Store) ReplaceUsers(ctx context.Context, us []models.User) error {
	return s.replaceDocs(ctx, "users", len(us), func(i int) (string, any) { return us[i].ID, us[i] })
}

func (s *Store) replaceDocs(ctx context.Context, table string, n int, item func(i int) (string, any)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for i := 0; i < n; i++ {
		id, v := item(i)
		doc, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+table+` (id, doc) VALUES (?, ?)`, id, string(doc)); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// ListResources returns mirrored resources in display order.
func (s *Store) ListResources(ctx context.Context) ([]models.Resource, error) {
	var out []models.Resource
	err := s.listDocs(ctx, `SELECT doc FROM resources`, func(doc []byte) error {
		var r models.Resource
		if err := json.Unmarshal(doc, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	workflow.SortResources(out)
	return out, nil
}

// FindResourcesAcceptingType returns active mirrored resources accepting t.
func (s *Store) FindResourcesAcceptingType(ctx context.Context, t models.ResourceType) ([]models.Resource, error) {
	all, err := s.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Resource
	for _, r := range all {
		if r.Active && r.Accepts(t) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListUsers returns mirrored users.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	var out []models.User
	err := s.listDocs(ctx, `SELECT doc FROM users ORDER BY id`, func(doc []byte) error {
		var u models.User
		if err := json.Unmarshal(doc, &u); err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	return out, err
}

// ReplaceWorkflows overwrites the workflow mirror.
func (s *Store) ReplaceWorkflows(ctx context.Context, defs []models.WorkflowDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflows`); err != nil {
		return fmt.Errorf("clear workflows: %w", err)
	}
	for _, d := range defs {
		doc, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode workflow: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflows (id, version, doc) VALUES (?, ?, ?)`, d.ID, d.Version, string(doc)); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
	}
	return tx.Commit()
}

// ListWorkflows returns mirrored workflow versions.
func (s *Store) ListWorkflows(ctx context.Context) ([]models.WorkflowDefinition, error) {
	var out []models.WorkflowDefinition
	err := s.listDocs(ctx, `SELECT doc FROM workflows ORDER BY id, version`, func(doc []byte) error {
		var d models.WorkflowDefinition
		if err := json.Unmarshal(doc, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// GetWorkflow returns one mirrored workflow version.
func (s *Store) GetWorkflow(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM workflows WHERE id = ? AND version = ?`, id, version).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", models.ErrNotFound, models.WorkflowKey(id, version))
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	d := &models.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(doc), d); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return d, nil
}

func (s *Store) listDocs(ctx context.Context, query string, each func(doc []byte) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query docs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return fmt.Errorf("scan doc: %w", err)
		}
		if err := each([]byte(doc)); err != nil {
			return fmt.Errorf("decode doc: %w", err)
		}
	}
	return rows.Err()
}

// --- Orders ---

// SaveOrder writes an order graph with the given sync status.
func (s *Store) SaveOrder(ctx context.Context, g *models.OrderGraph, status models.SyncStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := saveOrder(ctx, tx, g, status); err != nil {
		return err
	}
	return tx.Commit()
}

func saveOrder(ctx context.Context, tx *sql.Tx, g *models.OrderGraph, status models.SyncStatus) error {
	g.Order.SyncStatus = status
	doc, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, doc, sync_status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, sync_status = excluded.sync_status, updated_at = excluded.updated_at`,
		g.Order.ID, string(doc), status, g.Order.CreatedAt, g.Order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	for _, t := range g.Tasks {
		if err := indexEntity(ctx, tx, t.ID, g.Order.ID); err != nil {
			return err
		}
		for _, st := range t.Subtasks {
			if err := indexEntity(ctx, tx, st.ID, g.Order.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func indexEntity(ctx context.Context, tx *sql.Tx, entityID, orderID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO entity_index (entity_id, order_id) VALUES (?, ?) ON CONFLICT(entity_id) DO NOTHING`,
		entityID, orderID)
	if err != nil {
		return fmt.Errorf("index entity: %w", err)
	}
	return nil
}

// OverwriteIfSynced replaces the local copy with an authoritative one unless
// the local copy carries unsynced edits. It reports whether it wrote.
func (s *Store) OverwriteIfSynced(ctx context.Context, g *models.OrderGraph) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT sync_status FROM orders WHERE id = ?`, g.Order.ID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("query order: %w", err)
	}
	if err == nil && models.SyncStatus(current).Unsynced() {
		return false, nil
	}
	if err := saveOrder(ctx, tx, g, models.SyncStatusSynced); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// MarkOrderSyncedIfClean flags an order synced unless it still has events
// that have not reached the server. It reports whether it changed the flag.
func (s *Store) MarkOrderSyncedIfClean(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET sync_status = ?
		 WHERE id = ? AND sync_status != ? AND NOT EXISTS (
			SELECT 1 FROM sync_events
			WHERE aggregate_id = ? AND terminal = 0 AND status IN (?, ?, ?)
		 )`,
		models.SyncStatusSynced, orderID, models.SyncStatusSynced, orderID,
		models.EventStatusPending, models.EventStatusSyncing, models.EventStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("mark order synced: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetOrderNumber records a server-assigned order number.
func (s *Store) SetOrderNumber(ctx context.Context, orderID, number string) error {
	g, err := s.GetOrderGraph(ctx, orderID)
	if err != nil {
		return err
	}
	if g.Order.Number == number {
		return nil
	}
	g.Order.Number = number
	return s.SaveOrder(ctx, g, g.Order.SyncStatus)
}

// GetOrderGraph returns a mirrored order.
func (s *Store) GetOrderGraph(ctx context.Context, id string) (*models.OrderGraph, error) {
	var doc, status string
	err := s.db.QueryRowContext(ctx, `SELECT doc, sync_status FROM orders WHERE id = ?`, id).Scan(&doc, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	g := &models.OrderGraph{}
	if err := json.Unmarshal([]byte(doc), g); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	g.Order.SyncStatus = models.SyncStatus(status)
	return g, nil
}

// ListOrderGraphs returns every mirrored order, newest first.
func (s *Store) ListOrderGraphs(ctx context.Context) ([]*models.OrderGraph, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc, sync_status FROM orders ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []*models.OrderGraph
	for rows.Next() {
		var doc, status string
		if err := rows.Scan(&doc, &status); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		g := &models.OrderGraph{}
		if err := json.Unmarshal([]byte(doc), g); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		g.Order.SyncStatus = models.SyncStatus(status)
		out = append(out, g)
	}
	return out, rows.Err()
}

// FindInstancesByOrder returns the mirrored instances of an order.
func (s *Store) FindInstancesByOrder(ctx context.Context, orderID string) ([]*models.TaskInstance, error) {
	g, err := s.GetOrderGraph(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return g.Tasks, nil
}

// FindOrderIDByEntity returns the order owning a task or subtask instance.
func (s *Store) FindOrderIDByEntity(ctx context.Context, entityID string) (string, error) {
	var orderID string
	err := s.db.QueryRowContext(ctx, `SELECT order_id FROM entity_index WHERE entity_id = ?`, entityID).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: instance %s", models.ErrNotFound, entityID)
	}
	if err != nil {
		return "", fmt.Errorf("query entity index: %w", err)
	}
	return orderID, nil
}

// --- Samples ---

// AddSample records a locally observed duration. Repeats for a task are
// ignored.
func (s *Store) AddSample(ctx context.Context, smp models.DurationSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (resource_id, task_id, duration_ns, recorded_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(task_id) DO NOTHING`,
		smp.ResourceID, smp.TaskID, int64(smp.Duration), smp.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// RecentSamples returns up to window samples per resource, oldest first.
func (s *Store) RecentSamples(ctx context.Context, window int) ([]models.DurationSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id, task_id, duration_ns, recorded_at FROM (
			SELECT resource_id, task_id, duration_ns, recorded_at, id,
			       ROW_NUMBER() OVER (PARTITION BY resource_id ORDER BY id DESC) AS rn
			FROM samples
		 ) WHERE rn <= ? ORDER BY id`, window)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []models.DurationSample
	for rows.Next() {
		var smp models.DurationSample
		var ns int64
		if err := rows.Scan(&smp.ResourceID, &smp.TaskID, &ns, &smp.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		smp.Duration = time.Duration(ns)
		out = append(out, smp)
	}
	return out, rows.Err()
}
