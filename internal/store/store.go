// Package store provides SQLite-backed persistence for the authoritative
// linecook server.
package store

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
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the linecook SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
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

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (id, version)
	);

	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		name TEXT,
		capacity INTEGER NOT NULL,
		accepted_types TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		display_order INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT
	);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		lines TEXT NOT NULL,
		status TEXT NOT NULL,
		created_by TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		ready_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_instances (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		line_id TEXT NOT NULL,
		def_id TEXT NOT NULL,
		title TEXT,
		resource_type TEXT NOT NULL,
		resource_id TEXT,
		depends_on TEXT NOT NULL,
		status TEXT NOT NULL,
		estimated_ns INTEGER NOT NULL,
		actor_id TEXT,
		ready_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE TABLE IF NOT EXISTS subtask_instances (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		def_id TEXT NOT NULL,
		title TEXT,
		optional INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		completed_at DATETIME,
		FOREIGN KEY (task_id) REFERENCES task_instances(id)
	);

	CREATE TABLE IF NOT EXISTS duration_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_id TEXT NOT NULL,
		task_id TEXT NOT NULL UNIQUE,
		duration_ns INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_task_instances_order_id ON task_instances(order_id);
	CREATE INDEX IF NOT EXISTS idx_task_instances_status ON task_instances(status);
	CREATE INDEX IF NOT EXISTS idx_subtask_instances_task_id ON subtask_instances(task_id);
	CREATE INDEX IF NOT EXISTS idx_duration_samples_resource_id ON duration_samples(resource_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Workflow Operations ---

// RegisterWorkflow stores a definition version. Re-registering an identical
// body is a no-op; a different body under an existing version is rejected
// because definitions are immutable once stored.
func (s *Store) RegisterWorkflow(ctx context.Context, def *models.WorkflowDefinition) (bool, error) {
	body, err := json.Marshal(def)
	if err != nil {
		return false, fmt.Errorf("encode workflow: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT body FROM workflows WHERE id = ? AND version = ?`, def.ID, def.Version).Scan(&existing)
	switch {
	case err == nil:
		if existing != string(body) {
			return false, fmt.Errorf("%w: workflow %s already exists with a different body; publish a new version", models.ErrValidation, def.Key())
		}
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("query workflow: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, version, name, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.Name, string(body), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert workflow: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// GetWorkflow returns one definition version.
func (s *Store) GetWorkflow(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM workflows WHERE id = ? AND version = ?`, id, version).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", models.ErrNotFound, models.WorkflowKey(id, version))
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	def := &models.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(body), def); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return def, nil
}

// ListWorkflows returns every stored definition version.
func (s *Store) ListWorkflows(ctx context.Context) ([]models.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM workflows ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var defs []models.WorkflowDefinition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var def models.WorkflowDefinition
		if err := json.Unmarshal([]byte(body), &def); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Resource and User Operations ---

// UpsertResource inserts or replaces a resource.
func (s *Store) UpsertResource(ctx context.Context, r models.Resource) error {
	types, err := json.Marshal(r.AcceptedTypes)
	if err != nil {
		return fmt.Errorf("encode accepted types: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resources (id, name, capacity, accepted_types, active, display_order) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, capacity = excluded.capacity,
		 accepted_types = excluded.accepted_types, active = excluded.active, display_order = excluded.display_order`,
		r.ID, r.Name, r.Capacity, string(types), r.Active, r.DisplayOrder,
	)
	if err != nil {
		return fmt.Errorf("upsert resource: %w", err)
	}
	return nil
}

// ListResources returns resources in configured display order.
func (s *Store) ListResources(ctx context.Context) ([]models.Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, capacity, accepted_types, active, display_order FROM resources ORDER BY display_order, id`)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	var out []models.Resource
	for rows.Next() {
		var r models.Resource
		var name sql.NullString
		var types string
		if err := rows.Scan(&r.ID, &name, &r.Capacity, &types, &r.Active, &r.DisplayOrder); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		r.Name = name.String
		if err := json.Unmarshal([]byte(types), &r.AcceptedTypes); err != nil {
			return nil, fmt.Errorf("decode accepted types: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindResourcesAcceptingType returns active resources accepting t, in
// display order.
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

// UpsertUser inserts or replaces a user.
func (s *Store) UpsertUser(ctx context.Context, u models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, role) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role`,
		u.ID, u.Name, u.Role,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, role FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		var role sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &role); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = role.String
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Order Operations ---

// ErrOrderExists is returned by CreateOrder when the id is already taken.
var ErrOrderExists = errors.New("order already exists")

// CreateOrder persists a freshly instantiated order graph in one transaction
// and assigns its human-readable number. If the order id already exists the
// stored order is left untouched and ErrOrderExists is returned.
func (s *Store) CreateOrder(ctx context.Context, g *models.OrderGraph) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT number FROM orders WHERE id = ?`, g.Order.ID).Scan(&existing)
	if err == nil {
		return existing, ErrOrderExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("check order: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO counters (name, value) VALUES ('order_number', 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	number := fmt.Sprintf("#%04d", seq)

	o := g.Order
	lines, err := json.Marshal(o.Lines)
	if err != nil {
		return "", fmt.Errorf("encode lines: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, number, lines, status, created_by, created_at, updated_at, ready_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, number, string(lines), o.Status, o.CreatedBy, o.CreatedAt, o.UpdatedAt, nullTime(o.ReadyAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert order: %w", err)
	}
	if err := createInstances(ctx, tx, g.Tasks); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	g.Order.Number = number
	return number, nil
}

func createInstances(ctx context.Context, tx *sql.Tx, batch []*models.TaskInstance) error {
	for pos, t := range batch {
		deps, err := json.Marshal(t.DependsOn)
		if err != nil {
			return fmt.Errorf("encode dependencies of %s: %w", t.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_instances (id, order_id, position, line_id, def_id, title, resource_type, resource_id,
			 depends_on, status, estimated_ns, actor_id, ready_at, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.OrderID, pos, t.LineID, t.DefID, t.Title, t.ResourceType, nullString(t.ResourceID),
			string(deps), t.Status, int64(t.EstimatedDuration), nullString(t.ActorID),
			nullTime(t.ReadyAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert task instance: %w", err)
		}
		for spos, st := range t.Subtasks {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO subtask_instances (id, task_id, position, def_id, title, optional, completed, completed_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				st.ID, t.ID, spos, st.DefID, st.Title, st.Optional, st.Completed, nullTime(st.CompletedAt),
			)
			if err != nil {
				return fmt.Errorf("insert subtask instance: %w", err)
			}
		}
	}
	return nil
}

func updateInstance(ctx context.Context, tx *sql.Tx, t *models.TaskInstance) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE task_instances SET status = ?, resource_id = ?, actor_id = ?, ready_at = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		t.Status, nullString(t.ResourceID), nullString(t.ActorID), nullTime(t.ReadyAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %s", models.ErrNotFound, t.ID)
	}
	for _, st := range t.Subtasks {
		_, err := tx.ExecContext(ctx,
			`UPDATE subtask_instances SET completed = ?, completed_at = ? WHERE id = ?`,
			st.Completed, nullTime(st.CompletedAt), st.ID,
		)
		if err != nil {
			return fmt.Errorf("update subtask instance: %w", err)
		}
	}
	return nil
}

// SaveTransition atomically writes the order row, the changed instances and
// an optional duration sample. A sample for a task that already has one is
// ignored.
func (s *Store) SaveTransition(ctx context.Context, o models.Order, changed []*models.TaskInstance, sample *models.DurationSample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ?, ready_at = ? WHERE id = ?`,
		o.Status, o.UpdatedAt, nullTime(o.ReadyAt), o.ID,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	for _, t := range changed {
		if err := updateInstance(ctx, tx, t); err != nil {
			return err
		}
	}
	if sample != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO duration_samples (resource_id, task_id, duration_ns, recorded_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(task_id) DO NOTHING`,
			sample.ResourceID, sample.TaskID, int64(sample.Duration), sample.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("insert duration sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const orderColumns = `id, number, lines, status, created_by, created_at, updated_at, ready_at`

func scanOrder(row interface{ Scan(...any) error }) (models.Order, error) {
	var o models.Order
	var lines string
	var createdBy sql.NullString
	var readyAt sql.NullTime
	if err := row.Scan(&o.ID, &o.Number, &lines, &o.Status, &createdBy, &o.CreatedAt, &o.UpdatedAt, &readyAt); err != nil {
		return o, err
	}
	o.CreatedBy = createdBy.String
	if readyAt.Valid {
		o.ReadyAt = &readyAt.Time
	}
	if err := json.Unmarshal([]byte(lines), &o.Lines); err != nil {
		return o, fmt.Errorf("decode order lines: %w", err)
	}
	return o, nil
}

// GetOrder returns an order row without its instances.
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// ListOrders returns orders, optionally filtered by status, newest first.
func (s *Store) ListOrders(ctx context.Context, status string) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []interface{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOrderGraph loads an order together with its instances.
func (s *Store) GetOrderGraph(ctx context.Context, id string) (*models.OrderGraph, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.FindInstancesByOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.OrderGraph{Order: *o, Tasks: tasks}, nil
}

const instanceColumns = `id, order_id, line_id, def_id, title, resource_type, resource_id, depends_on, status,
	estimated_ns, actor_id, ready_at, started_at, completed_at`

// FindInstancesByOrder returns an order's instances in creation order,
// subtasks included.
func (s *Store) FindInstancesByOrder(ctx context.Context, orderID string) ([]*models.TaskInstance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+` FROM task_instances WHERE order_id = ? ORDER BY position`, orderID)
}

// FindQueuedInstances returns every ready or active instance across orders.
func (s *Store) FindQueuedInstances(ctx context.Context) ([]*models.TaskInstance, error) {
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM task_instances WHERE status IN (?, ?) ORDER BY order_id, position`,
		models.TaskStatusReady, models.TaskStatusActive)
}

// FindOrderIDByTask returns the order owning a task instance.
func (s *Store) FindOrderIDByTask(ctx context.Context, taskID string) (string, error) {
	var orderID string
	err := s.db.QueryRowContext(ctx, `SELECT order_id FROM task_instances WHERE id = ?`, taskID).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: task %s", models.ErrNotFound, taskID)
	}
	if err != nil {
		return "", fmt.Errorf("query task instance: %w", err)
	}
	return orderID, nil
}

// FindOrderIDBySubtask returns the order owning a subtask instance.
func (s *Store) FindOrderIDBySubtask(ctx context.Context, subtaskID string) (string, error) {
	var orderID string
	err := s.db.QueryRowContext(ctx,
		`SELECT t.order_id FROM subtask_instances st JOIN task_instances t ON t.id = st.task_id WHERE st.id = ?`,
		subtaskID).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: subtask %s", models.ErrNotFound, subtaskID)
	}
	if err != nil {
		return "", fmt.Errorf("query subtask instance: %w", err)
	}
	return orderID, nil
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]*models.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task instances: %w", err)
	}
	defer rows.Close()

	var out []*models.TaskInstance
	index := make(map[string]*models.TaskInstance)
	for rows.Next() {
		t := &models.TaskInstance{}
		var title, resourceID, actorID sql.NullString
		var deps string
		var estimated int64
		var readyAt, startedAt, completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.OrderID, &t.LineID, &t.DefID, &title, &t.ResourceType, &resourceID, &deps,
			&t.Status, &estimated, &actorID, &readyAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		t.Title = title.String
		t.ResourceID = resourceID.String
		t.ActorID = actorID.String
		t.EstimatedDuration = time.Duration(estimated)
		t.ReadyAt = timePtr(readyAt)
		t.StartedAt = timePtr(startedAt)
		t.CompletedAt = timePtr(completedAt)
		if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on: %w", err)
		}
		out = append(out, t)
		index[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]any, 0, len(out))
	for _, t := range out {
		ids = append(ids, t.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	srows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, def_id, title, optional, completed, completed_at FROM subtask_instances
		 WHERE task_id IN (`+placeholders+`) ORDER BY task_id, position`, ids...)
	if err != nil {
		return nil, fmt.Errorf("query subtask instances: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var st models.SubtaskInstance
		var title sql.NullString
		var completedAt sql.NullTime
		if err := srows.Scan(&st.ID, &st.TaskID, &st.DefID, &title, &st.Optional, &st.Completed, &completedAt); err != nil {
			return nil, fmt.Errorf("scan subtask instance: %w", err)
		}
		st.Title = title.String
		st.CompletedAt = timePtr(completedAt)
		if t := index[st.TaskID]; t != nil {
			t.Subtasks = append(t.Subtasks, st)
		}
	}
	return out, srows.Err()
}

// --- Duration Samples ---

// RecentSamples returns up to window samples per resource, oldest first.
func (s *Store) RecentSamples(ctx context.Context, window int) ([]models.DurationSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id, task_id, duration_ns, recorded_at FROM (
			SELECT resource_id, task_id, duration_ns, recorded_at, id,
			       ROW_NUMBER() OVER (PARTITION BY resource_id ORDER BY id DESC) AS rn
			FROM duration_samples
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

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	now := time.Now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the most recent decision records for a task.
func (s *Store) ListPDR(ctx context.Context, taskID string) ([]models.PDREntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM pdr WHERE task_id = ? ORDER BY timestamp`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var out []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var tid, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &tid, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TaskID = tid.String
		e.Details = details.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
