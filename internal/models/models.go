// Package models defines the core domain types for linecook.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResourceType names a kind of station or worker pool (e.g. "oven", "prep").
type ResourceType string

// TaskStatus represents the current state of a task instance.
type TaskStatus string

const (
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status satisfies a dependency.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

// Queued reports whether the instance occupies a slot in its resource's queue.
func (s TaskStatus) Queued() bool {
	return s == TaskStatusReady || s == TaskStatusActive
}

// OrderStatus represents the lifecycle of an order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusReadyForHandoff OrderStatus = "ready_for_handoff"
)

// SyncStatus tags a mirrored record on the client.
type SyncStatus string

const (
	SyncStatusLocal    SyncStatus = "local"    // created offline, never acknowledged
	SyncStatusSynced   SyncStatus = "synced"   // matches the last authoritative copy
	SyncStatusModified SyncStatus = "modified" // edited locally since the last sync
)

// Unsynced reports whether a pulled copy must not overwrite the record.
func (s SyncStatus) Unsynced() bool {
	return s == SyncStatusLocal || s == SyncStatusModified
}

// --- Workflow definitions ---

// SubtaskDef is a checklist item inside a task template.
type SubtaskDef struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// TaskDef is a unit of work inside a phase.
type TaskDef struct {
	ID                string        `json:"id" yaml:"id"`
	Title             string        `json:"title,omitempty" yaml:"title,omitempty"`
	ResourceType      ResourceType  `json:"resource_type" yaml:"resource_type"`
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	DependsOn         []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Subtasks          []SubtaskDef  `json:"subtasks,omitempty" yaml:"subtasks,omitempty"`
}

// Phase groups tasks; tasks may only depend on tasks of the same or an earlier phase.
type Phase struct {
	ID    string    `json:"id" yaml:"id"`
	Title string    `json:"title,omitempty" yaml:"title,omitempty"`
	Tasks []TaskDef `json:"tasks" yaml:"tasks"`
}

// WorkflowDefinition is an immutable, versioned template for one product.
type WorkflowDefinition struct {
	ID      string  `json:"id" yaml:"id"`
	Version int     `json:"version" yaml:"version"`
	Name    string  `json:"name,omitempty" yaml:"name,omitempty"`
	Phases  []Phase `json:"phases" yaml:"phases"`
}

// Key returns the catalog key "id@version".
func (d *WorkflowDefinition) Key() string {
	return WorkflowKey(d.ID, d.Version)
}

// Tasks flattens all phases in declaration order.
func (d *WorkflowDefinition) Tasks() []TaskDef {
	var out []TaskDef
	for _, p := range d.Phases {
		out = append(out, p.Tasks...)
	}
	return out
}

// WorkflowKey formats a catalog key.
func WorkflowKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// --- Resources and users ---

// Resource is a capacity-bounded station that executes tasks of accepted types.
type Resource struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Capacity      int            `json:"capacity"`
	AcceptedTypes []ResourceType `json:"accepted_types"`
	Active        bool           `json:"active"`
	DisplayOrder  int            `json:"display_order"`
}

// Accepts reports whether the resource can execute tasks of type t.
func (r *Resource) Accepts(t ResourceType) bool {
	for _, at := range r.AcceptedTypes {
		if at == t {
			return true
		}
	}
	return false
}

// User is reference data pulled by clients; authentication lives elsewhere.
type User struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
}

// --- Orders and instances ---

// OrderLine references the workflow that will be instantiated for it.
type OrderLine struct {
	ID              string `json:"id"`
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int    `json:"workflow_version"`
	Note            string `json:"note,omitempty"`
}

// Order is the aggregate root owning all task instances of its lines.
type Order struct {
	ID         string      `json:"id"`
	Number     string      `json:"number,omitempty"`
	Lines      []OrderLine `json:"lines"`
	Status     OrderStatus `json:"status"`
	CreatedBy  string      `json:"created_by,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	ReadyAt    *time.Time  `json:"ready_at,omitempty"`
	SyncStatus SyncStatus  `json:"sync_status,omitempty"`
}

// SubtaskInstance is a checklist item of a task instance.
type SubtaskInstance struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	DefID       string     `json:"def_id"`
	Title       string     `json:"title,omitempty"`
	Optional    bool       `json:"optional,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskInstance is a concrete, order-scoped unit of work.
type TaskInstance struct {
	ID                string            `json:"id"`
	OrderID           string            `json:"order_id"`
	LineID            string            `json:"line_id"`
	DefID             string            `json:"def_id"`
	Title             string            `json:"title,omitempty"`
	ResourceType      ResourceType      `json:"resource_type"`
	ResourceID        string            `json:"resource_id,omitempty"` // empty until resolved
	DependsOn         []string          `json:"depends_on,omitempty"`
	Status            TaskStatus        `json:"status"`
	EstimatedDuration time.Duration     `json:"estimated_duration"`
	ActorID           string            `json:"actor_id,omitempty"`
	ReadyAt           *time.Time        `json:"ready_at,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	Subtasks          []SubtaskInstance `json:"subtasks,omitempty"`
}

// OrderGraph is an order together with its task instances.
type OrderGraph struct {
	Order Order           `json:"order"`
	Tasks []*TaskInstance `json:"tasks"`
}

// Task returns the instance with the given id, or nil.
func (g *OrderGraph) Task(id string) *TaskInstance {
	for _, t := range g.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Subtask returns a subtask and its parent, or nils.
func (g *OrderGraph) Subtask(id string) (*TaskInstance, *SubtaskInstance) {
	for _, t := range g.Tasks {
		for i := range t.Subtasks {
			if t.Subtasks[i].ID == id {
				return t, &t.Subtasks[i]
			}
		}
	}
	return nil, nil
}

// Settled reports whether every instance is done or cancelled.
func (g *OrderGraph) Settled() bool {
	for _, t := range g.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// DurationSample is one observed start-to-finish time on a resource.
type DurationSample struct {
	ResourceID string        `json:"resource_id"`
	TaskID     string        `json:"task_id"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// --- Sync events ---

// EventType names a replayable user intent.
type EventType string

const (
	EventOrderCreate     EventType = "order.create"
	EventTaskStart       EventType = "task.start"
	EventTaskComplete    EventType = "task.complete"
	EventTaskCancel      EventType = "task.cancel"
	EventSubtaskComplete EventType = "subtask.complete"
)

// EventStatus is the delivery state of a queued event.
type EventStatus string

const (
	EventStatusPending  EventStatus = "pending"
	EventStatusSyncing  EventStatus = "syncing"
	EventStatusSynced   EventStatus = "synced"
	EventStatusFailed   EventStatus = "failed"
	EventStatusConflict EventStatus = "conflict"
)

// SyncEvent is a durable, ordered record of one local mutation.
type SyncEvent struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Sequence    int64           `json:"sequence"`
	ActorID     string          `json:"actor_id"`
	Type        EventType       `json:"type"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	AggregateID string          `json:"aggregate_id"` // owning order
	Payload     json.RawMessage `json:"payload"`
	Status      EventStatus     `json:"status"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	Terminal    bool            `json:"terminal,omitempty"` // rejected as invalid; never replayed
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
