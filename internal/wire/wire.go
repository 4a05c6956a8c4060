// Package wire holds the request table shared by the client replay path and
// the authoritative HTTP server. Both sides must agree on it byte for byte.
package wire

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/linecook/internal/models"
)

// Actions accepted by the task and subtask action endpoints.
const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
)

// Entity types carried on sync events.
const (
	EntityOrder   = "order"
	EntityTask    = "task"
	EntitySubtask = "subtask"
)

// Line is one order line on the wire.
type Line struct {
	LineID          string `json:"lineId"`
	WorkflowID      string `json:"workflowId"`
	WorkflowVersion int    `json:"workflowVersion"`
	Note            string `json:"note,omitempty"`
}

// CreateOrder is the body of order.create.
type CreateOrder struct {
	OrderID string     `json:"orderId"`
	Lines   []Line     `json:"lines"`
	ActorID string     `json:"actorId"`
	At      *time.Time `json:"at,omitempty"`
}

// TaskAction is the body of task.start, task.complete and task.cancel.
type TaskAction struct {
	TaskID  string     `json:"taskId"`
	Action  string     `json:"action"`
	ActorID string     `json:"actorId"`
	At      *time.Time `json:"at,omitempty"` // when the actor did it; server time if absent
}

// SubtaskAction is the body of subtask.complete.
type SubtaskAction struct {
	SubtaskID string     `json:"subtaskId"`
	Action    string     `json:"action"`
	ActorID   string     `json:"actorId"`
	At        *time.Time `json:"at,omitempty"`
}

// OrderResult is returned by order creation and by every action endpoint.
type OrderResult struct {
	Graph   *models.OrderGraph `json:"graph"`
	Created bool               `json:"created,omitempty"`
	Noop    bool               `json:"noop,omitempty"`
	Warning string             `json:"warning,omitempty"`
}

// SuggestRequest asks for a pre-commitment estimate.
type SuggestRequest struct {
	Workflows []Line `json:"workflows"`
}

// ErrorBody is the JSON error envelope written by the server.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Route is the endpoint an event type replays against.
type Route struct {
	Method string
	Path   string
}

// routes maps event types to path templates; %s is the escaped entity id.
var routes = map[models.EventType]struct {
	method string
	path   string
	action string
}{
	models.EventOrderCreate:     {http.MethodPost, "/orders", ""},
	models.EventTaskStart:       {http.MethodPost, "/tasks/%s/actions", ActionStart},
	models.EventTaskComplete:    {http.MethodPost, "/tasks/%s/actions", ActionComplete},
	models.EventTaskCancel:      {http.MethodPost, "/tasks/%s/actions", ActionCancel},
	models.EventSubtaskComplete: {http.MethodPost, "/subtasks/%s/actions", ActionComplete},
}

// RouteFor returns the endpoint for an event type and entity.
func RouteFor(t models.EventType, entityID string) (Route, error) {
	r, ok := routes[t]
	if !ok {
		return Route{}, fmt.Errorf("%w: unknown event type %q", models.ErrValidation, t)
	}
	if r.action == "" {
		return Route{Method: r.method, Path: r.path}, nil
	}
	return Route{Method: r.method, Path: fmt.Sprintf(r.path, url.PathEscape(entityID))}, nil
}

// ActionFor returns the action keyword of a task or subtask event type.
func ActionFor(t models.EventType) (string, bool) {
	r, ok := routes[t]
	if !ok || r.action == "" {
		return "", false
	}
	return r.action, true
}

// NewCreateOrder builds the order.create body from a local order.
func NewCreateOrder(o models.Order, actorID string) CreateOrder {
	body := CreateOrder{OrderID: o.ID, ActorID: actorID, At: Stamp(o.CreatedAt), Lines: make([]Line, 0, len(o.Lines))}
	for _, l := range o.Lines {
		body.Lines = append(body.Lines, Line{
			LineID:          l.ID,
			WorkflowID:      l.WorkflowID,
			WorkflowVersion: l.WorkflowVersion,
			Note:            l.Note,
		})
	}
	return body
}

// OrderLines converts wire lines into model lines.
func OrderLines(lines []Line) []models.OrderLine {
	out := make([]models.OrderLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, models.OrderLine{
			ID:              l.LineID,
			WorkflowID:      l.WorkflowID,
			WorkflowVersion: l.WorkflowVersion,
			Note:            l.Note,
		})
	}
	return out
}

// Stamp returns at in UTC, or nil for the zero time.
func Stamp(at time.Time) *time.Time {
	if at.IsZero() {
		return nil
	}
	u := at.UTC()
	return &u
}

// Payload encodes the body for an event type. at is when the actor acted;
// order.create carries the order's creation time instead.
func Payload(t models.EventType, entityID, actorID string, at time.Time, order *models.Order) (json.RawMessage, error) {
	var v any
	switch t {
	case models.EventOrderCreate:
		if order == nil {
			return nil, fmt.Errorf("%w: order.create requires an order", models.ErrValidation)
		}
		v = NewCreateOrder(*order, actorID)
	case models.EventTaskStart, models.EventTaskComplete, models.EventTaskCancel:
		action, _ := ActionFor(t)
		v = TaskAction{TaskID: entityID, Action: action, ActorID: actorID, At: Stamp(at)}
	case models.EventSubtaskComplete:
		v = SubtaskAction{SubtaskID: entityID, Action: ActionComplete, ActorID: actorID, At: Stamp(at)}
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", models.ErrValidation, t)
	}
	return json.Marshal(v)
}

// ParseLine parses "workflow" or "workflow@version" into an order line.
// A missing version is zero, which selects the latest version.
func ParseLine(ref string) (Line, error) {
	id, version, found := strings.Cut(strings.TrimSpace(ref), "@")
	if id == "" {
		return Line{}, fmt.Errorf("%w: empty workflow reference", models.ErrValidation)
	}
	l := Line{WorkflowID: id}
	if !found {
		return l, nil
	}
	v, err := strconv.Atoi(version)
	if err != nil || v < 1 {
		return Line{}, fmt.Errorf("%w: bad version in %q", models.ErrValidation, ref)
	}
	l.WorkflowVersion = v
	return l, nil
}

// ParseLines parses several workflow references.
func ParseLines(refs []string) ([]Line, error) {
	out := make([]Line, 0, len(refs))
	for _, r := range refs {
		l, err := ParseLine(r)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
