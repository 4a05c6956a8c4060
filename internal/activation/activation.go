// Package activation implements the task-instance state machine.
//
// The same functions run on the authoritative server and inside the offline
// client session; they mutate an in-memory *models.OrderGraph and perform no
// I/O, so both sites produce identical transitions for identical input.
//
// Legal transitions:
//
//	blocked -> ready      (resource resolved, every dependency done or cancelled)
//	ready   -> active     (Start)
//	ready   -> done       (Complete, start backfilled)
//	active  -> done       (Complete)
//	blocked|ready|active -> cancelled (Cancel)
//
// No instance re-enters blocked after leaving it.
package activation

import (
	"fmt"
	"time"

	"github.com/fentz26/linecook/internal/models"
)

// Transition records one status change.
type Transition struct {
	TaskID string            `json:"task_id"`
	From   models.TaskStatus `json:"from"`
	To     models.TaskStatus `json:"to"`
}

// Outcome describes everything a single operation changed.
type Outcome struct {
	Transitions []Transition
	// Subtasks lists subtask ids completed by this call.
	Subtasks []string
	// Sample is set when a completed instance had a recorded start.
	Sample *models.DurationSample
	// OrderReady is true when this call settled the order.
	OrderReady bool
	// Noop is true for idempotent repeats (e.g. completing a done task).
	Noop bool
}

// Changed reports whether anything needs persisting.
func (o *Outcome) Changed() bool {
	return !o.Noop && (len(o.Transitions) > 0 || len(o.Subtasks) > 0 || o.OrderReady)
}

// Touched returns the instances of g modified by this outcome, in graph order.
func (o *Outcome) Touched(g *models.OrderGraph) []*models.TaskInstance {
	ids := make(map[string]bool)
	for _, tr := range o.Transitions {
		ids[tr.TaskID] = true
	}
	for _, sid := range o.Subtasks {
		if parent, _ := g.Subtask(sid); parent != nil {
			ids[parent.ID] = true
		}
	}
	var out []*models.TaskInstance
	for _, t := range g.Tasks {
		if ids[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// Activate promotes blocked instances whose dependencies are all settled,
// repeating until no further instance changes. Instances without a resolved
// resource stay blocked.
func Activate(g *models.OrderGraph, now time.Time) []Transition {
	status := make(map[string]models.TaskStatus, len(g.Tasks))
	for _, t := range g.Tasks {
		status[t.ID] = t.Status
	}

	var out []Transition
	for {
		progressed := false
		for _, t := range g.Tasks {
			if t.Status != models.TaskStatusBlocked || t.ResourceID == "" || !depsSettled(t, status) {
				continue
			}
			t.Status = models.TaskStatusReady
			ts := now
			t.ReadyAt = &ts
			status[t.ID] = t.Status
			out = append(out, Transition{TaskID: t.ID, From: models.TaskStatusBlocked, To: models.TaskStatusReady})
			progressed = true
		}
		if !progressed {
			return out
		}
	}
}

func depsSettled(t *models.TaskInstance, status map[string]models.TaskStatus) bool {
	for _, dep := range t.DependsOn {
		st, ok := status[dep]
		if !ok || !st.Terminal() {
			return false
		}
	}
	return true
}

// Start moves a ready instance to active.
func Start(g *models.OrderGraph, taskID, actorID string, now time.Time) (*Outcome, error) {
	t, err := lookup(g, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TaskStatusReady {
		return nil, invalid(t, "start")
	}
	ts := now
	t.StartedAt = &ts
	t.ActorID = actorID
	t.Status = models.TaskStatusActive
	touch(g, now)
	return &Outcome{Transitions: []Transition{{TaskID: t.ID, From: models.TaskStatusReady, To: models.TaskStatusActive}}}, nil
}

// Complete finishes a ready or active instance. Completing a done instance
// succeeds without changing anything.
func Complete(g *models.OrderGraph, taskID, actorID string, now time.Time) (*Outcome, error) {
	t, err := lookup(g, taskID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case models.TaskStatusDone:
		return &Outcome{Noop: true}, nil
	case models.TaskStatusReady, models.TaskStatusActive:
	default:
		return nil, invalid(t, "complete")
	}

	if t.StartedAt != nil && now.Before(*t.StartedAt) {
		now = *t.StartedAt // a late-replayed start may carry a later time
	}
	out := &Outcome{}
	if t.StartedAt != nil && t.ResourceID != "" {
		out.Sample = &models.DurationSample{
			ResourceID: t.ResourceID,
			TaskID:     t.ID,
			Duration:   now.Sub(*t.StartedAt),
			RecordedAt: now,
		}
	}
	if t.StartedAt == nil {
		ts := now
		t.StartedAt = &ts
	}
	if t.ActorID == "" {
		t.ActorID = actorID
	}
	out.Subtasks = forceCompleteSubtasks(t, now)

	from := t.Status
	done := now
	t.CompletedAt = &done
	t.Status = models.TaskStatusDone
	out.Transitions = append(out.Transitions, Transition{TaskID: t.ID, From: from, To: models.TaskStatusDone})

	settle(g, out, now)
	return out, nil
}

// Cancel withdraws an unfinished instance. Cancelling twice is a no-op.
func Cancel(g *models.OrderGraph, taskID, actorID string, now time.Time) (*Outcome, error) {
	t, err := lookup(g, taskID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case models.TaskStatusCancelled:
		return &Outcome{Noop: true}, nil
	case models.TaskStatusDone:
		return nil, invalid(t, "cancel")
	}

	from := t.Status
	ts := now
	t.CompletedAt = &ts
	t.Status = models.TaskStatusCancelled
	if t.ActorID == "" {
		t.ActorID = actorID
	}
	out := &Outcome{Transitions: []Transition{{TaskID: t.ID, From: from, To: models.TaskStatusCancelled}}}
	settle(g, out, now)
	return out, nil
}

// CompleteSubtask marks one checklist item done. It never cascades.
func CompleteSubtask(g *models.OrderGraph, subtaskID string, now time.Time) (*Outcome, error) {
	parent, st := g.Subtask(subtaskID)
	if st == nil {
		return nil, fmt.Errorf("%w: subtask %s", models.ErrNotFound, subtaskID)
	}
	if st.Completed {
		return &Outcome{Noop: true}, nil
	}
	if parent.Status == models.TaskStatusCancelled {
		return nil, fmt.Errorf("%w: subtask %s belongs to cancelled task %s", models.ErrInvalidTransition, subtaskID, parent.ID)
	}
	ts := now
	st.Completed = true
	st.CompletedAt = &ts
	touch(g, now)
	return &Outcome{Subtasks: []string{st.ID}}, nil
}

// settle re-runs activation after a terminal transition and flags the order
// ready for handoff once every instance is settled.
func settle(g *models.OrderGraph, out *Outcome, now time.Time) {
	out.Transitions = append(out.Transitions, Activate(g, now)...)
	if g.Order.Status == models.OrderStatusOpen && g.Settled() {
		g.Order.Status = models.OrderStatusReadyForHandoff
		ts := now
		g.Order.ReadyAt = &ts
		out.OrderReady = true
	}
	touch(g, now)
}

func forceCompleteSubtasks(t *models.TaskInstance, now time.Time) []string {
	var ids []string
	for i := range t.Subtasks {
		st := &t.Subtasks[i]
		if st.Optional || st.Completed {
			continue
		}
		ts := now
		st.Completed = true
		st.CompletedAt = &ts
		ids = append(ids, st.ID)
	}
	return ids
}

func lookup(g *models.OrderGraph, taskID string) (*models.TaskInstance, error) {
	t := g.Task(taskID)
	if t == nil {
		return nil, fmt.Errorf("%w: task %s", models.ErrNotFound, taskID)
	}
	return t, nil
}

func invalid(t *models.TaskInstance, op string) error {
	return fmt.Errorf("%w: cannot %s task %s in status %s", models.ErrInvalidTransition, op, t.ID, t.Status)
}

func touch(g *models.OrderGraph, now time.Time) {
	g.Order.UpdatedAt = now
}
