package tui

import (
	"context"

	"github.com/fentz26/linecook/internal/eta"
	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/resqueue"
	"github.com/fentz26/linecook/internal/syncengine"
	"github.com/fentz26/linecook/internal/wire"
)

// Backend is the client session the board drives.
type Backend interface {
	Orders(ctx context.Context) ([]*models.OrderGraph, error)
	ETA(ctx context.Context, orderID string) (*eta.Estimate, error)
	CreateOrder(ctx context.Context, lines []wire.Line) (*wire.OrderResult, error)
	StartTask(ctx context.Context, taskID string) (*wire.OrderResult, error)
	CompleteTask(ctx context.Context, taskID string) (*wire.OrderResult, error)
	CancelTask(ctx context.Context, taskID string) (*wire.OrderResult, error)
	CompleteSubtask(ctx context.Context, subtaskID string) (*wire.OrderResult, error)
	Suggest(ctx context.Context, lines []wire.Line) (*eta.Estimate, error)
	Workflows(ctx context.Context) ([]models.WorkflowDefinition, error)
	Attention(ctx context.Context) ([]models.SyncEvent, error)
	Counts(ctx context.Context) (map[models.EventStatus]int, error)
	Loads() []resqueue.Load
}

// Syncer reports connectivity and accepts manual sync requests.
type Syncer interface {
	Status() syncengine.Status
	Trigger()
}
