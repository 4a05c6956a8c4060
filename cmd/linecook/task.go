package main

import (
	"fmt"
	"net/url"

	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/wire"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Drive task instances on the server",
}

var taskStartCmd = &cobra.Command{
	Use:   "start [task-id]",
	Short: "Start a ready task",
	Args:  cobra.ExactArgs(1),
	RunE:  taskActionRunner(wire.ActionStart),
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete [task-id]",
	Short: "Complete an active task",
	Args:  cobra.ExactArgs(1),
	RunE:  taskActionRunner(wire.ActionComplete),
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE:  taskActionRunner(wire.ActionCancel),
}

var subtaskCmd = &cobra.Command{
	Use:   "subtask",
	Short: "Tick checklist items",
}

var subtaskCompleteCmd = &cobra.Command{
	Use:   "complete [subtask-id]",
	Short: "Mark a checklist item done",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubtaskComplete,
}

var actorID string

func init() {
	taskCmd.AddCommand(taskStartCmd, taskCompleteCmd, taskCancelCmd)
	subtaskCmd.AddCommand(subtaskCompleteCmd)

	taskCmd.PersistentFlags().StringVar(&actorID, "actor", defaultActor(), "User id recorded on the change")
	subtaskCmd.PersistentFlags().StringVar(&actorID, "actor", defaultActor(), "User id recorded on the change")
}

func taskActionRunner(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		req := wire.TaskAction{TaskID: args[0], Action: action, ActorID: actorID}
		var res wire.OrderResult
		if err := newAPI().Post(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/actions", req, &res); err != nil {
			return err
		}
		reportResult(&res, args[0], action)
		return nil
	}
}

func runSubtaskComplete(cmd *cobra.Command, args []string) error {
	req := wire.SubtaskAction{SubtaskID: args[0], Action: wire.ActionComplete, ActorID: actorID}
	var res wire.OrderResult
	if err := newAPI().Post(cmd.Context(), "/subtasks/"+url.PathEscape(args[0])+"/actions", req, &res); err != nil {
		return err
	}
	reportResult(&res, args[0], wire.ActionComplete)
	return nil
}

func reportResult(res *wire.OrderResult, id, action string) {
	if res.Noop {
		fmt.Printf("%s: already %s\n", truncateID(id), action)
		return
	}
	fmt.Printf("%s: %s ok\n", truncateID(id), action)
	if res.Graph == nil {
		return
	}
	var ready []string
	for _, t := range res.Graph.Tasks {
		if t.Status == models.TaskStatusReady {
			ready = append(ready, t.DefID)
		}
	}
	if len(ready) > 0 {
		fmt.Printf("Ready now: %v\n", ready)
	}
	if res.Graph.Order.Status == models.OrderStatusReadyForHandoff {
		fmt.Printf("Order %s is ready for handoff\n", orDash(res.Graph.Order.Number))
	}
}
