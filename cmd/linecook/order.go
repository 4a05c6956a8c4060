package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/linecook/internal/eta"
	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/wire"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Manage orders on the server",
}

var orderCreateCmd = &cobra.Command{
	Use:   "create <workflow>[@version] ...",
	Short: "Create an order from one or more workflows",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOrderCreate,
}

var orderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders",
	RunE:  runOrderList,
}

var orderShowCmd = &cobra.Command{
	Use:   "show [order-id]",
	Short: "Show an order and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrderShow,
}

var orderETACmd = &cobra.Command{
	Use:   "eta [order-id]",
	Short: "Show the predicted completion of an order",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrderETA,
}

var etaCmd = &cobra.Command{
	Use:   "eta",
	Short: "Estimate before committing to an order",
}

var etaSuggestCmd = &cobra.Command{
	Use:   "suggest <workflow>[@version] ...",
	Short: "Estimate how long an order would take if placed now",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runETASuggest,
}

var (
	orderStatus string
	orderActor  string
)

func init() {
	orderCmd.AddCommand(orderCreateCmd, orderListCmd, orderShowCmd, orderETACmd)
	etaCmd.AddCommand(etaSuggestCmd)

	orderCreateCmd.Flags().StringVar(&orderActor, "actor", defaultActor(), "User id recorded on the order")
	orderListCmd.Flags().StringVar(&orderStatus, "status", "", "Filter by status (open, ready_for_handoff)")
}

func runOrderCreate(cmd *cobra.Command, args []string) error {
	lines, err := wire.ParseLines(args)
	if err != nil {
		return err
	}
	for i := range lines {
		lines[i].LineID = uuid.NewString()
	}
	req := wire.CreateOrder{OrderID: uuid.NewString(), ActorID: orderActor, Lines: lines}

	var res wire.OrderResult
	if err := newAPI().Post(cmd.Context(), "/orders", req, &res); err != nil {
		return err
	}
	fmt.Printf("Created order %s (%s) with %d tasks\n", res.Graph.Order.Number, res.Graph.Order.ID, len(res.Graph.Tasks))
	if res.Warning != "" {
		fmt.Printf("Warning: %s\n", res.Warning)
	}
	return nil
}

func runOrderList(cmd *cobra.Command, args []string) error {
	path := "/orders"
	if orderStatus != "" {
		path += "?status=" + url.QueryEscape(orderStatus)
	}
	var graphs []models.OrderGraph
	if err := newAPI().Get(cmd.Context(), path, &graphs); err != nil {
		return err
	}
	if len(graphs) == 0 {
		fmt.Println("No orders found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tID\tSTATUS\tTASKS\tCREATED")
	for _, g := range graphs {
		done := 0
		for _, t := range g.Tasks {
			if t.Status.Terminal() {
				done++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", orDash(g.Order.Number), truncateID(g.Order.ID),
			g.Order.Status, done, len(g.Tasks), formatTime(&g.Order.CreatedAt))
	}
	return w.Flush()
}

func runOrderShow(cmd *cobra.Command, args []string) error {
	var g models.OrderGraph
	if err := newAPI().Get(cmd.Context(), "/orders/"+url.PathEscape(args[0]), &g); err != nil {
		return err
	}

	fmt.Printf("Order:   %s (%s)\n", orDash(g.Order.Number), g.Order.ID)
	fmt.Printf("Status:  %s\n", g.Order.Status)
	fmt.Printf("Created: %s\n", formatTime(&g.Order.CreatedAt))
	if g.Order.ReadyAt != nil {
		fmt.Printf("Ready:   %s\n", formatTime(g.Order.ReadyAt))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tID\tSTATUS\tRESOURCE\tESTIMATE\tSTARTED")
	for _, t := range g.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.DefID, t.ID, t.Status, orDash(t.ResourceID),
			formatDuration(t.EstimatedDuration), formatTime(t.StartedAt))
		for _, st := range t.Subtasks {
			mark := "[ ]"
			if st.Completed {
				mark = "[x]"
			}
			fmt.Fprintf(w, "  %s %s\t%s\t\t\t\t\n", mark, st.DefID, st.ID)
		}
	}
	return w.Flush()
}

func runOrderETA(cmd *cobra.Command, args []string) error {
	var est eta.Estimate
	if err := newAPI().Get(cmd.Context(), "/orders/"+url.PathEscape(args[0])+"/eta", &est); err != nil {
		return err
	}
	printEstimate(&est)
	return nil
}

func runETASuggest(cmd *cobra.Command, args []string) error {
	lines, err := wire.ParseLines(args)
	if err != nil {
		return err
	}
	var est eta.Estimate
	if err := newAPI().Post(cmd.Context(), "/eta/suggest", wire.SuggestRequest{Workflows: lines}, &est); err != nil {
		return err
	}
	printEstimate(&est)
	return nil
}

func printEstimate(est *eta.Estimate) {
	fmt.Printf("Remaining:  %s\n", formatDuration(est.Remaining))
	fmt.Printf("Ready at:   %s\n", formatTime(&est.PredictedCompletionAt))
	fmt.Printf("Confidence: %s\n", est.Confidence)
	for _, warn := range est.Warnings {
		fmt.Printf("Warning:    %s\n", warn)
	}
	if len(est.Tasks) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tRESOURCE\tWAIT\tREMAINING\t")
	for _, t := range est.Tasks {
		mark := ""
		if t.Critical {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.DefID, t.Status, orDash(t.ResourceID),
			formatDuration(t.QueueWait), formatDuration(t.Remaining), mark)
	}
	w.Flush()
}
