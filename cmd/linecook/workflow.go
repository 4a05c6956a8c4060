package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/workflow"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect and publish workflow definitions",
}

var workflowValidateCmd = &cobra.Command{
	Use:   "validate [catalog.yaml]",
	Short: "Validate a catalog without a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowValidate,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow versions known to the server",
	RunE:  runWorkflowList,
}

var workflowRegisterCmd = &cobra.Command{
	Use:   "register [workflow.yaml]",
	Short: "Publish a new workflow version",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowRegister,
}

func init() {
	workflowCmd.AddCommand(workflowValidateCmd, workflowListCmd, workflowRegisterCmd)
}

func runWorkflowValidate(cmd *cobra.Command, args []string) error {
	cat, err := workflow.LoadCatalog(args[0])
	if err != nil {
		return err
	}
	for i := range cat.Workflows {
		def := &cat.Workflows[i]
		order, err := workflow.TopologicalOrder(def)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d tasks, %v\n", def.Key(), len(order), order)
	}
	fmt.Printf("OK: %d resources, %d users, %d workflows\n", len(cat.Resources), len(cat.Users), len(cat.Workflows))
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	var defs []models.WorkflowDefinition
	if err := newAPI().Get(cmd.Context(), "/workflows", &defs); err != nil {
		return err
	}
	if len(defs) == 0 {
		fmt.Println("No workflows found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tNAME\tTASKS")
	for i := range defs {
		d := &defs[i]
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", d.ID, d.Version, orDash(d.Name), len(d.Tasks()))
	}
	return w.Flush()
}

func runWorkflowRegister(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	var stored models.WorkflowDefinition
	if err := newAPI().Post(cmd.Context(), "/workflows", def, &stored); err != nil {
		return err
	}
	fmt.Printf("Registered %s\n", stored.Key())
	return nil
}
