package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-hq/internal/departments"
)

func init() {
	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "List department agents and the task types they accept",
		RunE:  runAgents,
	}
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tENABLED\tINSTANCES\tPRIORITY\tTASK TYPES")
	for _, d := range departments.All() {
		ac := cfg.Agent(d.ID)
		instances := ac.MaxInstances
		if instances == 0 {
			instances = cfg.Pool.MaxInstances
		}
		priority := d.Priority
		if ac.Priority != nil {
			priority = *ac.Priority
		}
		fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%s\n", d.ID, ac.IsEnabled(), instances, priority, strings.Join(d.Tasks, ", "))
	}
	return w.Flush()
}
