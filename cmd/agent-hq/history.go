package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-hq/internal/domain"
	"github.com/hochfrequenz/agent-hq/internal/historystore"
)

var (
	historyUser   string
	historyStatus string
	historyLimit  int
)

func init() {
	historyCmd := &cobra.Command{
		Use:   "history [BATCH]",
		Short: "List finished batches, or show one batch with its tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyUser, "user", "", "filter by user id")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by batch status")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum batches to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled in the configuration")
	}

	store, err := historystore.New(cfg.History.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		batch, err := store.GetBatch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printBatch(out, batch)
		return nil
	}

	batches, err := store.ListBatches(cmd.Context(), historystore.ListOptions{
		UserID: historyUser,
		Status: domain.BatchStatus(historyStatus),
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(out, "No batches recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tUSER\tSTATUS\tTASKS\tDONE\tSUBMITTED")
	for _, b := range batches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
			b.BatchID, b.UserID, b.Status, humanize.Comma(int64(b.Total)), b.ProgressPercent, humanize.Time(b.CreatedAt))
	}
	return w.Flush()
}
