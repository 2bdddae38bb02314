package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/purity-labs/puregeo/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List training runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: store.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func formatRunsList(w io.Writer, runs []store.TrainingRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tSTATUS\tSAMPLES\tEPOCHS\tBEST VAL\tBEST KM\tCREATED")
	for _, r := range runs {
		epochs, bestVal, bestKm := "-", "-", "-"
		if r.Result != nil {
			epochs = fmt.Sprintf("%d", r.Result.EpochsTrained)
			bestVal = fmt.Sprintf("%.4f", r.Result.BestValLoss)
			bestKm = fmt.Sprintf("%.1f", r.Result.BestDistanceError)
		}
		fmt.Fprintf(tw, "%.8s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.DataSource, r.Status, r.NumSamples,
			epochs, bestVal, bestKm,
			r.CreatedAt.Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func init() {
	runsCmd.Flags().String("status", "", "filter by status")
	runsCmd.Flags().Int("limit", 50, "maximum runs to list")
	rootCmd.AddCommand(runsCmd)
}
