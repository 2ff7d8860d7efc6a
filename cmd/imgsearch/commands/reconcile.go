package commands

import (
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation sweep",
	Long: `Compare the vector index against the metadata store once and repair
what interrupted writes left behind: unfinished relocations, missing or
outdated vectors, stalled records, orphan vectors and unfinished deletes.
Prints the sweep report.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		report, err := app.Reconciler.Sweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}
