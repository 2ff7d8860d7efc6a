package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Inspect and manage stored records",
}

var recordGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		rec, err := app.Meta.Get(ctx, args[0])
		if err != nil {
			return err
		}
		rec.Embedding = nil
		return printJSON(rec)
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record with its vector and processed image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Writer.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
		return nil
	},
}

var recordReingestCmd = &cobra.Command{
	Use:   "reingest <id>",
	Short: "Run the pipeline again for a stored record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		rec, err := app.Ingest.Reingest(ctx, args[0])
		if err != nil && rec.ID == "" {
			return err
		}
		rec.Embedding = nil
		return printJSON(rec)
	},
}

func init() {
	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordDeleteCmd)
	recordCmd.AddCommand(recordReingestCmd)
}
