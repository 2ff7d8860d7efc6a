package commands

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	imgsearch "github.com/hubenschmidt/go-imgsearch"
	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/ingest"
)

var ingestPrefix string

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Upload images and run the ingestion pipeline",
	Long: `Upload local image files to the raw bucket and ingest them.

Each file becomes one upload event. Files are processed concurrently,
bounded by ingest.concurrency and paced by ingest.rate_per_second. The
metadata, vector and blob backends should be persistent for the results
to be visible to later commands.

Example:
  imgsearch ingest --prefix trips/2024 photos/*.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		events := make([]core.UploadEvent, 0, len(args))
		for _, path := range args {
			ev, err := uploadFile(ctx, app, path)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}

		outcomes, err := app.Ingest.IngestBatch(ctx, events)
		for _, oc := range outcomes {
			line := fmt.Sprintf("%s\t%s\t%s", oc.Record.ID, oc.Record.Status, oc.Event.ObjectName)
			if oc.Record.FailureReason != core.ReasonNone {
				line += "\t" + string(oc.Record.FailureReason)
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		if err != nil {
			return err
		}

		failed := ingest.Failed(outcomes)
		summary := app.Stats.Flush()
		app.Logger.Info("ingest finished",
			"events", len(events), "failed", len(failed), "retries", sum(summary.Retries))
		if len(failed) > 0 {
			return fmt.Errorf("%d of %d events failed", len(failed), len(events))
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestPrefix, "prefix", "", "object name prefix inside the raw bucket")
}

func uploadFile(ctx context.Context, app *imgsearch.App, path string) (core.UploadEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.UploadEvent{}, err
	}
	defer f.Close()

	name := filepath.Base(path)
	if ingestPrefix != "" {
		name = strings.TrimSuffix(ingestPrefix, "/") + "/" + name
	}
	return app.Upload(ctx, name, f, mime.TypeByExtension(filepath.Ext(path)))
}

func sum(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
