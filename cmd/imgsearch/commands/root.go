package commands

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	imgsearch "github.com/hubenschmidt/go-imgsearch"
	"github.com/hubenschmidt/go-imgsearch/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "imgsearch",
	Short: "Image ingestion and similarity search",
	Long: `Image ingestion and similarity search.

Uploaded images are analyzed, embedded and indexed. The index can then be
queried by text, by image, or by a raw vector.

Configuration is read from --config, or ./imgsearch.yaml when present.
Every key can be overridden from the environment, e.g.
IMGSEARCH_VECTOR_DIMENSION=768 or IMGSEARCH_EMBEDDING_PROVIDER=ollama.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(recordCmd)
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func openApp(ctx context.Context) (*imgsearch.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return imgsearch.Open(ctx, cfg, imgsearch.Options{})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
