package commands

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/go-imgsearch/core"
)

var (
	searchText     string
	searchImage    string
	searchTopK     int
	searchMinScore float64
	searchFilters  map[string]string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Query the index by text or image",
	Long: `Query the index by a text description or an image file.

Filters match record attributes exactly, or numerically when the value
starts with a comparison such as ">=10" or "<5".

Example:
  imgsearch search --text "boats in a harbour" --top-k 5
  imgsearch search --image query.jpg --filter objects=boat --filter "latitude=>40"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := core.SearchQuery{Text: searchText, TopK: searchTopK, Filters: searchFilters}
		if searchImage != "" {
			data, err := os.ReadFile(searchImage)
			if err != nil {
				return err
			}
			q.ImageBytes = data
			q.ContentType = mime.TypeByExtension(filepath.Ext(searchImage))
		}
		if cmd.Flags().Changed("min-score") {
			q.MinScore = &searchMinScore
		}

		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		resp, err := app.Search.Search(ctx, q)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		return printJSON(resp)
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchText, "text", "t", "", "text query")
	searchCmd.Flags().StringVarP(&searchImage, "image", "i", "", "image file to query with")
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "number of results (default search.default_top_k)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "drop results scoring below this value in [0,1]")
	searchCmd.Flags().StringToStringVarP(&searchFilters, "filter", "f", nil, "attribute filter key=value (repeatable)")
	searchCmd.MarkFlagsMutuallyExclusive("text", "image")
	searchCmd.MarkFlagsOneRequired("text", "image")
}
