// Package main provides the imgsearch service and CLI.
//
// Usage:
//
//	imgsearch [--config imgsearch.yaml] <command> [args]
//
// Commands:
//
//	serve      - Run the HTTP API and the background reconciler
//	ingest     - Upload local images and run the ingestion pipeline
//	search     - Query the index by text, image file or record
//	reconcile  - Run one reconciliation sweep
//	record     - Show or delete a stored record
package main

import (
	"fmt"
	"os"

	"github.com/hubenschmidt/go-imgsearch/cmd/imgsearch/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
