// Command eda-ingest runs event sources and writes the envelopes they produce
// to stdout, one JSON document per line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baldanca/eda-ingestor/source"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "eda-ingest",
		Short:        "Ingest events from queues, topics and the system journal",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newSourcesCmd())
	return root
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the available source types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, t := range source.Types() {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}
