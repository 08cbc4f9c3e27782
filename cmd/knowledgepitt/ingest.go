package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knowledgepitt/server/internal/extract"
)

// ingestCmd loads documents synchronously, bypassing the worker pool. All
// files end up in a single document.
func ingestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Extract and index documents without starting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, database, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeDB(database)

			texts := extract.New(a.cfg.Extractor, a.logger).ExtractAll(cmd.Context(), args)
			if len(texts) == 0 {
				return fmt.Errorf("no text could be extracted from %d file(s)", len(args))
			}

			token, err := store.Ingest(cmd.Context(), texts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d of %d file(s) as %s\n", len(texts), len(args), token)
			return nil
		},
	}
}
