package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func queryCmd(a *app) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "query QUESTION...",
		Short: "Ask a question against the ingested documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, database, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeDB(database)

			stream, err := store.Query(cmd.Context(), strings.Join(args, " "), mode)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for chunk := range stream {
				if chunk.Err != nil {
					fmt.Fprintln(out)
					return chunk.Err
				}
				fmt.Fprint(out, chunk.Text)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "retrieval mode: naive, local, global or hybrid (default from config)")
	return cmd
}
