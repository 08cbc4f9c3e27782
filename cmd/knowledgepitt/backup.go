package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knowledgepitt/server/internal/archive"
	"github.com/knowledgepitt/server/internal/db"
)

func backupCmd(a *app) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the knowledge store into the archive directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := db.Open(a.cfg.Database.Path)
			if err != nil {
				return err
			}
			defer closeDB(database)

			archiver, err := archive.NewArchiver(database, a.cfg.Archive, a.logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if list {
				archives, err := archiver.ListArchives()
				if err != nil {
					return err
				}
				for _, f := range archives {
					fmt.Fprintf(out, "%s\t%d\t%s\n", f.Filename, f.Size, f.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			file, err := archiver.RunArchive(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s (%d bytes) to %s\n", file.Filename, file.Size, archiver.Dir())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list existing snapshots instead of taking one")
	return cmd
}
