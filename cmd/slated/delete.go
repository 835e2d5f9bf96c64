package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/docket-hq/slate-sheikah/internal/errors"
	"github.com/docket-hq/slate-sheikah/pkg/store"
)

func deleteCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "delete <document-id>...",
		Short: "Delete stored documents",
		Long: `Delete documents from the configured store.

The store is chosen the same way as for serve. A running server still holding
a document in memory saves it again on the next edit.

Examples:
  slated delete notes/1
  slated delete --store=redis --redis-addr=localhost:6379 notes/1 notes/2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, cmd.Flags())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			docs, closeStore, err := openStore(ctx, cfg, cfg.NewLogger(os.Stderr))
			if err != nil {
				return err
			}
			defer closeStore()

			return deleteDocuments(ctx, docs, args, cmd.OutOrStdout())
		},
	}

	bindStoreFlags(cmd.Flags(), &opts)
	return cmd
}

// deleteDocuments removes each id from docs, stopping at the first failure.
func deleteDocuments(ctx context.Context, docs store.DocumentStore, ids []string, out io.Writer) error {
	for _, id := range ids {
		if err := docs.Delete(ctx, id); err != nil {
			return errors.New("E143").
				WithDetailf("Document %q could not be deleted", id).
				Wrap(err)
		}
		fmt.Fprintf(out, "deleted %s\n", id)
	}
	return nil
}
