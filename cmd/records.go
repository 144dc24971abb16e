package main

import (
	"fmt"
	"io"
	"os"

	"imagesearch/internal/store"

	"github.com/spf13/cobra"
)

func openStore() (*store.Store, error) {
	return store.Open(conf.Store.Path, conf.Store.Table)
}

func ingestCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl|->",
		Short: "Append embedding records from a JSON lines file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			var r io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			if batchSize <= 0 {
				batchSize = conf.Store.BatchSize
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.ImportJSONL(ctx, r, batchSize)
			if err != nil {
				return fmt.Errorf("ingest stopped after %d records: %w", n, err)
			}
			total, err := st.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d records (%d total)\n", n, total)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per transaction (default from config)")
	return cmd
}

func dropCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Delete every stored embedding record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to drop table %s without --yes", conf.Store.Table)
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Drop(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the drop")
	return cmd
}
