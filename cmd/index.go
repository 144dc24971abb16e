package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"imagesearch/internal/builder"
	"imagesearch/internal/index"
	"imagesearch/internal/server"

	"github.com/spf13/cobra"
)

func buildCmd() *cobra.Command {
	var quality int
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile all stored records into a saved index",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ic := conf.Index
			if cmd.Flags().Changed("quality") {
				ic.BuildQuality = quality
			}
			b, err := builder.New(ic, st)
			if err != nil {
				return err
			}
			res, err := b.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built %d items into %d trees at %s (build %s, %s)\n",
				res.Items, res.Trees, res.Path, res.Manifest.BuildID, res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVar(&quality, "quality", 0, "number of trees; 0 uses the default of 100, negative picks automatically")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the manifest of the saved index",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := index.ReadManifest(conf.Index.StoragePath)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		},
	}
}

func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var v []float32
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	parts := strings.Split(s, ",")
	v := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %q: %w", p, err)
		}
		v = append(v, float32(f))
	}
	return v, nil
}

func queryCmd() *cobra.Command {
	var (
		vector    string
		k         int
		searchK   int
		distances bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find the labels nearest to a vector",
		Long: `Query the saved index. The vector is given as comma separated numbers or a
JSON array, either inline with --vector or as a file with --vector @path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.HasPrefix(vector, "@") {
				data, err := os.ReadFile(vector[1:])
				if err != nil {
					return err
				}
				vector = string(data)
			}
			v, err := parseVector(vector)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("search-k") {
				searchK = conf.Index.SearchK
			}
			if k <= 0 {
				k = conf.Server.DefaultK
			}

			idx, err := openIndex()
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if distances {
				hits, err := idx.QueryWithDistances(v, k, searchK)
				if err != nil {
					return err
				}
				return enc.Encode(hits)
			}
			labels, err := idx.Query(v, k, searchK)
			if err != nil {
				return err
			}
			return enc.Encode(labels)
		},
	}
	cmd.Flags().StringVar(&vector, "vector", "", "query vector")
	cmd.Flags().IntVar(&k, "k", 0, "number of neighbors (default from config)")
	cmd.Flags().IntVar(&searchK, "search-k", -1, "search breadth; <= 0 uses the index default")
	cmd.Flags().BoolVar(&distances, "distances", false, "include distances")
	_ = cmd.MarkFlagRequired("vector")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve similarity queries over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			idx, err := openIndex()
			if err != nil {
				return err
			}
			sc := conf.Server
			if addr != "" {
				sc.Addr = addr
			}
			return server.New(idx, sc, conf.Index.SearchK).Run(ctx, sc.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
