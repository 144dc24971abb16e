package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"imagesearch/internal/annoy"
	"imagesearch/internal/config"
	"imagesearch/internal/index"
	"imagesearch/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	dataDir  string
	logLevel string

	conf *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "imagesearch",
	Short: "Build and serve the reverse image search index",
	Long: `imagesearch keeps image embeddings in a record store, compiles them into a
labeled approximate nearest neighbor index and answers similarity queries
with the labels (image URLs) of the closest embeddings.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default <dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "dir", "data", "data directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(ingestCmd(), dropCmd(), buildCmd(), infoCmd(), queryCmd(), serveCmd(), pushCmd(), pullCmd())
}

func initConfig() error {
	var err error
	if cfgFile != "" {
		conf, err = config.FromFile(cfgFile)
	} else {
		conf, err = config.NewConfig(dataDir)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		conf.Log.Level = logLevel
	}
	return logger.InitLogger(conf.Log.Level, conf.Log.File)
}

// openIndex loads the saved index with the configured dimension and metric.
func openIndex() (*index.LabeledIndex, error) {
	metric, err := annoy.ParseMetric(conf.Index.Metric)
	if err != nil {
		return nil, err
	}
	return index.Open(conf.Index.StoragePath, conf.Index.Dimension, metric, annoy.WithSeed(conf.Index.Seed))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
