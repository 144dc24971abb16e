// Package builder turns the records of a store into a saved labeled index.
package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imagesearch/internal/annoy"
	"imagesearch/internal/config"
	"imagesearch/internal/index"
	"imagesearch/internal/store"
	"imagesearch/pkg/logger"
)

// DefaultLogEvery is how many inserted records pass between progress log lines.
const DefaultLogEvery = 10000

// RecordSource enumerates records in a stable order. Calling Scan twice on an
// unchanged source must yield the same sequence.
type RecordSource interface {
	Scan(ctx context.Context, fn func(store.Record) error) error
}

var _ RecordSource = (*store.Store)(nil)

type Option func(*Builder)

// WithLogEvery changes the progress log interval. n <= 0 disables progress logs.
func WithLogEvery(n int) Option {
	return func(b *Builder) { b.logEvery = n }
}

// WithIndexOptions appends forest options after the ones derived from config.
func WithIndexOptions(opts ...annoy.Option) Option {
	return func(b *Builder) { b.extra = append(b.extra, opts...) }
}

type Builder struct {
	conf     config.IndexConfig
	metric   annoy.Metric
	source   RecordSource
	logEvery int
	extra    []annoy.Option
}

// Result describes a finished build.
type Result struct {
	Index    *index.LabeledIndex
	Path     string
	Items    int
	Trees    int
	Manifest *index.Manifest
	Elapsed  time.Duration
}

// New prepares a build from conf. A BuildQuality of 0 means the default tree
// count; a negative one lets the forest pick the count.
func New(conf config.IndexConfig, source RecordSource, opts ...Option) (*Builder, error) {
	if source == nil {
		return nil, errors.New("builder: nil record source")
	}
	metric, err := annoy.ParseMetric(conf.Metric)
	if err != nil {
		return nil, err
	}
	if conf.BuildQuality == 0 {
		conf.BuildQuality = config.DefaultBuildQuality
	}
	b := &Builder{
		conf:     conf,
		metric:   metric,
		source:   source,
		logEvery: DefaultLogEvery,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Builder) indexOptions() []annoy.Option {
	opts := []annoy.Option{annoy.WithSeed(b.conf.Seed)}
	if b.conf.Workers > 0 {
		opts = append(opts, annoy.WithWorkers(b.conf.Workers))
	}
	return append(opts, b.extra...)
}

// Run reads every record, inserts record i at position i, builds the forest
// and saves it to the configured storage path, replacing earlier artifacts.
// Any failure aborts the whole run and leaves the artifacts on disk untouched.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	idx, err := index.New(b.conf.Dimension, b.metric, b.indexOptions()...)
	if err != nil {
		return nil, err
	}

	position := 0
	err = b.source.Scan(ctx, func(r store.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := idx.Insert(position, r.Vector, r.Label); err != nil {
			return fmt.Errorf("record %d (%s): %w", position, r.Label, err)
		}
		position++
		if b.logEvery > 0 && position%b.logEvery == 0 {
			logger.Info("Indexed records", "count", position)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	logger.Info("Building index", "items", idx.Len(), "quality", b.conf.BuildQuality, "metric", b.metric.String())

	if err := idx.Build(b.conf.BuildQuality); err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := idx.Save(b.conf.StoragePath); err != nil {
		return nil, fmt.Errorf("save index: %w", err)
	}

	manifest, err := index.ReadManifest(b.conf.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	res := &Result{
		Index:    idx,
		Path:     b.conf.StoragePath,
		Items:    idx.Len(),
		Trees:    idx.Trees(),
		Manifest: manifest,
		Elapsed:  time.Since(start),
	}
	logger.Info("Saved index", "path", res.Path, "items", res.Items, "trees", res.Trees, "elapsed", res.Elapsed)
	return res, nil
}
