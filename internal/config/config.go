package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "imagesearch/pkg/errors"

	"gopkg.in/yaml.v3"
)

// FileName is the config file NewConfig looks for inside the data directory.
const FileName = "config.yaml"

const (
	DefaultDimension    = 256
	DefaultMetric       = "euclidean"
	DefaultBuildQuality = 100
	DefaultSearchK      = -1
	DefaultSeed         = 42
	DefaultTable        = "embeddings"
	DefaultBatchSize    = 500
	DefaultArchive      = "artifacts.tar.gz"
	DefaultAddr         = ":8080"
	DefaultCacheSize    = 1024
	DefaultTopK         = 10
)

type Config struct {
	Dir       string          `yaml:"dir"`
	Log       LogConfig       `yaml:"log"`
	Index     IndexConfig     `yaml:"index"`
	Store     StoreConfig     `yaml:"store"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Server    ServerConfig    `yaml:"server"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// IndexConfig is everything the labeled index and its builder consume.
type IndexConfig struct {
	Dimension    int    `yaml:"dimension"`
	Metric       string `yaml:"metric"`
	BuildQuality int    `yaml:"build_quality"`
	SearchK      int    `yaml:"search_k"`
	StoragePath  string `yaml:"storage_path"`
	Seed         int64  `yaml:"seed"`
	Workers      int    `yaml:"workers"`
}

type StoreConfig struct {
	Path      string `yaml:"path"`
	Table     string `yaml:"table"`
	BatchSize int    `yaml:"batch_size"`
}

// ArtifactsConfig selects where packaged index artifacts are pushed to and pulled from.
type ArtifactsConfig struct {
	Backend  string `yaml:"backend"` // "s3" or "local"
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Archive  string `yaml:"archive"`
	LocalDir string `yaml:"local_dir"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	CacheSize int    `yaml:"cache_size"`
	DefaultK  int    `yaml:"default_k"`
}

// Default returns the configuration rooted at dir.
func Default(dir string) *Config {
	if dir == "" {
		dir = "data"
	}
	return &Config{
		Dir: dir,
		Log: LogConfig{Level: "info"},
		Index: IndexConfig{
			Dimension:    DefaultDimension,
			Metric:       DefaultMetric,
			BuildQuality: DefaultBuildQuality,
			SearchK:      DefaultSearchK,
			StoragePath:  filepath.Join(dir, "embeddings", "embeddings.ann"),
			Seed:         DefaultSeed,
			Workers:      4,
		},
		Store: StoreConfig{
			Path:      filepath.Join(dir, "records.db"),
			Table:     DefaultTable,
			BatchSize: DefaultBatchSize,
		},
		Artifacts: ArtifactsConfig{
			Backend:  "local",
			Prefix:   "model-registry",
			Archive:  DefaultArchive,
			LocalDir: filepath.Join(dir, "registry"),
			Region:   "ap-south-1",
		},
		Server: ServerConfig{
			Addr:      DefaultAddr,
			CacheSize: DefaultCacheSize,
			DefaultK:  DefaultTopK,
		},
	}
}

// NewConfig loads dir/config.yaml when it exists and falls back to defaults otherwise.
func NewConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		conf := Default(dir)
		return conf, conf.Validate()
	}
	return load(path, dir)
}

// FromFile reads a YAML config. Keys missing from the file keep their default values.
func FromFile(path string) (*Config, error) {
	return load(path, "")
}

func load(path, dir string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var probe struct {
		Dir string `yaml:"dir"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if probe.Dir != "" {
		dir = probe.Dir
	}
	conf := Default(dir)
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the values the core cannot run without.
func (c *Config) Validate() error {
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("%w: %d", pkgerrors.ErrInvalidDimension, c.Index.Dimension)
	}
	switch c.Index.Metric {
	case "angular", "euclidean", "manhattan", "hamming", "dot":
	default:
		return fmt.Errorf("%w: %q", pkgerrors.ErrUnsupportedMetric, c.Index.Metric)
	}
	if c.Index.StoragePath == "" {
		return fmt.Errorf("%w: storage_path is empty", pkgerrors.ErrInvalidPath)
	}
	if c.Store.Table == "" {
		return errors.New("store table is empty")
	}
	if c.Store.BatchSize <= 0 {
		c.Store.BatchSize = DefaultBatchSize
	}
	switch c.Artifacts.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown artifacts backend %q", c.Artifacts.Backend)
	}
	if c.Artifacts.Backend == "s3" && c.Artifacts.Bucket == "" {
		return errors.New("artifacts bucket is required for the s3 backend")
	}
	return nil
}
