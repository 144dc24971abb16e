package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"imagesearch/internal/annoy"
	pkgerrors "imagesearch/pkg/errors"
	"imagesearch/pkg/logger"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"
)

const (
	// LabelExt replaces the index file extension to name the label file.
	LabelExt = ".json"
	// ManifestExt replaces the index file extension to name the manifest file.
	ManifestExt = ".manifest.json"
)

// Manifest records what a saved artifact pair contains. It is renamed into
// place after both artifacts, so a crash mid-save leaves checksums that no
// longer match the files on disk.
type Manifest struct {
	BuildID       string    `json:"build_id"`
	CreatedAt     time.Time `json:"created_at"`
	Metric        string    `json:"metric"`
	Dimension     int       `json:"dimension"`
	Items         int       `json:"items"`
	Trees         int       `json:"trees"`
	IndexFile     string    `json:"index_file"`
	LabelFile     string    `json:"label_file"`
	IndexChecksum string    `json:"index_checksum"`
	LabelChecksum string    `json:"label_checksum"`
}

func swapExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// LabelPath derives the label file from an index path: "idx.ann" -> "idx.json".
func LabelPath(indexPath string) string {
	return swapExt(indexPath, LabelExt)
}

// ManifestPath derives the manifest file from an index path: "idx.ann" -> "idx.manifest.json".
func ManifestPath(indexPath string) string {
	return swapExt(indexPath, ManifestExt)
}

// ArtifactPaths lists every file Save writes for indexPath.
func ArtifactPaths(indexPath string) []string {
	return []string{indexPath, LabelPath(indexPath), ManifestPath(indexPath)}
}

func checkPath(path string) error {
	if path == "" || strings.HasSuffix(path, string(filepath.Separator)) {
		return fmt.Errorf("%w: %q", pkgerrors.ErrInvalidPath, path)
	}
	if LabelPath(path) == path || ManifestPath(path) == path {
		return fmt.Errorf("%w: %q collides with its label or manifest file", pkgerrors.ErrInvalidPath, path)
	}
	return nil
}

func checksum(h hash.Hash64) string {
	return fmt.Sprintf("%016x", h.Sum64())
}

// writeTemp streams fn's output into a temp file next to final and returns the
// temp path and a murmur3 checksum of the bytes written.
func writeTemp(final string, fn func(w io.Writer) error) (string, string, error) {
	f, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".tmp-*")
	if err != nil {
		return "", "", err
	}
	tmp := f.Name()

	h := murmur3.New64()
	if err := fn(io.MultiWriter(f, h)); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", "", err
	}
	return tmp, checksum(h), nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := murmur3.New64()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return checksum(h), nil
}

// Save writes the forest to path, the labels to LabelPath(path) and a manifest
// to ManifestPath(path). Every file is first written to a temp file in the same
// directory and then renamed into place, the manifest last. Existing files are
// replaced.
func (l *LabeledIndex) Save(path string) error {
	if !l.queryable() {
		return fmt.Errorf("%w: save %s index", pkgerrors.ErrNotBuilt, l.state)
	}
	if err := checkPath(path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	var temps []string
	cleanup := func() {
		for _, t := range temps {
			os.Remove(t)
		}
	}

	indexTmp, indexSum, err := writeTemp(path, l.forest.Save)
	if err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	temps = append(temps, indexTmp)

	labelPath := LabelPath(path)
	labelTmp, labelSum, err := writeTemp(labelPath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(l.labels)
	})
	if err != nil {
		cleanup()
		return fmt.Errorf("write label file: %w", err)
	}
	temps = append(temps, labelTmp)

	manifest := Manifest{
		BuildID:       uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		Metric:        l.metric.String(),
		Dimension:     l.dim,
		Items:         len(l.labels),
		Trees:         l.forest.NTrees(),
		IndexFile:     filepath.Base(path),
		LabelFile:     filepath.Base(labelPath),
		IndexChecksum: indexSum,
		LabelChecksum: labelSum,
	}
	manifestPath := ManifestPath(path)
	manifestTmp, _, err := writeTemp(manifestPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(manifest)
	})
	if err != nil {
		cleanup()
		return fmt.Errorf("write manifest: %w", err)
	}
	temps = append(temps, manifestTmp)

	finals := []string{path, labelPath, manifestPath}
	for i, tmp := range temps {
		if err := os.Rename(tmp, finals[i]); err != nil {
			cleanup()
			return fmt.Errorf("publish %s: %w", finals[i], err)
		}
	}

	logger.Debug("Saved labeled index", "path", path, "items", manifest.Items, "trees", manifest.Trees, "build_id", manifest.BuildID)
	return nil
}

// ReadManifest reads the manifest saved next to indexPath.
func ReadManifest(indexPath string) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(indexPath))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func (l *LabeledIndex) verifyManifest(path string, m *Manifest) error {
	if m.Metric != l.metric.String() || m.Dimension != l.dim {
		return fmt.Errorf("%w: manifest has dimension %d metric %s", pkgerrors.ErrIncompatibleIndex, m.Dimension, m.Metric)
	}
	indexSum, err := fileChecksum(path)
	if err != nil {
		return err
	}
	if indexSum != m.IndexChecksum {
		return fmt.Errorf("%w: index file %s", pkgerrors.ErrChecksumMismatch, path)
	}
	labelSum, err := fileChecksum(LabelPath(path))
	if err != nil {
		return err
	}
	if labelSum != m.LabelChecksum {
		return fmt.Errorf("%w: label file %s", pkgerrors.ErrChecksumMismatch, LabelPath(path))
	}
	return nil
}

// Load restores an index saved with Save into this empty instance. When a
// manifest is present both artifacts are verified against it. Nothing is
// changed unless every check passes.
func (l *LabeledIndex) Load(path string) error {
	switch l.state {
	case StateBuilt, StateLoaded:
		return fmt.Errorf("%w: load into %s index", pkgerrors.ErrAlreadyBuilt, l.state)
	case StateBuilding:
		return fmt.Errorf("%w: load into index with %d pending insertions", pkgerrors.ErrInvalidState, len(l.labels))
	}
	if err := checkPath(path); err != nil {
		return err
	}

	labelPath := LabelPath(path)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", pkgerrors.ErrMissingIndexFile, path)
		}
		return err
	}
	if _, err := os.Stat(labelPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", pkgerrors.ErrMissingLabelFile, labelPath)
		}
		return err
	}

	manifest, err := ReadManifest(path)
	switch {
	case err == nil:
		if err := l.verifyManifest(path, manifest); err != nil {
			return err
		}
	case errors.Is(err, os.ErrNotExist):
		manifest = nil
	default:
		return err
	}

	forest, err := annoy.New(l.dim, l.metric, l.opts...)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	err = forest.Load(f, info.Size())
	f.Close()
	if err != nil {
		return fmt.Errorf("load index file %s: %w", path, err)
	}

	data, err := os.ReadFile(labelPath)
	if err != nil {
		return err
	}
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return fmt.Errorf("decode label file %s: %w", labelPath, err)
	}
	if len(labels) != forest.NItems() {
		return fmt.Errorf("%w: %d labels for %d items", pkgerrors.ErrLabelCountMismatch, len(labels), forest.NItems())
	}
	if manifest != nil && manifest.Items != len(labels) {
		return fmt.Errorf("%w: manifest lists %d items, found %d", pkgerrors.ErrLabelCountMismatch, manifest.Items, len(labels))
	}

	l.forest = forest
	l.labels = labels
	l.state = StateLoaded
	logger.Debug("Loaded labeled index", "path", path, "items", len(labels), "trees", forest.NTrees())
	return nil
}

// Open is New followed by Load.
func Open(path string, dim int, metric annoy.Metric, opts ...annoy.Option) (*LabeledIndex, error) {
	l, err := New(dim, metric, opts...)
	if err != nil {
		return nil, err
	}
	if err := l.Load(path); err != nil {
		return nil, err
	}
	return l, nil
}
