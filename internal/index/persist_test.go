package index

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"imagesearch/internal/annoy"
	pkgerrors "imagesearch/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiblingPaths(t *testing.T) {
	testCases := []struct {
		index, labels, manifest string
	}{
		{"idx.ann", "idx.json", "idx.manifest.json"},
		{"data/embeddings/embeddings.ann", "data/embeddings/embeddings.json", "data/embeddings/embeddings.manifest.json"},
		{"noext", "noext.json", "noext.manifest.json"},
		{"dir.v2/index.bin", "dir.v2/index.json", "dir.v2/index.manifest.json"},
	}
	for _, tc := range testCases {
		t.Run(tc.index, func(t *testing.T) {
			assert.Equal(t, tc.labels, LabelPath(tc.index))
			assert.Equal(t, tc.manifest, ManifestPath(tc.index))
			assert.Equal(t, []string{tc.index, tc.labels, tc.manifest}, ArtifactPaths(tc.index))
		})
	}
}

func TestScenarioSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.ann")

	idx := newScenarioIndex(t)
	require.NoError(t, idx.Save(path))

	assert.FileExists(t, path)
	assert.FileExists(t, filepath.Join(dir, "idx.json"))
	assert.FileExists(t, filepath.Join(dir, "idx.manifest.json"))

	data, err := os.ReadFile(filepath.Join(dir, "idx.json"))
	require.NoError(t, err)
	var labels []string
	require.NoError(t, json.Unmarshal(data, &labels))
	assert.Equal(t, []string{"a", "b", "c"}, labels)

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}

	m, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Items)
	assert.Equal(t, 4, m.Dimension)
	assert.Equal(t, "euclidean", m.Metric)
	assert.Equal(t, 10, m.Trees)
	assert.Equal(t, "idx.ann", m.IndexFile)
	assert.Equal(t, "idx.json", m.LabelFile)
	assert.NotEmpty(t, m.BuildID)
	assert.Len(t, m.IndexChecksum, 16)
}

func TestScenarioRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ann")
	idx := newScenarioIndex(t)
	require.NoError(t, idx.Save(path))

	want, err := idx.Query([]float32{1, 0, 0, 0}, 3, -1)
	require.NoError(t, err)

	loaded, err := New(4, annoy.Euclidean)
	require.NoError(t, err)
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, StateLoaded, loaded.State())

	got, err := loaded.Query([]float32{1, 0, 0, 0}, 3, -1)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "a", got[0])
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	const dim = 16
	idx, err := New(dim, annoy.Angular, annoy.WithSeed(8))
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()*2 - 1
		}
		require.NoError(t, idx.Insert(i, v, strings.Repeat("x", i%7)+string(rune('a'+i%26))))
	}
	require.NoError(t, idx.Build(20))

	path := filepath.Join(t.TempDir(), "nested", "dir", "embeddings.ann")
	require.NoError(t, idx.Save(path))

	loaded, err := Open(path, dim, annoy.Angular)
	require.NoError(t, err)
	assert.Equal(t, idx.Len(), loaded.Len())
	assert.Equal(t, idx.Trees(), loaded.Trees())
	assert.Equal(t, idx.Labels(), loaded.Labels())

	for q := 0; q < 20; q++ {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()*2 - 1
		}
		want, err := idx.QueryWithDistances(v, 10, 200)
		require.NoError(t, err)
		got, err := loaded.QueryWithDistances(v, 10, 200)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLoadedIsImmutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ann")
	require.NoError(t, newScenarioIndex(t).Save(path))

	loaded, err := Open(path, 4, annoy.Euclidean)
	require.NoError(t, err)

	assert.ErrorIs(t, loaded.Insert(3, []float32{0, 0, 0, 1}, "d"), pkgerrors.ErrAlreadyBuilt)
	assert.ErrorIs(t, loaded.Build(10), pkgerrors.ErrAlreadyBuilt)
	assert.ErrorIs(t, loaded.Load(path), pkgerrors.ErrAlreadyBuilt)
	assert.Equal(t, 3, loaded.Len())

	// a loaded index can be saved again
	copyPath := filepath.Join(t.TempDir(), "copy.ann")
	require.NoError(t, loaded.Save(copyPath))
	again, err := Open(copyPath, 4, annoy.Euclidean)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, again.Labels())
}

func TestSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ann")
	require.NoError(t, newScenarioIndex(t).Save(path))

	idx, err := New(4, annoy.Euclidean)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(0, []float32{0, 0, 0, 1}, "z"))
	require.NoError(t, idx.Build(2))
	require.NoError(t, idx.Save(path))

	loaded, err := Open(path, 4, annoy.Euclidean)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, loaded.Labels())
}

func TestSaveErrors(t *testing.T) {
	idx, err := New(4, annoy.Euclidean)
	require.NoError(t, err)
	assert.ErrorIs(t, idx.Save(filepath.Join(t.TempDir(), "idx.ann")), pkgerrors.ErrNotBuilt)

	built := newScenarioIndex(t)
	assert.ErrorIs(t, built.Save(filepath.Join(t.TempDir(), "idx.json")), pkgerrors.ErrInvalidPath)
	assert.ErrorIs(t, built.Save(""), pkgerrors.ErrInvalidPath)
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.ann")

	idx, err := New(4, annoy.Euclidean)
	require.NoError(t, err)
	assert.ErrorIs(t, idx.Load(path), pkgerrors.ErrMissingIndexFile)

	require.NoError(t, newScenarioIndex(t).Save(path))
	require.NoError(t, os.Remove(LabelPath(path)))

	assert.ErrorIs(t, idx.Load(path), pkgerrors.ErrMissingLabelFile)
	assert.Equal(t, StateEmpty, idx.State())
	assert.Equal(t, 0, idx.Len())
}

func TestLoadLabelCountMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ann")
	require.NoError(t, newScenarioIndex(t).Save(path))

	// without a manifest only the count check can catch the damage
	require.NoError(t, os.Remove(ManifestPath(path)))
	require.NoError(t, os.WriteFile(LabelPath(path), []byte(`["a","b"]`), 0644))

	idx, err := New(4, annoy.Euclidean)
	require.NoError(t, err)
	assert.ErrorIs(t, idx.Load(path), pkgerrors.ErrLabelCountMismatch)
	assert.Equal(t, StateEmpty, idx.State())

	_, err = idx.Query([]float32{1, 0, 0, 0}, 1, -1)
	assert.ErrorIs(t, err, pkgerrors.ErrNotBuilt)
}

func TestLoadChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ann")
	require.NoError(t, newScenarioIndex(t).Save(path))

	// same count, different labels: a label file from another build
	require.NoError(t, os.WriteFile(LabelPath(path), []byte(`["x","y","z"]`), 0644))

	idx, err := New(4, annoy.Euclidean)
	require.NoError(t, err)
	assert.ErrorIs(t, idx.Load(path), pkgerrors.ErrChecksumMismatch)
	assert.Equal(t, StateEmpty, idx.State())
}

func TestLoadIncompatible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ann")
	require.NoError(t, newScenarioIndex(t).Save(path))

	_, err := Open(path, 8, annoy.Euclidean)
	assert.ErrorIs(t, err, pkgerrors.ErrIncompatibleIndex)

	_, err = Open(path, 4, annoy.Angular)
	assert.ErrorIs(t, err, pkgerrors.ErrIncompatibleIndex)

	// the forest header is checked even without a manifest
	require.NoError(t, os.Remove(ManifestPath(path)))
	_, err = Open(path, 4, annoy.Manhattan)
	assert.ErrorIs(t, err, pkgerrors.ErrIncompatibleIndex)
}

func TestLoadIntoBuildingIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ann")
	require.NoError(t, newScenarioIndex(t).Save(path))

	idx, err := New(4, annoy.Euclidean)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(0, []float32{1, 1, 1, 1}, "pending"))

	assert.ErrorIs(t, idx.Load(path), pkgerrors.ErrInvalidState)
	assert.Equal(t, []string{"pending"}, idx.Labels())
}

func TestLoadCorruptLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ann")
	require.NoError(t, newScenarioIndex(t).Save(path))
	require.NoError(t, os.Remove(ManifestPath(path)))
	require.NoError(t, os.WriteFile(LabelPath(path), []byte(`{not json`), 0644))

	_, err := Open(path, 4, annoy.Euclidean)
	assert.Error(t, err)
}

func TestLoadOversizedHeaderWithoutManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.ann")

	// a 48 byte file whose header claims 2^32-1 vectors of dimension 256
	var buf bytes.Buffer
	buf.WriteString("ANNF")
	for _, v := range []uint32{1, uint32(annoy.Euclidean), 256, 258, math.MaxUint32, 1, 1} {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, int64(0)))
	buf.Write(make([]byte, 8))
	require.Equal(t, 48, buf.Len())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	require.NoError(t, os.WriteFile(LabelPath(path), []byte(`[]`), 0644))

	idx, err := New(256, annoy.Euclidean)
	require.NoError(t, err)
	assert.ErrorIs(t, idx.Load(path), pkgerrors.ErrIncompatibleIndex)
	assert.Equal(t, StateEmpty, idx.State())
	assert.Equal(t, 0, idx.Len())
}

func TestLabelsRoundTripExactly(t *testing.T) {
	labels := []string{
		"s3://bucket/images/caf\u00e9.jpg",
		"https://example.com/a b/\u65e5\u672c.png",
		"",
		"quote\" and \\ backslash",
	}
	idx, err := New(2, annoy.Euclidean)
	require.NoError(t, err)
	for i, l := range labels {
		require.NoError(t, idx.Insert(i, []float32{float32(i), 1}, l))
	}
	require.NoError(t, idx.Build(2))

	path := filepath.Join(t.TempDir(), "idx.ann")
	require.NoError(t, idx.Save(path))
	loaded, err := Open(path, 2, annoy.Euclidean)
	require.NoError(t, err)
	assert.Equal(t, labels, loaded.Labels())
}
