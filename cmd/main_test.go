package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParseVector(t *testing.T) {
	testCases := []struct {
		in   string
		want []float32
	}{
		{"1,2,3", []float32{1, 2, 3}},
		{" 0.5, -1 ", []float32{0.5, -1}},
		{"[1.5, 2]", []float32{1.5, 2}},
	}
	for _, tc := range testCases {
		got, err := parseVector(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, err := parseVector("1,x")
	assert.Error(t, err)
	_, err = parseVector("[1,")
	assert.Error(t, err)
}

func TestPipeline(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
log:
  level: error
index:
  dimension: 3
  build_quality: 5
  workers: 2
`), 0644))

	records := filepath.Join(dir, "records.jsonl")
	require.NoError(t, os.WriteFile(records, []byte(strings.Join([]string{
		`{"vector": [1, 0, 0], "label": "images/a.jpg"}`,
		`{"vector": [0, 1, 0], "label": "images/b.jpg"}`,
		`{"images": [0, 0, 1], "s3_link": "images/c.jpg"}`,
	}, "\n")), 0644))

	out, err := execute(t, "--dir", dir, "ingest", records)
	require.NoError(t, err, out)
	assert.Contains(t, out, "ingested 3 records (3 total)")

	out, err = execute(t, "--dir", dir, "build")
	require.NoError(t, err, out)
	assert.Contains(t, out, "built 3 items into 5 trees")

	out, err = execute(t, "--dir", dir, "query", "--vector", "0.1,0.9,0", "--k", "1")
	require.NoError(t, err, out)
	assert.Equal(t, "[\"images/b.jpg\"]\n", out)

	out, err = execute(t, "--dir", dir, "info")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"items": 3`)

	out, err = execute(t, "--dir", dir, "push")
	require.NoError(t, err, out)
	assert.Contains(t, out, "pushed artifacts.tar.gz")
	assert.FileExists(t, filepath.Join(dir, "registry", "model-registry", "artifacts.tar.gz"))

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "embeddings")))
	out, err = execute(t, "--dir", dir, "pull")
	require.NoError(t, err, out)
	assert.Contains(t, out, "pulled 3 files, index has 3 items in 5 trees")

	out, err = execute(t, "--dir", dir, "query", "--vector", "[0, 0, 2]", "--k", "5")
	require.NoError(t, err, out)
	assert.True(t, strings.HasPrefix(out, "[\"images/c.jpg\""), out)

	_, err = execute(t, "--dir", dir, "drop")
	assert.Error(t, err)
	_, err = execute(t, "--dir", dir, "drop", "--yes")
	require.NoError(t, err)
}
