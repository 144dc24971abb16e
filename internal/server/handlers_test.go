package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"imagesearch/internal/annoy"
	"imagesearch/internal/config"
	"imagesearch/internal/index"
	pkgerrors "imagesearch/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// countingSearcher counts forest queries so cache hits can be observed.
type countingSearcher struct {
	index.Searcher
	queries atomic.Int32
}

func (c *countingSearcher) QueryWithDistances(v []float32, k, searchK int) ([]index.Neighbor, error) {
	c.queries.Add(1)
	return c.Searcher.QueryWithDistances(v, k, searchK)
}

func setupTestServer(t *testing.T) (*Server, *countingSearcher) {
	t.Helper()
	idx, err := index.New(4, annoy.Euclidean, annoy.WithSeed(1))
	require.NoError(t, err)
	require.NoError(t, idx.Insert(0, []float32{1, 0, 0, 0}, "a"))
	require.NoError(t, idx.Insert(1, []float32{0, 1, 0, 0}, "b"))
	require.NoError(t, idx.Insert(2, []float32{0, 0, 1, 0}, "c"))
	require.NoError(t, idx.Build(10))

	searcher := &countingSearcher{Searcher: idx}
	conf := config.Default(t.TempDir()).Server
	conf.DefaultK = 2
	return New(searcher, conf, -1), searcher
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, r)
	return w
}

func TestHandleHealthCheck(t *testing.T) {
	server, _ := setupTestServer(t)
	w := doJSON(t, server, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleIndexInfo(t *testing.T) {
	server, _ := setupTestServer(t)
	w := doJSON(t, server, http.MethodGet, "/v1/index", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Items     int    `json:"items"`
		Dimension int    `json:"dimension"`
		Metric    string `json:"metric"`
		Trees     int    `json:"trees"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Items)
	assert.Equal(t, 4, resp.Dimension)
	assert.Equal(t, "euclidean", resp.Metric)
	assert.Equal(t, 10, resp.Trees)
}

func TestHandleSearch(t *testing.T) {
	server, _ := setupTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/v1/search", SearchRequest{Vector: []float32{0.9, 0.1, 0, 0}, K: 2})
	require.Equal(t, http.StatusOK, w.Code)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"a", "b"}, resp.Labels)
	assert.Empty(t, resp.Results)

	// k larger than the index returns everything, without padding
	w = doJSON(t, server, http.MethodPost, "/v1/search", SearchRequest{Vector: []float32{0, 0, 1, 0}, K: 50, IncludeDistances: true})
	require.Equal(t, http.StatusOK, w.Code)
	resp = SearchResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "c", resp.Results[0].Label)
	assert.InDelta(t, 0, resp.Results[0].Distance, 1e-6)

	// k omitted falls back to the configured default
	w = doJSON(t, server, http.MethodPost, "/v1/search", SearchRequest{Vector: []float32{1, 0, 0, 0}})
	require.Equal(t, http.StatusOK, w.Code)
	resp = SearchResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Labels, 2)
}

func TestHandleSearchErrors(t *testing.T) {
	server, _ := setupTestServer(t)

	testCases := []struct {
		name string
		body interface{}
		code int
	}{
		{"missing vector", map[string]int{"k": 1}, http.StatusBadRequest},
		{"wrong dimension", SearchRequest{Vector: []float32{1, 0}, K: 1}, http.StatusBadRequest},
		{"not json", "nope", http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, server, http.MethodPost, "/v1/search", tc.body)
			assert.Equal(t, tc.code, w.Code)
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestHandleSearchNotBuilt(t *testing.T) {
	idx, err := index.New(4, annoy.Euclidean)
	require.NoError(t, err)
	server := New(idx, config.ServerConfig{CacheSize: 4}, -1)

	w := doJSON(t, server, http.MethodPost, "/v1/search", SearchRequest{Vector: []float32{1, 0, 0, 0}, K: 1})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), pkgerrors.ErrNotBuilt.Error())
}

func TestSearchCache(t *testing.T) {
	server, searcher := setupTestServer(t)
	req := SearchRequest{Vector: []float32{0, 1, 0, 0}, K: 1}

	first := doJSON(t, server, http.MethodPost, "/v1/search", req)
	second := doJSON(t, server, http.MethodPost, "/v1/search", req)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b SearchResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.False(t, a.Cached)
	assert.True(t, b.Cached)
	assert.Equal(t, a.Labels, b.Labels)
	assert.Equal(t, int32(1), searcher.queries.Load())

	// a different k is a different request
	req.K = 2
	doJSON(t, server, http.MethodPost, "/v1/search", req)
	assert.Equal(t, int32(2), searcher.queries.Load())
}

func TestHandleItemNeighbors(t *testing.T) {
	server, _ := setupTestServer(t)

	w := doJSON(t, server, http.MethodGet, "/v1/items/1/neighbors?k=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "b", resp.Results[0].Label)

	assert.Equal(t, http.StatusNotFound, doJSON(t, server, http.MethodGet, "/v1/items/9/neighbors", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, server, http.MethodGet, "/v1/items/x/neighbors", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, server, http.MethodGet, "/v1/items/0/neighbors?k=zero", nil).Code)
}

func TestCacheKey(t *testing.T) {
	v := []float32{1, 2, 3}
	assert.Equal(t, cacheKey(v, 5, -1), cacheKey([]float32{1, 2, 3}, 5, -1))
	assert.NotEqual(t, cacheKey(v, 5, -1), cacheKey(v, 6, -1))
	assert.NotEqual(t, cacheKey(v, 5, -1), cacheKey(v, 5, 100))
	assert.NotEqual(t, cacheKey(v, 5, -1), cacheKey([]float32{1, 2, 4}, 5, -1))
}
