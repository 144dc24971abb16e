// Package server exposes a loaded index over HTTP.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"slices"
	"time"

	"imagesearch/internal/cache"
	"imagesearch/internal/config"
	"imagesearch/internal/index"
	"imagesearch/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/twmb/murmur3"
)

// cachedResult remembers the request it answers so that hash collisions are
// detected instead of served.
type cachedResult struct {
	vector  []float32
	k       int
	searchK int
	hits    []index.Neighbor
}

type Server struct {
	router   *gin.Engine
	searcher index.Searcher
	results  *cache.LRUCache[uint64, cachedResult]
	defaultK int
	searchK  int
}

// New wires the routes for searcher. searchK is the search breadth used when a
// request does not set one.
func New(searcher index.Searcher, conf config.ServerConfig, searchK int) *Server {
	defaultK := conf.DefaultK
	if defaultK <= 0 {
		defaultK = config.DefaultTopK
	}
	s := &Server{
		router:   gin.New(),
		searcher: searcher,
		results:  cache.NewLRUCache[uint64, cachedResult](conf.CacheSize),
		defaultK: defaultK,
		searchK:  searchK,
	}
	s.router.Use(gin.Recovery(), requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleHealthCheck())
	s.router.GET("/v1/index", s.handleIndexInfo())
	s.router.POST("/v1/search", s.handleSearch())
	s.router.GET("/v1/items/:position/neighbors", s.handleItemNeighbors())
}

// Handler returns the HTTP handler, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Query server listening", "addr", addr, "items", s.searcher.Len())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("Shutting down query server")
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func cacheKey(vector []float32, k, searchK int) uint64 {
	h := murmur3.New64()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(k)))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(searchK)))
	h.Write(buf[:])
	for _, v := range vector {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		h.Write(buf[:4])
	}
	return h.Sum64()
}

// search answers from the cache when the same request was seen before.
func (s *Server) search(vector []float32, k, searchK int) ([]index.Neighbor, bool, error) {
	key := cacheKey(vector, k, searchK)
	if hit, ok := s.results.Get(key); ok && hit.k == k && hit.searchK == searchK && slices.Equal(hit.vector, vector) {
		return hit.hits, true, nil
	}

	hits, err := s.searcher.QueryWithDistances(vector, k, searchK)
	if err != nil {
		return nil, false, err
	}
	s.results.Set(key, cachedResult{
		vector:  slices.Clone(vector),
		k:       k,
		searchK: searchK,
		hits:    hits,
	})
	return hits, false, nil
}
