package server

import (
	"errors"
	"net/http"
	"strconv"

	pkgerrors "imagesearch/pkg/errors"

	"github.com/gin-gonic/gin"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrNotBuilt):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) handleIndexInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, IndexInfoResponse{
			Items:     s.searcher.Len(),
			Dimension: s.searcher.Dimension(),
			Metric:    s.searcher.Metric().String(),
			Trees:     s.searcher.Trees(),
			Cache:     s.results.Stats(),
		})
	}
}

func (s *Server) handleSearch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		k := req.K
		if k <= 0 {
			k = s.defaultK
		}
		searchK := s.searchK
		if req.SearchK != nil {
			searchK = *req.SearchK
		}

		hits, cached, err := s.search(req.Vector, k, searchK)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		resp := SearchResponse{Cached: cached}
		if req.IncludeDistances {
			resp.Results = hits
		} else {
			resp.Labels = make([]string, len(hits))
			for i, h := range hits {
				resp.Labels[i] = h.Label
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) handleItemNeighbors() gin.HandlerFunc {
	return func(c *gin.Context) {
		position, err := strconv.Atoi(c.Param("position"))
		if err != nil || position < 0 || position >= s.searcher.Len() {
			c.JSON(http.StatusNotFound, gin.H{"error": "no item at position " + c.Param("position")})
			return
		}
		k, err := strconv.Atoi(c.DefaultQuery("k", strconv.Itoa(s.defaultK)))
		if err != nil || k <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid k"})
			return
		}
		searchK, err := strconv.Atoi(c.DefaultQuery("search_k", strconv.Itoa(s.searchK)))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid search_k"})
			return
		}

		hits, err := s.searcher.QueryByPosition(position, k, searchK)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, SearchResponse{Results: hits})
	}
}
