package server

import "imagesearch/internal/index"

// SearchRequest is the body of POST /v1/search.
type SearchRequest struct {
	Vector           []float32 `json:"vector" binding:"required"`
	K                int       `json:"k"`
	SearchK          *int      `json:"search_k,omitempty"`
	IncludeDistances bool      `json:"include_distances"`
}

// SearchResponse carries Labels, or Results when distances were requested.
type SearchResponse struct {
	Labels  []string         `json:"labels,omitempty"`
	Results []index.Neighbor `json:"results,omitempty"`
	Cached  bool             `json:"cached"`
}

// IndexInfoResponse describes the index being served.
type IndexInfoResponse struct {
	Items     int         `json:"items"`
	Dimension int         `json:"dimension"`
	Metric    string      `json:"metric"`
	Trees     int         `json:"trees"`
	Cache     interface{} `json:"cache"`
}
