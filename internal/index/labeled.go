package index

import (
	"fmt"
	"unicode/utf8"

	"imagesearch/internal/annoy"
	pkgerrors "imagesearch/pkg/errors"
)

// State is the lifecycle stage of a LabeledIndex. Transitions only move forward:
// Empty -> Building -> Built, or Empty -> Loaded.
type State int

const (
	StateEmpty State = iota
	StateBuilding
	StateBuilt
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	case StateLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Neighbor is one query hit.
type Neighbor struct {
	Label    string  `json:"label"`
	Distance float32 `json:"distance"`
}

// Searcher is the read-only view of a built or loaded index. It is safe for
// concurrent use.
type Searcher interface {
	Query(vector []float32, k, searchBreadth int) ([]string, error)
	QueryWithDistances(vector []float32, k, searchBreadth int) ([]Neighbor, error)
	QueryByPosition(position, k, searchBreadth int) ([]Neighbor, error)
	Len() int
	Dimension() int
	Metric() annoy.Metric
	Trees() int
}

// LabeledIndex pairs an ANN forest with one opaque label per item. The label at
// position i always belongs to the vector inserted at position i.
//
// A single goroutine owns the index while it is Building. Once Built or Loaded
// nothing mutates it and queries may run concurrently.
type LabeledIndex struct {
	dim    int
	metric annoy.Metric
	opts   []annoy.Option

	forest *annoy.Index
	labels []string
	state  State
}

var _ Searcher = (*LabeledIndex)(nil)

// New creates an empty index for vectors of length dim. opts are forwarded to
// the forest (seed, leaf size, build workers).
func New(dim int, metric annoy.Metric, opts ...annoy.Option) (*LabeledIndex, error) {
	forest, err := annoy.New(dim, metric, opts...)
	if err != nil {
		return nil, err
	}
	return &LabeledIndex{
		dim:    dim,
		metric: metric,
		opts:   opts,
		forest: forest,
		labels: make([]string, 0),
	}, nil
}

func (l *LabeledIndex) Len() int             { return len(l.labels) }
func (l *LabeledIndex) Dimension() int       { return l.dim }
func (l *LabeledIndex) Metric() annoy.Metric { return l.metric }
func (l *LabeledIndex) State() State         { return l.state }
func (l *LabeledIndex) Trees() int           { return l.forest.NTrees() }

// Label returns the label stored at position.
func (l *LabeledIndex) Label(position int) (string, bool) {
	if position < 0 || position >= len(l.labels) {
		return "", false
	}
	return l.labels[position], true
}

// Labels returns a copy of the label sequence in position order.
func (l *LabeledIndex) Labels() []string {
	return append([]string(nil), l.labels...)
}

func (l *LabeledIndex) queryable() bool {
	return l.state == StateBuilt || l.state == StateLoaded
}

// Insert appends vector and label at position, which must equal Len(). The
// label must be valid UTF-8.
func (l *LabeledIndex) Insert(position int, vector []float32, label string) error {
	if l.queryable() {
		return fmt.Errorf("%w: insert into %s index", pkgerrors.ErrAlreadyBuilt, l.state)
	}
	if position != len(l.labels) {
		return fmt.Errorf("%w: got position %d, next is %d", pkgerrors.ErrOutOfOrderInsertion, position, len(l.labels))
	}
	if len(vector) != l.dim {
		return fmt.Errorf("%w: expected %d, got %d", pkgerrors.ErrDimensionMismatch, l.dim, len(vector))
	}
	// the label file is JSON, which cannot carry invalid UTF-8 unchanged
	if !utf8.ValidString(label) {
		return fmt.Errorf("%w: label at position %d is not valid UTF-8", pkgerrors.ErrInvalidRecord, position)
	}
	if err := l.forest.AddItem(position, vector); err != nil {
		return err
	}
	l.labels = append(l.labels, label)
	l.state = StateBuilding
	return nil
}

// Build compiles the inserted vectors into quality trees (quality <= 0 picks
// the tree count automatically). The index is immutable afterwards.
func (l *LabeledIndex) Build(quality int) error {
	if l.queryable() {
		return fmt.Errorf("%w: build on %s index", pkgerrors.ErrAlreadyBuilt, l.state)
	}
	if len(l.labels) == 0 {
		return pkgerrors.ErrEmptyIndex
	}
	if err := l.forest.Build(quality); err != nil {
		return err
	}
	l.state = StateBuilt
	return nil
}

// Query returns the labels of the k nearest items to vector, nearest first.
// searchBreadth <= 0 inspects k times the number of trees.
func (l *LabeledIndex) Query(vector []float32, k, searchBreadth int) ([]string, error) {
	ids, _, err := l.nns(vector, k, searchBreadth)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = l.labels[id]
	}
	return out, nil
}

// QueryWithDistances is Query with the distance of every hit.
func (l *LabeledIndex) QueryWithDistances(vector []float32, k, searchBreadth int) ([]Neighbor, error) {
	ids, dists, err := l.nns(vector, k, searchBreadth)
	if err != nil {
		return nil, err
	}
	return l.neighbors(ids, dists), nil
}

// QueryByPosition finds the neighbors of an already indexed item. The item
// itself is usually the first hit.
func (l *LabeledIndex) QueryByPosition(position, k, searchBreadth int) ([]Neighbor, error) {
	if !l.queryable() {
		return nil, fmt.Errorf("%w: query on %s index", pkgerrors.ErrNotBuilt, l.state)
	}
	ids, dists, err := l.forest.GetNnsByItem(position, k, searchBreadth)
	if err != nil {
		return nil, err
	}
	return l.neighbors(ids, dists), nil
}

func (l *LabeledIndex) nns(vector []float32, k, searchBreadth int) ([]int, []float32, error) {
	if !l.queryable() {
		return nil, nil, fmt.Errorf("%w: query on %s index", pkgerrors.ErrNotBuilt, l.state)
	}
	if len(vector) != l.dim {
		return nil, nil, fmt.Errorf("%w: expected %d, got %d", pkgerrors.ErrDimensionMismatch, l.dim, len(vector))
	}
	return l.forest.GetNnsByVector(vector, k, searchBreadth)
}

func (l *LabeledIndex) neighbors(ids []int, dists []float32) []Neighbor {
	out := make([]Neighbor, len(ids))
	for i, id := range ids {
		out[i] = Neighbor{Label: l.labels[id], Distance: dists[i]}
	}
	return out
}
