// Package annoy implements an Annoy-style forest of random projection trees for
// approximate nearest neighbor search over fixed-dimension float32 vectors.
//
// An Index is filled with AddItem, compiled once with Build and is read-only
// afterwards: any number of goroutines may query a built or loaded Index
// concurrently. Items are addressed by dense integer ids starting at zero.
package annoy

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	pkgerrors "imagesearch/pkg/errors"
)

const (
	// twoMeansIterations bounds the sampling loop that places split centroids.
	twoMeansIterations = 200
	// splitAttempts is how many hyperplanes are tried before falling back to a random partition.
	splitAttempts = 3
	// maxAutoTrees caps Build(-1) on pathological inputs.
	maxAutoTrees = 1024
)

// Option configures an Index.
type Option func(*Index)

// WithSeed fixes the random source used for building; equal seeds give equal forests.
func WithSeed(seed int64) Option {
	return func(ix *Index) { ix.seed = seed }
}

// WithLeafSize sets the maximum number of items stored in one leaf.
// The default is dimension+2.
func WithLeafSize(n int) Option {
	return func(ix *Index) {
		if n >= 2 {
			ix.leafSize = n
		}
	}
}

// WithWorkers bounds the number of trees built in parallel.
func WithWorkers(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.workers = n
		}
	}
}

type node struct {
	items    []int32 // non-nil for leaves
	normal   []float32
	offset   float32
	children [2]int32
}

func (n *node) leaf() bool {
	return n.items != nil
}

// margin is the signed distance of v to the node's hyperplane.
func (n *node) margin(v []float32) float32 {
	return dot(n.normal, v) + n.offset
}

// Index is a random projection forest.
type Index struct {
	dim      int
	metric   Metric
	seed     int64
	leafSize int
	workers  int

	data   []float32 // item vectors, contiguous, dim values per item
	nItems int
	nodes  []node
	roots  []int32
	built  bool
}

// New creates an empty index.
func New(dim int, metric Metric, opts ...Option) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", pkgerrors.ErrInvalidDimension, dim)
	}
	if !metric.valid() {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrUnsupportedMetric, metric)
	}
	ix := &Index{
		dim:      dim,
		metric:   metric,
		leafSize: dim + 2,
		workers:  runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

func (ix *Index) Dimension() int { return ix.dim }
func (ix *Index) Metric() Metric { return ix.metric }
func (ix *Index) NItems() int    { return ix.nItems }
func (ix *Index) NTrees() int    { return len(ix.roots) }
func (ix *Index) Built() bool    { return ix.built }

func (ix *Index) vector(i int32) []float32 {
	off := int(i) * ix.dim
	return ix.data[off : off+ix.dim]
}

// AddItem stores vector under id i. Ids beyond the current end grow the index;
// skipped ids hold zero vectors.
func (ix *Index) AddItem(i int, vector []float32) error {
	if ix.built {
		return pkgerrors.ErrAlreadyBuilt
	}
	if i < 0 {
		return fmt.Errorf("annoy: negative item id %d", i)
	}
	if len(vector) != ix.dim {
		return fmt.Errorf("%w: expected %d, got %d", pkgerrors.ErrDimensionMismatch, ix.dim, len(vector))
	}
	if i >= ix.nItems {
		ix.data = append(ix.data, make([]float32, (i+1-ix.nItems)*ix.dim)...)
		ix.nItems = i + 1
	}
	copy(ix.data[i*ix.dim:], vector)
	return nil
}

// GetItem returns a copy of the vector stored under id i.
func (ix *Index) GetItem(i int) ([]float32, error) {
	if i < 0 || i >= ix.nItems {
		return nil, fmt.Errorf("annoy: item %d out of range [0,%d)", i, ix.nItems)
	}
	return append([]float32(nil), ix.vector(int32(i))...), nil
}

// Distance returns the reported distance between two stored items.
func (ix *Index) Distance(i, j int) (float32, error) {
	if i < 0 || i >= ix.nItems || j < 0 || j >= ix.nItems {
		return 0, fmt.Errorf("annoy: items (%d,%d) out of range [0,%d)", i, j, ix.nItems)
	}
	return ix.metric.normalize(ix.metric.distance(ix.vector(int32(i)), ix.vector(int32(j)))), nil
}

// Build compiles nTrees trees. With nTrees <= 0 trees are added until the forest
// holds about as many nodes as items, as Annoy does for n_trees=-1.
// After Build no more items can be added.
func (ix *Index) Build(nTrees int) error {
	if ix.built {
		return pkgerrors.ErrAlreadyBuilt
	}
	if ix.nItems == 0 {
		return pkgerrors.ErrEmptyIndex
	}

	var (
		nodes []node
		roots []int32
	)
	appendTrees := func(trees []tree) {
		for _, t := range trees {
			base := int32(len(nodes))
			for _, n := range t.nodes {
				if !n.leaf() {
					n.children[0] += base
					n.children[1] += base
				}
				nodes = append(nodes, n)
			}
			roots = append(roots, base+t.root)
		}
	}

	if nTrees > 0 {
		appendTrees(ix.buildTrees(0, nTrees))
	} else {
		for len(nodes)+ix.nItems < 2*ix.nItems && len(roots) < maxAutoTrees {
			appendTrees(ix.buildTrees(len(roots), ix.workers))
		}
	}

	ix.nodes = nodes
	ix.roots = roots
	ix.built = true
	return nil
}

type tree struct {
	nodes []node
	root  int32
}

// buildTrees builds count trees numbered from first on a bounded worker pool.
// Tree t is seeded with seed+t, so the output does not depend on scheduling.
func (ix *Index) buildTrees(first, count int) []tree {
	trees := make([]tree, count)
	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := ix.workers
	if workers > count {
		workers = count
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				b := &treeBuilder{ix: ix, rng: rand.New(rand.NewSource(ix.seed + int64(first+t)))}
				items := make([]int32, ix.nItems)
				for i := range items {
					items[i] = int32(i)
				}
				root := b.makeTree(items)
				trees[t] = tree{nodes: b.nodes, root: root}
			}
		}()
	}
	for t := 0; t < count; t++ {
		jobs <- t
	}
	close(jobs)
	wg.Wait()
	return trees
}
