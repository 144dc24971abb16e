package annoy

import (
	"container/heap"
	"fmt"
	"math"
	"sort"

	pkgerrors "imagesearch/pkg/errors"
)

type queueItem struct {
	priority float32
	node     int32
}

// nodeQueue is a max-heap on priority.
type nodeQueue []queueItem

func (q nodeQueue) Len() int            { return len(q) }
func (q nodeQueue) Less(i, j int) bool  { return q[i].priority > q[j].priority }
func (q nodeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x interface{}) { *q = append(*q, x.(queueItem)) }
func (q *nodeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// GetNnsByVector returns up to n item ids closest to v, nearest first, with their
// distances. searchK bounds the number of candidates inspected; searchK <= 0
// means n times the number of trees. Fewer than n results are returned only
// when the index holds fewer than n items.
func (ix *Index) GetNnsByVector(v []float32, n, searchK int) ([]int, []float32, error) {
	if !ix.built {
		return nil, nil, pkgerrors.ErrNotBuilt
	}
	if len(v) != ix.dim {
		return nil, nil, fmt.Errorf("%w: expected %d, got %d", pkgerrors.ErrDimensionMismatch, ix.dim, len(v))
	}
	ids, dists := ix.search(v, n, searchK)
	return ids, dists, nil
}

// GetNnsByItem is GetNnsByVector for the vector stored under id i.
func (ix *Index) GetNnsByItem(i, n, searchK int) ([]int, []float32, error) {
	if !ix.built {
		return nil, nil, pkgerrors.ErrNotBuilt
	}
	if i < 0 || i >= ix.nItems {
		return nil, nil, fmt.Errorf("annoy: item %d out of range [0,%d)", i, ix.nItems)
	}
	ids, dists := ix.search(ix.vector(int32(i)), n, searchK)
	return ids, dists, nil
}

func (ix *Index) search(v []float32, n, searchK int) ([]int, []float32) {
	if n <= 0 {
		return []int{}, []float32{}
	}
	if searchK <= 0 {
		searchK = n * len(ix.roots)
	}
	want := n
	if want > ix.nItems {
		want = ix.nItems
	}

	q := make(nodeQueue, 0, len(ix.roots)*2)
	for _, r := range ix.roots {
		q = append(q, queueItem{priority: float32(math.Inf(1)), node: r})
	}
	heap.Init(&q)

	capHint := min(searchK, ix.nItems)
	seen := make(map[int32]struct{}, capHint)
	candidates := make([]int32, 0, capHint)
	for q.Len() > 0 && (len(candidates) < searchK || len(candidates) < want) {
		top := heap.Pop(&q).(queueItem)
		nd := &ix.nodes[top.node]
		if nd.leaf() {
			for _, it := range nd.items {
				if _, ok := seen[it]; ok {
					continue
				}
				seen[it] = struct{}{}
				candidates = append(candidates, it)
			}
			continue
		}
		m := nd.margin(v)
		heap.Push(&q, queueItem{priority: min(top.priority, m), node: nd.children[1]})
		heap.Push(&q, queueItem{priority: min(top.priority, -m), node: nd.children[0]})
	}

	type scored struct {
		id   int32
		dist float32
	}
	results := make([]scored, len(candidates))
	for k, it := range candidates {
		results[k] = scored{id: it, dist: ix.metric.distance(v, ix.vector(it))}
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].dist != results[b].dist {
			return results[a].dist < results[b].dist
		}
		return results[a].id < results[b].id
	})
	if len(results) > n {
		results = results[:n]
	}

	ids := make([]int, len(results))
	dists := make([]float32, len(results))
	for k, r := range results {
		ids[k] = int(r.id)
		dists[k] = ix.metric.normalize(r.dist)
	}
	return ids, dists
}
