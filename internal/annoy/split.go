package annoy

import (
	"math/rand"
)

// treeBuilder grows one tree; each goroutine owns its own builder and RNG.
type treeBuilder struct {
	ix    *Index
	rng   *rand.Rand
	nodes []node
}

func (b *treeBuilder) add(n node) int32 {
	b.nodes = append(b.nodes, n)
	return int32(len(b.nodes) - 1)
}

func (b *treeBuilder) makeTree(items []int32) int32 {
	if len(items) <= b.ix.leafSize {
		leaf := make([]int32, len(items))
		copy(leaf, items)
		return b.add(node{items: leaf})
	}

	var (
		split       node
		left, right []int32
	)
	for attempt := 0; attempt < splitAttempts; attempt++ {
		split = b.createSplit(items)
		left, right = b.partition(&split, items)
		if imbalance(left, right) < 0.95 {
			break
		}
	}

	// no useful hyperplane: zero the normal and assign sides at random
	for imbalance(left, right) > 0.99 {
		split = node{normal: make([]float32, b.ix.dim)}
		left, right = left[:0], right[:0]
		for _, it := range items {
			if b.rng.Intn(2) == 0 {
				left = append(left, it)
			} else {
				right = append(right, it)
			}
		}
	}

	split.children[0] = b.makeTree(left)
	split.children[1] = b.makeTree(right)
	return b.add(split)
}

func imbalance(left, right []int32) float64 {
	l, r := float64(len(left)), float64(len(right))
	if l+r == 0 {
		return 0
	}
	if l > r {
		return l / (l + r)
	}
	return r / (l + r)
}

func (b *treeBuilder) partition(split *node, items []int32) (left, right []int32) {
	left = make([]int32, 0, len(items)/2+1)
	right = make([]int32, 0, len(items)/2+1)
	for _, it := range items {
		m := split.margin(b.ix.vector(it))
		switch {
		case m > 0:
			right = append(right, it)
		case m < 0:
			left = append(left, it)
		case b.rng.Intn(2) == 0:
			left = append(left, it)
		default:
			right = append(right, it)
		}
	}
	return left, right
}

// createSplit places a hyperplane between two centroids found by sampled two-means.
func (b *treeBuilder) createSplit(items []int32) node {
	dim := b.ix.dim
	normal := make([]float32, dim)

	switch b.ix.metric {
	case Hamming:
		return b.hammingSplit(items)
	case Angular, Dot:
		p, q := b.twoMeans(items, true)
		for z := range normal {
			normal[z] = p[z] - q[z]
		}
		normalizeInPlace(normal)
		return node{normal: normal}
	default:
		p, q := b.twoMeans(items, false)
		for z := range normal {
			normal[z] = p[z] - q[z]
		}
		normalizeInPlace(normal)
		var offset float32
		for z := range normal {
			offset -= normal[z] * (p[z] + q[z]) / 2
		}
		return node{normal: normal, offset: offset}
	}
}

func (b *treeBuilder) twoMeans(items []int32, cosine bool) (p, q []float32) {
	count := len(items)
	i := b.rng.Intn(count)
	j := b.rng.Intn(count - 1)
	if j >= i {
		j++
	}

	p = append([]float32(nil), b.ix.vector(items[i])...)
	q = append([]float32(nil), b.ix.vector(items[j])...)
	if cosine {
		normalizeInPlace(p)
		normalizeInPlace(q)
	}
	metric := b.ix.metric
	if metric == Dot {
		metric = Angular
	}

	ic, jc := float32(1), float32(1)
	for l := 0; l < twoMeansIterations; l++ {
		x := b.ix.vector(items[b.rng.Intn(count)])
		di := ic * metric.distance(p, x)
		dj := jc * metric.distance(q, x)

		scale := float32(1)
		if cosine {
			if n := norm(x); n > 0 {
				scale = 1 / n
			}
		}
		if di < dj {
			for z := range p {
				p[z] = (p[z]*ic + x[z]*scale) / (ic + 1)
			}
			ic++
		} else if dj < di {
			for z := range q {
				q[z] = (q[z]*jc + x[z]*scale) / (jc + 1)
			}
			jc++
		}
	}
	return p, q
}

// hammingSplit cuts on a single coordinate whose values differ among the items.
func (b *treeBuilder) hammingSplit(items []int32) node {
	dim := b.ix.dim
	for attempt := 0; attempt < dim; attempt++ {
		d := b.rng.Intn(dim)
		lo, hi := b.ix.vector(items[0])[d], b.ix.vector(items[0])[d]
		for _, it := range items[1:] {
			v := b.ix.vector(it)[d]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if lo == hi {
			continue
		}
		normal := make([]float32, dim)
		normal[d] = 1
		return node{normal: normal, offset: -(lo + hi) / 2}
	}
	return node{normal: make([]float32, dim)}
}
