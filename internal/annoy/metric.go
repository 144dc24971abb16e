package annoy

import (
	"fmt"
	"math"
	"strings"

	pkgerrors "imagesearch/pkg/errors"
)

// Metric selects the distance function of an index.
type Metric uint8

const (
	Angular Metric = iota + 1
	Euclidean
	Manhattan
	Hamming
	Dot
)

var metricNames = map[Metric]string{
	Angular:   "angular",
	Euclidean: "euclidean",
	Manhattan: "manhattan",
	Hamming:   "hamming",
	Dot:       "dot",
}

// ParseMetric accepts the Annoy metric names.
func ParseMetric(s string) (Metric, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for m, n := range metricNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", pkgerrors.ErrUnsupportedMetric, s)
}

func (m Metric) String() string {
	if n, ok := metricNames[m]; ok {
		return n
	}
	return fmt.Sprintf("metric(%d)", uint8(m))
}

func (m Metric) valid() bool {
	_, ok := metricNames[m]
	return ok
}

// distance is the ranking distance: monotonic in the reported distance but cheaper
// (squared for euclidean, 2-2cos for angular, negated inner product for dot).
func (m Metric) distance(a, b []float32) float32 {
	switch m {
	case Angular:
		var pp, qq, pq float32
		for i := range a {
			pp += a[i] * a[i]
			qq += b[i] * b[i]
			pq += a[i] * b[i]
		}
		ppqq := pp * qq
		if ppqq <= 0 {
			return 2.0
		}
		return 2.0 - 2.0*pq/float32(math.Sqrt(float64(ppqq)))
	case Manhattan:
		var sum float32
		for i := range a {
			sum += float32(math.Abs(float64(a[i] - b[i])))
		}
		return sum
	case Hamming:
		var diff float32
		for i := range a {
			if a[i] != b[i] {
				diff++
			}
		}
		return diff
	case Dot:
		return -dot(a, b)
	default:
		var sum float32
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return sum
	}
}

// normalize converts a ranking distance into the value reported to callers.
// For dot the reported value is the inner product itself.
func (m Metric) normalize(d float32) float32 {
	switch m {
	case Angular, Euclidean:
		if d < 0 {
			d = 0
		}
		return float32(math.Sqrt(float64(d)))
	case Dot:
		return -d
	default:
		return d
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(v []float32) float32 {
	return float32(math.Sqrt(float64(dot(v, v))))
}

// normalizeInPlace scales v to unit length; zero vectors are left untouched.
func normalizeInPlace(v []float32) {
	n := norm(v)
	if n == 0 {
		return
	}
	for i := range v {
		v[i] /= n
	}
}
