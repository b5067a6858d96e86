package hashkey

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Distance int

const (
	DistanceL2 = Distance(iota)
	DistanceCosine
)

// ParseVector reads a pgvector-style literal: [1,2,3].
func ParseVector(value string) ([]float64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "[") || !strings.HasSuffix(value, "]") {
		return nil, fmt.Errorf("malformed vector literal: %q", value)
	}
	body := strings.TrimSpace(value[1 : len(value)-1])
	if body == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	parts := strings.Split(body, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %q: %w", p, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Centroids places vectors on shards by nearest centroid.
type Centroids [][]float64

func l2(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// Shard returns the shard of the nearest centroid. Ties break toward
// the lowest centroid index. Returns -1 when no centroid matches the
// vector's dimensions.
func (c Centroids) Shard(vector []float64, shards int, metric Distance) int {
	best := -1
	bestDist := math.Inf(1)

	for i, centroid := range c {
		if len(centroid) != len(vector) {
			continue
		}
		var d float64
		switch metric {
		case DistanceCosine:
			d = cosine(vector, centroid)
		default:
			d = l2(vector, centroid)
		}
		if d < bestDist {
			best = i
			bestDist = d
		}
	}

	if best < 0 {
		return -1
	}
	return best % shards
}
