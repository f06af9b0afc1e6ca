package cluster

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// reduce projects vectors down to dim components. The projection is a PCA
// onto the top principal directions followed by a local-neighborhood
// smoothing pass, which keeps nearby points nearby and tightens cluster
// structure before the mixture fit. Inputs with too few rows or already at
// or below the target dimensionality pass through unchanged.
func reduce(vectors [][]float64, dim int) [][]float64 {
	n := len(vectors)
	if n == 0 || dim <= 0 {
		return vectors
	}
	d := len(vectors[0])
	if d <= dim || n <= dim+1 {
		return vectors
	}

	// Center columns.
	means := make([]float64, d)
	for _, v := range vectors {
		for j, x := range v {
			means[j] += x
		}
	}
	for j := range means {
		means[j] /= float64(n)
	}

	data := mat.NewDense(n, d, nil)
	for i, v := range vectors {
		for j, x := range v {
			data.Set(i, j, x-means[j])
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(data, mat.SVDThin); !ok {
		return vectors
	}
	var v mat.Dense
	svd.VTo(&v)

	projected := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, dim)
		for j := 0; j < dim; j++ {
			var sum float64
			for k := 0; k < d; k++ {
				sum += data.At(i, k) * v.At(k, j)
			}
			row[j] = sum
		}
		projected[i] = row
	}

	return smoothNeighborhoods(projected)
}

// smoothNeighborhoods moves each point halfway toward the centroid of its
// nearest neighbors. One pass is enough to pull loose cluster members in
// without merging distinct groups.
func smoothNeighborhoods(points [][]float64) [][]float64 {
	n := len(points)
	k := 10
	if k > n-1 {
		k = n - 1
	}
	if k < 1 {
		return points
	}

	out := make([][]float64, n)
	dists := make([]struct {
		idx int
		d   float64
	}, n)
	for i, p := range points {
		for j, q := range points {
			dists[j].idx = j
			dists[j].d = sqDist(p, q)
		}
		sort.Slice(dists, func(a, b int) bool {
			if dists[a].d != dists[b].d {
				return dists[a].d < dists[b].d
			}
			return dists[a].idx < dists[b].idx
		})

		centroid := make([]float64, len(p))
		count := 0
		for _, e := range dists {
			if e.idx == i {
				continue
			}
			for c, x := range points[e.idx] {
				centroid[c] += x
			}
			count++
			if count == k {
				break
			}
		}
		row := make([]float64, len(p))
		for c := range row {
			row[c] = 0.5*p[c] + 0.5*centroid[c]/float64(count)
		}
		out[i] = row
	}
	return out
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}
