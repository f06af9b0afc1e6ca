// Package cluster groups embedding vectors into soft, possibly overlapping
// clusters. A fit reduces dimensionality, sweeps Gaussian mixture sizes
// under BIC, then re-splits any cluster whose member texts exceed the
// summarization token budget.
package cluster

import (
	"math/rand"

	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/mathutil"
)

// degenerateSpread is the squared-distance floor under which a vector set
// is treated as identical points and never split.
const degenerateSpread = 1e-8

// Engine runs clustering with a fixed configuration. The configured seed
// makes repeated runs over the same vectors produce the same clusters.
type Engine struct {
	cfg config.ClusterConfig
}

func New(cfg config.ClusterConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Cluster partitions the given vectors into clusters of input positions.
// tokens[i] is the token count of item i, used by the size guard. Soft
// assignment can place one position in several clusters; every position
// lands in at least one.
func (e *Engine) Cluster(vectors [][]float32, tokens []int) ([][]int, error) {
	n := len(vectors)
	switch {
	case n == 0:
		return nil, nil
	case n == 1:
		return [][]int{{0}}, nil
	}

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	if e.cfg.MinClusterNodes > 0 && n < e.cfg.MinClusterNodes {
		return [][]int{all}, nil
	}
	if mathutil.MaxPairwiseSqDist(vectors) < degenerateSpread {
		return [][]int{all}, nil
	}

	points := make([][]float64, n)
	for i, v := range vectors {
		row := make([]float64, len(v))
		for j, x := range v {
			row[j] = float64(x)
		}
		points[i] = row
	}

	rng := rand.New(rand.NewSource(e.cfg.Seed))
	return e.split(points, all, tokens, rng, 0), nil
}

// split clusters the subset named by indices, then recursively re-splits
// oversized clusters until they fit the token budget or the recursion
// limit accepts them as-is.
func (e *Engine) split(points [][]float64, indices []int, tokens []int, rng *rand.Rand, depth int) [][]int {
	local := make([][]float64, len(indices))
	for i, idx := range indices {
		local[i] = points[idx]
	}

	groups := e.clusterOnce(local, rng)

	var out [][]int
	for _, g := range groups {
		members := make([]int, len(g))
		for i, pos := range g {
			members[i] = indices[pos]
		}
		if !e.oversized(members, tokens) || len(members) < 2 ||
			depth >= e.cfg.MaxRecursionDepth || len(members) == len(indices) {
			out = append(out, members)
			continue
		}
		out = append(out, e.split(points, members, tokens, rng, depth+1)...)
	}
	return out
}

func (e *Engine) oversized(members []int, tokens []int) bool {
	if e.cfg.MaxClusterTokens <= 0 {
		return false
	}
	total := 0
	for _, idx := range members {
		total += tokens[idx]
	}
	return total > e.cfg.MaxClusterTokens
}

// clusterOnce fits mixtures of size 1..maxClusters over the (reduced)
// points and soft-assigns by membership threshold against the best fit.
// BIC ties resolve to the smaller model.
func (e *Engine) clusterOnce(points [][]float64, rng *rand.Rand) [][]int {
	n := len(points)
	reduced := reduce(points, e.cfg.ReduceDim)
	d := len(reduced[0])

	maxK := e.cfg.MaxClusters
	if maxK < 1 {
		maxK = 1
	}
	if maxK > n {
		maxK = n
	}

	var best *gmm
	bestBIC := 0.0
	for k := 1; k <= maxK; k++ {
		m, ll := fitGMM(reduced, k, rng)
		score := bic(ll, k, n, d)
		if best == nil || score < bestBIC {
			best = m
			bestBIC = score
		}
	}
	if best.k == 1 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return [][]int{all}
	}

	resp := best.responsibilities(reduced)
	groups := make([][]int, best.k)
	for i, row := range resp {
		argmax := 0
		for c, r := range row {
			if r > row[argmax] {
				argmax = c
			}
		}
		assigned := false
		for c, r := range row {
			if r >= e.cfg.MembershipThreshold {
				groups[c] = append(groups[c], i)
				if c == argmax {
					assigned = true
				}
			}
		}
		// The most likely component always keeps the point, threshold or not.
		if !assigned {
			groups[argmax] = append(groups[argmax], i)
		}
	}

	var out [][]int
	for _, g := range groups {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out
}
