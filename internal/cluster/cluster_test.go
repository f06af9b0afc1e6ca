package cluster

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/oho/corpustree/internal/config"
)

func newTestRNG() *rand.Rand { return rand.New(rand.NewSource(1)) }

func testConfig() config.ClusterConfig {
	return config.ClusterConfig{
		ReduceDim:           4,
		MaxClusters:         5,
		MembershipThreshold: 0.3,
		MaxClusterTokens:    0,
		MaxRecursionDepth:   3,
		MinClusterNodes:     0,
		Seed:                224,
	}
}

// twoBlobs builds tight groups around (0,0) and (10,10).
func twoBlobs(perBlob int) [][]float32 {
	var vecs [][]float32
	for i := 0; i < perBlob; i++ {
		off := float32(i) * 0.01
		vecs = append(vecs, []float32{off, -off})
	}
	for i := 0; i < perBlob; i++ {
		off := float32(i) * 0.01
		vecs = append(vecs, []float32{10 + off, 10 - off})
	}
	return vecs
}

func uniformTokens(n, each int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = each
	}
	return tokens
}

func TestClusterEmptyAndSingleton(t *testing.T) {
	e := New(testConfig())

	groups, err := e.Cluster(nil, nil)
	if err != nil || groups != nil {
		t.Errorf("empty input: got %v, %v", groups, err)
	}

	groups, err = e.Cluster([][]float32{{1, 2}}, []int{10})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(groups, [][]int{{0}}) {
		t.Errorf("singleton: got %v", groups)
	}
}

func TestClusterSeparatesTwoBlobs(t *testing.T) {
	e := New(testConfig())
	vecs := twoBlobs(6)

	groups, err := e.Cluster(vecs, uniformTokens(len(vecs), 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 clusters, got %d: %v", len(groups), groups)
	}
	for _, g := range groups {
		low, high := 0, 0
		for _, idx := range g {
			if idx < 6 {
				low++
			} else {
				high++
			}
		}
		if low > 0 && high > 0 {
			t.Errorf("cluster mixes the two blobs: %v", g)
		}
	}
}

func TestClusterNearIdenticalVectors(t *testing.T) {
	e := New(testConfig())
	vecs := [][]float32{
		{0.5, 0.5, 0.5},
		{0.5, 0.500001, 0.5},
		{0.500001, 0.5, 0.5},
		{0.5, 0.5, 0.500001},
		{0.5, 0.5, 0.5},
	}
	groups, err := e.Cluster(vecs, uniformTokens(5, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0]) != 5 {
		t.Errorf("near-identical vectors must form one cluster, got %v", groups)
	}
}

func TestClusterMinNodesGuard(t *testing.T) {
	cfg := testConfig()
	cfg.MinClusterNodes = 4
	e := New(cfg)

	groups, err := e.Cluster(twoBlobs(6)[:3], uniformTokens(3, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0]) != 3 {
		t.Errorf("below min nodes must stay one cluster, got %v", groups)
	}
}

func TestClusterDeterministicWithSeed(t *testing.T) {
	vecs := twoBlobs(8)
	tokens := uniformTokens(len(vecs), 10)

	a, err := New(testConfig()).Cluster(vecs, tokens)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(testConfig()).Cluster(vecs, tokens)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("same seed produced different clusters:\n%v\n%v", a, b)
	}
}

func TestClusterZeroThresholdGivesFullOverlap(t *testing.T) {
	cfg := testConfig()
	cfg.MembershipThreshold = 0
	e := New(cfg)
	vecs := twoBlobs(6)

	groups, err := e.Cluster(vecs, uniformTokens(len(vecs), 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) < 2 {
		t.Fatalf("expected multiple clusters, got %v", groups)
	}
	for i, g := range groups {
		if len(g) != len(vecs) {
			t.Errorf("threshold 0 should place every point in cluster %d, got %d members", i, len(g))
		}
	}
}

func TestClusterSizeGuardCoversAllPoints(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClusterTokens = 50
	cfg.MaxRecursionDepth = 2
	e := New(cfg)
	vecs := twoBlobs(8)

	groups, err := e.Cluster(vecs, uniformTokens(len(vecs), 40))
	if err != nil {
		t.Fatal(err)
	}
	covered := map[int]bool{}
	for _, g := range groups {
		if len(g) == 0 {
			t.Error("empty cluster emitted")
		}
		for _, idx := range g {
			covered[idx] = true
		}
	}
	if len(covered) != len(vecs) {
		t.Errorf("size guard dropped points: %d of %d covered", len(covered), len(vecs))
	}
}

func TestClusterRecursionLimitAcceptsOversized(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClusterTokens = 1
	cfg.MaxRecursionDepth = 0
	e := New(cfg)
	vecs := twoBlobs(5)

	groups, err := e.Cluster(vecs, uniformTokens(len(vecs), 100))
	if err != nil {
		t.Fatal(err)
	}
	// Depth 0 means the first split is final even though every cluster is
	// over budget.
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if total < len(vecs) {
		t.Errorf("oversized clusters at the recursion limit must be kept, got %v", groups)
	}
}

func TestReducePassThrough(t *testing.T) {
	points := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	got := reduce(points, 4)
	if !reflect.DeepEqual(got, points) {
		t.Error("low-dimensional input should pass through unchanged")
	}
}

func TestReduceShrinksDimension(t *testing.T) {
	var points [][]float64
	for i := 0; i < 20; i++ {
		row := make([]float64, 16)
		for j := range row {
			row[j] = float64((i*7+j*3)%11) / 11
		}
		points = append(points, row)
	}
	got := reduce(points, 4)
	if len(got) != 20 {
		t.Fatalf("row count changed: %d", len(got))
	}
	if len(got[0]) != 4 {
		t.Errorf("expected 4 dimensions, got %d", len(got[0]))
	}
}

func TestBICPenalizesLargerModels(t *testing.T) {
	// Identical likelihoods must favor the smaller k.
	if bic(-100, 2, 50, 4) <= bic(-100, 1, 50, 4) {
		t.Error("BIC should penalize extra components at equal likelihood")
	}
}

func TestFitGMMTwoComponents(t *testing.T) {
	var points [][]float64
	for i := 0; i < 10; i++ {
		points = append(points, []float64{float64(i) * 0.01, 0})
		points = append(points, []float64{10 + float64(i)*0.01, 10})
	}
	sorted := make([][]float64, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a][0] < sorted[b][0] })

	m, ll := fitGMM(sorted, 2, newTestRNG())
	if m.k != 2 {
		t.Fatalf("k = %d", m.k)
	}
	if ll == 0 {
		t.Error("expected nonzero log-likelihood")
	}
	// Means should land near the two blob centers, one each.
	nearOrigin, nearFar := false, false
	for _, mean := range m.means {
		if mean[0] < 1 {
			nearOrigin = true
		}
		if mean[0] > 9 {
			nearFar = true
		}
	}
	if !nearOrigin || !nearFar {
		t.Errorf("means missed blob centers: %v", m.means)
	}
}
