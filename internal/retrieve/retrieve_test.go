package retrieve

import (
	"context"
	"errors"
	"testing"

	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/embed"
	"github.com/oho/corpustree/internal/keywords"
	"github.com/oho/corpustree/internal/tree"
)

const testModel = "stub-embed"

// queryBackend embeds cat queries east and market queries north.
type queryBackend struct{}

func (queryBackend) EmbeddingModel(context.Context) (string, error) { return testModel, nil }

func (queryBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		switch {
		case contains(t, "cat"):
			vecs[i] = []float32{1, 0}
		case contains(t, "market"):
			vecs[i] = []float32{0, 1}
		default:
			vecs[i] = []float32{0.5, 0.5}
		}
	}
	return vecs, nil
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (s == sub || indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// buildSearchTree: 4 leaves, 2 topic parents, 1 root.
//
//	0..1 cat leaves, 2..3 market leaves, 4 cat parent, 5 market parent, 6 root
func buildSearchTree() *tree.Tree {
	t := tree.New()
	texts := []string{
		"The cat slept in the sun.",
		"A cat chased the red dot.",
		"Markets rallied after the report.",
		"The bond market stayed flat.",
	}
	vecs := [][]float32{{1, 0.01}, {1, 0.02}, {0.01, 1}, {0.02, 1}}
	kws := [][]string{{"cat", "sleep"}, {"cat", "laser"}, {"markets", "rally"}, {"market", "bonds"}}
	for i, txt := range texts {
		n := t.NewNode(0, txt, nil)
		n.Embeddings[testModel] = vecs[i]
		n.Keywords = kws[i]
	}
	pc := t.NewNode(1, "Summary of cat behavior.", []int{0, 1})
	pc.Embeddings[testModel] = []float32{1, 0}
	pc.Keywords = []string{"cat", "sleep", "laser"}
	pm := t.NewNode(1, "Summary of market moves.", []int{2, 3})
	pm.Embeddings[testModel] = []float32{0, 1}
	pm.Keywords = []string{"market", "markets", "rally", "bonds"}
	root := t.NewNode(2, "Cats and markets, summarized.", []int{4, 5})
	root.Embeddings[testModel] = []float32{0.5, 0.5}
	root.Keywords = []string{"cat", "market"}
	t.FinishLayers()
	return t
}

func newRetriever(t *testing.T, cfg config.RetrieveConfig) *Retriever {
	t.Helper()
	cache, err := embed.NewCache(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })
	return New(embed.NewService(queryBackend{}, cache), cfg)
}

func TestCollapsedRanksOnTopic(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{Strategy: "collapsed", TopK: 3})
	tr := buildSearchTree()

	results, err := r.Search(context.Background(), tr, nil, "sleeping cat habits")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected top 3, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Error("results not sorted by score descending")
		}
	}
	for _, res := range results {
		if res.Index == 2 || res.Index == 3 || res.Index == 5 {
			t.Errorf("market node %d outranked cat nodes: %+v", res.Index, results)
		}
	}
}

func TestCollapsedTieBreakPrefersWiderThenLowerIndex(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{Strategy: "collapsed", TopK: 10})
	tr := buildSearchTree()

	results, err := r.Search(context.Background(), tr, nil, "tell me about cats")
	if err != nil {
		t.Fatal(err)
	}
	// Leaf 0 ties with parent 4 (score 1.0 direction): the parent has
	// children and must come first.
	posParent, posLeaf := -1, -1
	for i, res := range results {
		if res.Index == 4 {
			posParent = i
		}
		if res.Index == 0 {
			posLeaf = i
		}
	}
	if posParent == -1 || posLeaf == -1 {
		t.Fatalf("expected both node 4 and node 0 in results: %+v", results)
	}
	if posParent > posLeaf && results[posParent].Score == results[posLeaf].Score {
		t.Error("at equal score the node with children should rank first")
	}
}

func TestLayeredWithoutDescentStaysAtTop(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{Strategy: "layered", TopK: 5, StartLayer: -1, AdaptiveDepth: false})
	tr := buildSearchTree()

	results, err := r.Search(context.Background(), tr, nil, "cat")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Index != 6 {
		t.Errorf("non-adaptive layered search should only see the top layer, got %+v", results)
	}
}

func TestLayeredStartLayerZeroScopesToLeaves(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{Strategy: "layered", TopK: 5, StartLayer: 0, AdaptiveDepth: false})
	tr := buildSearchTree()

	results, err := r.Search(context.Background(), tr, nil, "cat")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 {
		t.Fatalf("expected all 4 leaves scored, got %d", len(results))
	}
	for _, res := range results {
		if res.Layer != 0 {
			t.Errorf("leaf-scoped search returned node %d at layer %d", res.Index, res.Layer)
		}
	}
	if results[0].Index != 0 && results[0].Index != 1 {
		t.Errorf("expected a cat leaf on top, got %+v", results[0])
	}
}

func TestLayeredAdaptiveDescendsOnLowConfidence(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{
		Strategy:            "layered",
		TopK:                2,
		StartLayer:          -1,
		AdaptiveDepth:       true,
		ConfidenceThreshold: 0.9,
		MaxDescend:          3,
	})
	tr := buildSearchTree()

	// The root scores ~0.71 against a cat query, below threshold, so the
	// search descends to layer 1 where the cat parent scores ~1.
	results, err := r.Search(context.Background(), tr, nil, "cat")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Index != 4 {
		t.Errorf("expected cat parent (4) on top after descent, got %+v", results[0])
	}
	if results[0].Layer != 1 {
		t.Errorf("expected a layer-1 result, got layer %d", results[0].Layer)
	}
}

func TestLayeredMaxDescendStops(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{
		Strategy:            "layered",
		TopK:                2,
		StartLayer:          -1,
		AdaptiveDepth:       true,
		ConfidenceThreshold: 1.1, // unreachable: descend as far as allowed
		MaxDescend:          1,
	})
	tr := buildSearchTree()

	results, err := r.Search(context.Background(), tr, nil, "cat")
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Layer != 1 {
		t.Errorf("one descent from the root should stop at layer 1, got layer %d", results[0].Layer)
	}
}

func TestKeywordAssistedBoost(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{Strategy: "keyword", TopK: 2, KeywordWeight: 0.5})
	tr := buildSearchTree()
	idx := keywords.BuildIndex(tr)

	// Both cat leaves score the same cosine; "laser" appears only in the
	// keywords of leaf 1 and parent 4.
	results, err := r.Search(context.Background(), tr, idx, "cat laser")
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Index != 4 && results[0].Index != 1 {
		t.Errorf("keyword match should outrank plain cosine, got %+v", results[0])
	}
	foundPlainLeaf := false
	for _, res := range results {
		if res.Index == 0 {
			foundPlainLeaf = true
		}
	}
	if foundPlainLeaf {
		t.Errorf("leaf without the keyword should fall out of top 2: %+v", results)
	}
}

func TestSearchEmptyTree(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{Strategy: "collapsed", TopK: 5})
	_, err := r.Search(context.Background(), tree.New(), nil, "anything")
	if !errors.Is(err, tree.ErrEmptyTree) {
		t.Errorf("expected ErrEmptyTree, got %v", err)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{Strategy: "collapsed", TopK: 5})
	if _, err := r.Search(context.Background(), buildSearchTree(), nil, "   "); err == nil {
		t.Error("expected error for blank query")
	}
}

func TestSearchUnknownStrategy(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{Strategy: "psychic", TopK: 5})
	if _, err := r.Search(context.Background(), buildSearchTree(), nil, "cat"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestTopOneResult(t *testing.T) {
	r := newRetriever(t, config.RetrieveConfig{Strategy: "collapsed", TopK: 1})
	results, err := r.Search(context.Background(), buildSearchTree(), nil, "market report")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 result, got %d", len(results))
	}
	if results[0].Index != 5 && results[0].Index != 2 && results[0].Index != 3 {
		t.Errorf("expected a market node, got %+v", results[0])
	}
}
