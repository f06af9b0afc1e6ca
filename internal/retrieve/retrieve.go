// Package retrieve answers queries against a built tree. Three strategies
// are supported: layered descent from the top, collapsed scoring over all
// nodes, and keyword-weighted collapsed scoring.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/embed"
	"github.com/oho/corpustree/internal/keywords"
	"github.com/oho/corpustree/internal/mathutil"
	"github.com/oho/corpustree/internal/tree"
)

// Result is one scored node.
type Result struct {
	Index    int            `json:"index"`
	Layer    int            `json:"layer"`
	Score    float64        `json:"score"`
	Text     string         `json:"text"`
	Keywords []string       `json:"keywords,omitempty"`
	Metadata *tree.Metadata `json:"metadata,omitempty"`
}

// Retriever scores tree nodes against query embeddings.
type Retriever struct {
	embedder *embed.Service
	cfg      config.RetrieveConfig
}

func New(embedder *embed.Service, cfg config.RetrieveConfig) *Retriever {
	return &Retriever{embedder: embedder, cfg: cfg}
}

// Search runs the configured strategy. The keyword index may be nil, in
// which case the keyword strategy builds one on the fly.
func (r *Retriever) Search(ctx context.Context, t *tree.Tree, idx *keywords.Index, query string) ([]Result, error) {
	return r.SearchWith(ctx, t, idx, query, r.cfg)
}

// SearchWith is Search with per-request configuration.
func (r *Retriever) SearchWith(ctx context.Context, t *tree.Tree, idx *keywords.Index, query string, cfg config.RetrieveConfig) ([]Result, error) {
	if t == nil || t.Len() == 0 {
		return nil, tree.ErrEmptyTree
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("retrieve: empty query")
	}

	model, err := r.embedder.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve: resolve model: %w", err)
	}
	qvec, err := r.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieve: embed query: %w", err)
	}

	switch cfg.Strategy {
	case "layered":
		return r.layered(t, model, qvec, cfg)
	case "keyword":
		if idx == nil {
			idx = keywords.BuildIndex(t)
		}
		return r.keywordAssisted(t, idx, model, qvec, query, cfg)
	case "collapsed", "":
		return r.collapsed(t, model, qvec, cfg)
	default:
		return nil, fmt.Errorf("retrieve: unknown strategy %q", cfg.Strategy)
	}
}

// collapsed scores every node in the tree and returns the top K.
func (r *Retriever) collapsed(t *tree.Tree, model string, qvec []float32, cfg config.RetrieveConfig) ([]Result, error) {
	var results []Result
	for _, n := range t.AllNodes {
		score, ok := nodeScore(n, model, qvec)
		if !ok {
			continue
		}
		results = append(results, makeResult(t, n, score))
	}
	return top(t, results, cfg.TopK), nil
}

// layered starts at a single layer and, when confidence is low, descends
// through children only, rescoring each narrower frontier.
func (r *Retriever) layered(t *tree.Tree, model string, qvec []float32, cfg config.RetrieveConfig) ([]Result, error) {
	// StartLayer -1 means the top layer; 0 scopes the search to leaves.
	layer := cfg.StartLayer
	if layer < 0 || layer >= t.NumLayers {
		layer = t.NumLayers - 1
	}
	frontier := append([]int(nil), t.Layer(layer)...)

	var scored []Result
	for descended := 0; ; descended++ {
		scored = scored[:0]
		for _, i := range frontier {
			n := t.Node(i)
			if n == nil {
				continue
			}
			score, ok := nodeScore(n, model, qvec)
			if !ok {
				continue
			}
			scored = append(scored, makeResult(t, n, score))
		}
		scored = top(t, scored, 0)
		if len(scored) == 0 {
			break
		}

		confident := scored[0].Score >= cfg.ConfidenceThreshold
		if !cfg.AdaptiveDepth || confident || descended >= cfg.MaxDescend {
			break
		}

		// Expand the children of the strongest nodes; stop when the
		// frontier has nowhere further down to go.
		next := map[int]bool{}
		limit := cfg.TopK
		if limit <= 0 || limit > len(scored) {
			limit = len(scored)
		}
		for _, res := range scored[:limit] {
			for _, c := range t.Node(res.Index).Children {
				next[c] = true
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = make([]int, 0, len(next))
		for c := range next {
			frontier = append(frontier, c)
		}
		sort.Ints(frontier)
	}
	return clip(scored, cfg.TopK), nil
}

// keywordAssisted blends cosine similarity with the fraction of query
// terms a node carries.
func (r *Retriever) keywordAssisted(t *tree.Tree, idx *keywords.Index, model string, qvec []float32, query string, cfg config.RetrieveConfig) ([]Result, error) {
	terms := queryTerms(query)
	counts := idx.MatchCount(terms)

	w := cfg.KeywordWeight
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}

	var results []Result
	for _, n := range t.AllNodes {
		cos, ok := nodeScore(n, model, qvec)
		if !ok {
			continue
		}
		var kw float64
		if len(terms) > 0 {
			kw = float64(counts[n.Index]) / float64(len(terms))
		}
		results = append(results, makeResult(t, n, (1-w)*cos+w*kw))
	}
	return top(t, results, cfg.TopK), nil
}

func nodeScore(n *tree.Node, model string, qvec []float32) (float64, bool) {
	vec, ok := n.Embeddings[model]
	if !ok || len(vec) != len(qvec) {
		return 0, false
	}
	return mathutil.CosineSimilarity(qvec, vec), true
}

func makeResult(t *tree.Tree, n *tree.Node, score float64) Result {
	return Result{
		Index:    n.Index,
		Layer:    t.NodeLayer(n.Index),
		Score:    score,
		Text:     n.Text,
		Keywords: n.Keywords,
		Metadata: n.Metadata,
	}
}

// top deduplicates by node index, sorts by score descending with ties
// going to the node with more children and then the lower index, and clips
// to k (k <= 0 keeps everything).
func top(t *tree.Tree, results []Result, k int) []Result {
	seen := map[int]bool{}
	deduped := results[:0]
	for _, res := range results {
		if seen[res.Index] {
			continue
		}
		seen[res.Index] = true
		deduped = append(deduped, res)
	}
	sort.Slice(deduped, func(i, j int) bool {
		a, b := deduped[i], deduped[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ac, bc := len(t.Node(a.Index).Children), len(t.Node(b.Index).Children)
		if ac != bc {
			return ac > bc
		}
		return a.Index < b.Index
	})
	return clip(deduped, k)
}

func clip(results []Result, k int) []Result {
	if k > 0 && len(results) > k {
		return results[:k]
	}
	return results
}

var queryStop = map[string]bool{
	"the": true, "and": true, "for": true, "what": true, "how": true,
	"why": true, "who": true, "where": true, "when": true, "does": true,
	"is": true, "are": true, "a": true, "an": true, "of": true, "to": true,
	"in": true, "on": true, "about": true,
}

func queryTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) < 2 || queryStop[w] {
			continue
		}
		terms = append(terms, w)
	}
	return terms
}
