package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/keywords"
	"github.com/oho/corpustree/internal/retrieve"
	"github.com/oho/corpustree/internal/tree"
)

// Searcher is the retrieval surface the API needs; satisfied by
// *retrieve.Retriever.
type Searcher interface {
	SearchWith(ctx context.Context, t *tree.Tree, idx *keywords.Index, query string, cfg config.RetrieveConfig) ([]retrieve.Result, error)
}

type searchRequest struct {
	Tree                string   `json:"tree"`
	Query               string   `json:"query"`
	TopK                int      `json:"top_k"`
	Strategy            string   `json:"strategy,omitempty"`
	StartLayer          *int     `json:"start_layer,omitempty"` // 0 = leaves, -1 = top
	AdaptiveDepth       *bool    `json:"adaptive_depth,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	KeywordWeight       *float64 `json:"keyword_weight,omitempty"`
}

// SearchRouter serves POST / and GET /quick against stored trees.
func SearchRouter(store *tree.Store, searcher Searcher, base config.RetrieveConfig) chi.Router {
	r := chi.NewRouter()

	doSearch := func(w http.ResponseWriter, httpReq *http.Request, name, query string, cfg config.RetrieveConfig) {
		t, ok := loadTree(w, store, name)
		if !ok {
			return
		}
		results, err := searcher.SearchWith(httpReq.Context(), t, nil, query, cfg)
		if err != nil {
			if errors.Is(err, tree.ErrEmptyTree) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if results == nil {
			results = []retrieve.Result{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}

	r.Post("/", func(w http.ResponseWriter, httpReq *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(httpReq.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Tree == "" || req.Query == "" {
			http.Error(w, "tree and query required", http.StatusBadRequest)
			return
		}

		cfg := base
		if req.TopK > 0 {
			cfg.TopK = req.TopK
		}
		if req.Strategy != "" {
			cfg.Strategy = req.Strategy
		}
		if req.StartLayer != nil {
			cfg.StartLayer = *req.StartLayer
		}
		if req.AdaptiveDepth != nil {
			cfg.AdaptiveDepth = *req.AdaptiveDepth
		}
		if req.ConfidenceThreshold != nil {
			cfg.ConfidenceThreshold = *req.ConfidenceThreshold
		}
		if req.KeywordWeight != nil {
			cfg.KeywordWeight = *req.KeywordWeight
		}

		doSearch(w, httpReq, req.Tree, req.Query, cfg)
	})

	// Exact keyword lookup against the inverted index, no embedding call.
	r.Get("/keywords", func(w http.ResponseWriter, httpReq *http.Request) {
		name := httpReq.URL.Query().Get("tree")
		raw := httpReq.URL.Query().Get("terms")
		if name == "" || raw == "" {
			http.Error(w, "tree and terms parameters required", http.StatusBadRequest)
			return
		}
		var terms []string
		for _, term := range strings.Split(raw, ",") {
			if term = strings.TrimSpace(term); term != "" {
				terms = append(terms, term)
			}
		}

		t, ok := loadTree(w, store, name)
		if !ok {
			return
		}
		idx := keywords.BuildIndex(t)
		var nodes []int
		if httpReq.URL.Query().Get("mode") == "all" {
			nodes = idx.AllOf(terms)
		} else {
			nodes = idx.AnyOf(terms)
		}
		if nodes == nil {
			nodes = []int{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"tree": name, "nodes": nodes})
	})

	r.Get("/quick", func(w http.ResponseWriter, httpReq *http.Request) {
		q := httpReq.URL.Query().Get("q")
		name := httpReq.URL.Query().Get("tree")
		if q == "" || name == "" {
			http.Error(w, "tree and q parameters required", http.StatusBadRequest)
			return
		}
		cfg := base
		if l := httpReq.URL.Query().Get("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil && n > 0 {
				cfg.TopK = n
			}
		}
		doSearch(w, httpReq, name, q, cfg)
	})

	return r
}
