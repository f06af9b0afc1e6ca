package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oho/corpustree/internal/tree"
)

type treeStats struct {
	Name          string      `json:"name"`
	NumLayers     int         `json:"num_layers"`
	NodeCount     int         `json:"node_count"`
	LeafCount     int         `json:"leaf_count"`
	RootCount     int         `json:"root_count"`
	DegradedCount int         `json:"degraded_count"`
	LayerWidths   map[int]int `json:"layer_widths"`
}

type nodeView struct {
	Index    int            `json:"index"`
	Layer    int            `json:"layer"`
	Text     string         `json:"text"`
	Children []int          `json:"children,omitempty"`
	Keywords []string       `json:"keywords,omitempty"`
	Metadata *tree.Metadata `json:"metadata,omitempty"`
}

// TreesRouter serves the stored-artifact endpoints: list, stats, node
// inspection, delete.
func TreesRouter(store *tree.Store) chi.Router {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		infos, err := store.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if infos == nil {
			infos = []tree.TreeInfo{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(infos)
	})

	r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
		t, ok := loadTree(w, store, chi.URLParam(req, "name"))
		if !ok {
			return
		}
		stats := treeStats{
			Name:          chi.URLParam(req, "name"),
			NumLayers:     t.NumLayers,
			NodeCount:     t.Len(),
			LeafCount:     len(t.LeafNodes),
			RootCount:     len(t.RootNodes),
			DegradedCount: t.DegradedCount(),
			LayerWidths:   map[int]int{},
		}
		for layer, nodes := range t.LayerToNodes {
			stats.LayerWidths[layer] = len(nodes)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	r.Get("/{name}/nodes/{index}", func(w http.ResponseWriter, req *http.Request) {
		t, ok := loadTree(w, store, chi.URLParam(req, "name"))
		if !ok {
			return
		}
		idx, err := strconv.Atoi(chi.URLParam(req, "index"))
		if err != nil {
			http.Error(w, "invalid node index", http.StatusBadRequest)
			return
		}
		n := t.Node(idx)
		if n == nil {
			http.Error(w, "node not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(nodeView{
			Index:    n.Index,
			Layer:    t.NodeLayer(n.Index),
			Text:     n.Text,
			Children: n.Children,
			Keywords: n.Keywords,
			Metadata: n.Metadata,
		})
	})

	r.Delete("/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if err := store.Delete(name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"deleted": name})
	})

	return r
}

func loadTree(w http.ResponseWriter, store *tree.Store, name string) (*tree.Tree, bool) {
	t, err := store.Get(name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "tree not found", http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return nil, false
	}
	return t, true
}
