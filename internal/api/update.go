package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oho/corpustree/internal/corpus"
	"github.com/oho/corpustree/internal/tree"
	"github.com/oho/corpustree/internal/update"
)

// Updater is the incremental-update surface; satisfied by *update.Updater.
type Updater interface {
	AddDocuments(ctx context.Context, t *tree.Tree, docs []corpus.Document) (*update.Report, error)
}

type updateRequest struct {
	Tree      string            `json:"tree"`
	SourceDir string            `json:"source_dir,omitempty"`
	Documents []corpus.Document `json:"documents,omitempty"`
}

type updateResponse struct {
	Tree   string         `json:"tree"`
	Report *update.Report `json:"report"`
}

// UpdateRouter serves POST /, applying an incremental update to a stored
// tree and persisting the result.
func UpdateRouter(store *tree.Store, updater Updater) chi.Router {
	r := chi.NewRouter()

	r.Post("/", func(w http.ResponseWriter, httpReq *http.Request) {
		var req updateRequest
		if err := json.NewDecoder(httpReq.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Tree == "" {
			http.Error(w, "tree required", http.StatusBadRequest)
			return
		}

		docs := req.Documents
		if req.SourceDir != "" {
			loaded, err := corpus.Load(req.SourceDir)
			if err != nil {
				http.Error(w, "load corpus: "+err.Error(), http.StatusBadRequest)
				return
			}
			docs = append(docs, loaded...)
		}
		if len(docs) == 0 {
			http.Error(w, "source_dir or documents required", http.StatusBadRequest)
			return
		}

		t, ok := loadTree(w, store, req.Tree)
		if !ok {
			return
		}
		report, err := updater.AddDocuments(httpReq.Context(), t, docs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if err := store.Put(req.Tree, t); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(updateResponse{Tree: req.Tree, Report: report})
	})

	return r
}
