package server

import (
	"encoding/json"
	"net/http"

	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/embed"
	"github.com/oho/corpustree/internal/provider"
	"github.com/oho/corpustree/internal/tree"
)

type HealthResponse struct {
	Status         string `json:"status"`
	Provider       string `json:"provider"`
	DB             string `json:"db"`
	Trees          int    `json:"trees"`
	CachedVectors  int    `json:"cached_vectors"`
	ChatModel      string `json:"chat_model,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	ContextLength  *int   `json:"context_length,omitempty"`
	DataDir        string `json:"data_dir"`
	Port           int    `json:"port"`
}

// HealthHandler returns a handler for GET /health.
func HealthHandler(cfg config.Config, store *tree.Store, cache *embed.Cache, client *provider.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		providerOK := client.HealthCheck(ctx)

		providerStatus := "unavailable"
		if providerOK {
			providerStatus = "connected"
		}

		dbStatus := "connected"
		trees := 0
		if store == nil {
			dbStatus = "unavailable"
		} else if infos, err := store.List(); err == nil {
			trees = len(infos)
		}

		cached := 0
		if cache != nil {
			cached, _ = cache.Len()
		}

		resp := HealthResponse{
			Status:        "ok",
			Provider:      providerStatus,
			DB:            dbStatus,
			Trees:         trees,
			CachedVectors: cached,
			DataDir:       cfg.DataDir,
			Port:          cfg.Port,
		}
		if providerOK {
			if m, err := client.ChatModel(ctx); err == nil {
				resp.ChatModel = m
			}
			if m, err := client.EmbeddingModel(ctx); err == nil {
				resp.EmbeddingModel = m
			}
			if n, err := client.ContextLength(ctx); err == nil {
				resp.ContextLength = &n
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
