package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/embed"
	"github.com/oho/corpustree/internal/provider"
	"github.com/oho/corpustree/internal/tree"
)

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/trees", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	for _, h := range []string{
		"Access-Control-Allow-Origin",
		"Access-Control-Allow-Methods",
		"Access-Control-Allow-Headers",
	} {
		if w.Header().Get(h) != "*" {
			t.Errorf("%s header missing", h)
		}
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	called := false
	handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("OPTIONS", "/trees", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if called {
		t.Error("OPTIONS request should not reach inner handler")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for OPTIONS, got %d", w.Code)
	}
}

func TestNewRouterServesRoutes(t *testing.T) {
	r := NewRouter()
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest("GET", "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected 'ok', got %q", w.Body.String())
	}
}

func TestHealthHandler(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{
					{"id": "nomic-embed-text-v1.5"},
					{"id": "qwen2.5-7b-instruct"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	store, err := tree.NewStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	cache, err := embed.NewCache(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	cfg := config.DefaultConfig()
	cfg.Provider.BaseURL = backend.URL + "/v1"
	client := provider.NewClient(cfg.Provider)

	tr := tree.New()
	tr.NewNode(0, "leaf", nil)
	tr.FinishLayers()
	store.Put("docs", tr)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler(cfg, store, cache, client)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Provider != "connected" {
		t.Errorf("unexpected health: %+v", resp)
	}
	if resp.Trees != 1 {
		t.Errorf("expected 1 tree, got %d", resp.Trees)
	}
	if resp.EmbeddingModel != "nomic-embed-text-v1.5" {
		t.Errorf("unexpected embedding model %q", resp.EmbeddingModel)
	}
}
