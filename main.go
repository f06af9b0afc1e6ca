package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/oho/corpustree/internal/api"
	"github.com/oho/corpustree/internal/builder"
	"github.com/oho/corpustree/internal/chunk"
	"github.com/oho/corpustree/internal/cluster"
	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/embed"
	"github.com/oho/corpustree/internal/keywords"
	"github.com/oho/corpustree/internal/provider"
	"github.com/oho/corpustree/internal/provider/openai"
	"github.com/oho/corpustree/internal/retrieve"
	"github.com/oho/corpustree/internal/server"
	"github.com/oho/corpustree/internal/summarize"
	"github.com/oho/corpustree/internal/tree"
	"github.com/oho/corpustree/internal/update"
)

// backend is the full model surface the pipeline consumes. Satisfied by
// both the OpenAI-compatible HTTP client and the hosted-API adapter.
type backend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel(ctx context.Context) (string, error)
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
	ContextLength(ctx context.Context) (int, error)
}

func main() {
	godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	slog.Info("Starting corpustree daemon...")

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Configuration loaded", "data_dir", cfg.DataDir, "port", cfg.Port)

	// One SQLite database holds both the embedding cache and the stored
	// tree artifacts.
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			slog.Error("Failed to configure database", "pragma", pragma, "error", err)
			os.Exit(1)
		}
	}

	store, err := tree.NewStoreWithDB(db)
	if err != nil {
		slog.Error("Failed to initialize tree store", "error", err)
		os.Exit(1)
	}
	cache, err := embed.NewCacheWithDB(db)
	if err != nil {
		slog.Error("Failed to initialize embedding cache", "error", err)
		os.Exit(1)
	}
	cached, _ := cache.Len()
	slog.Info("Database initialized", "path", cfg.DBPath, "cached_vectors", cached)

	client := provider.NewClient(cfg.Provider)
	var be backend = client
	if os.Getenv("CT_PROVIDER") == "openai" {
		be = openai.NewClient(cfg.Provider.APIKey)
		slog.Info("Using hosted OpenAI backend")
	} else if model, err := client.EmbeddingModel(context.Background()); err != nil {
		slog.Warn("Provider not reachable - builds will fail until it is", "url", cfg.Provider.BaseURL, "error", err)
	} else {
		slog.Info("Provider connected", "url", cfg.Provider.BaseURL, "embedding_model", model)
	}

	embedSvc := embed.NewService(be, cache,
		embed.WithBatchSize(cfg.Provider.EmbeddingBatchSize),
		embed.WithWorkers(cfg.Build.EmbedWorkers),
		embed.WithMaxRetries(cfg.Provider.MaxRetries),
	)

	chunker, err := chunk.New(cfg.Chunk, embedSvc)
	if err != nil {
		slog.Error("Failed to build chunker", "error", err)
		os.Exit(1)
	}
	clusterer := cluster.New(cfg.Cluster)

	factory := func(buildCfg config.BuildConfig) api.Builder {
		summarizer := summarize.New(be, buildCfg)
		extractor := keywords.NewExtractor(be, buildCfg.MaxKeywords)
		return builder.New(chunker, embedSvc, clusterer, summarizer, extractor, buildCfg)
	}

	searcher := retrieve.New(embedSvc, cfg.Retrieve)
	jobs := api.NewJobs()

	r := server.NewRouter()
	r.Get("/health", server.HealthHandler(cfg, store, cache, client))
	r.Mount("/build", api.BuildRouter(jobs, store, cfg.Build, factory))
	r.Mount("/trees", api.TreesRouter(store))
	r.Mount("/search", api.SearchRouter(store, searcher, cfg.Retrieve))

	// Incremental updates need an explicit attach threshold; without one
	// the endpoint is not mounted.
	if err := cfg.ValidateForUpdate(); err == nil {
		summarizer := summarize.New(be, cfg.Build)
		extractor := keywords.NewExtractor(be, cfg.Build.MaxKeywords)
		updater, uerr := update.New(chunker, embedSvc, summarizer, extractor, cfg.Update, cfg.Build.MaxKeywords)
		if uerr != nil {
			slog.Error("Failed to build updater", "error", uerr)
			os.Exit(1)
		}
		r.Mount("/update", api.UpdateRouter(store, updater))
		slog.Info("Incremental updates enabled", "attach_threshold", *cfg.Update.AttachThreshold)
	} else {
		slog.Info("Incremental updates disabled", "reason", err)
	}

	pidPath := filepath.Join(cfg.DataDir, "daemon.pid")
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
	defer os.Remove(pidPath)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 60))
	fmt.Printf("  Corpustree Daemon\n")
	fmt.Printf("  http://%s\n", addr)
	fmt.Printf("  Data dir: %s\n", cfg.DataDir)
	fmt.Printf("  Provider: %s\n", cfg.Provider.BaseURL)
	fmt.Printf("%s\n\n", strings.Repeat("=", 60))

	slog.Info("Daemon ready", "addr", addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	slog.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	slog.Info("Daemon stopped")
}
