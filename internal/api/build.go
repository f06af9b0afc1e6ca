// Package api implements the REST surface of the daemon: builds, stored
// trees, search, and incremental updates.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/oho/corpustree/internal/builder"
	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/corpus"
	"github.com/oho/corpustree/internal/tree"
)

// Builder is the build surface the API needs; satisfied by *builder.Builder.
type Builder interface {
	Build(ctx context.Context, docs []corpus.Document, progress *builder.Progress) (*tree.Tree, error)
}

type buildRequest struct {
	Name      string                 `json:"name"`
	SourceDir string                 `json:"source_dir"`
	Documents []corpus.Document      `json:"documents,omitempty"`
	Profile   string                 `json:"profile,omitempty"`
	Overrides *config.BuildOverrides `json:"overrides,omitempty"`
}

type buildResponse struct {
	JobID string `json:"job_id"`
	Name  string `json:"name"`
}

type jobStatus struct {
	JobID    string       `json:"job_id"`
	Name     string       `json:"name"`
	Progress builder.View `json:"progress"`
}

// job tracks one asynchronous build.
type job struct {
	id       string
	name     string
	progress *builder.Progress
	cancel   context.CancelFunc
}

// Jobs is an in-memory registry of running and finished builds.
type Jobs struct {
	mu  sync.Mutex
	seq int
	m   map[string]*job
}

func NewJobs() *Jobs {
	return &Jobs{m: map[string]*job{}}
}

func (j *Jobs) start(name string) (*job, context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	ctx, cancel := context.WithCancel(context.Background())
	jb := &job{
		id:       fmt.Sprintf("build-%d", j.seq),
		name:     name,
		progress: builder.NewProgress(),
		cancel:   cancel,
	}
	j.m[jb.id] = jb
	return jb, ctx
}

func (j *Jobs) get(id string) *job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.m[id]
}

func (j *Jobs) list() []*job {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*job, 0, len(j.m))
	for _, jb := range j.m {
		out = append(out, jb)
	}
	return out
}

// BuildFactory creates a builder for one request, letting profile and
// override settings differ per build.
type BuildFactory func(build config.BuildConfig) Builder

// BuildRouter serves POST / (start build), GET /jobs, GET /jobs/{id}, and
// DELETE /jobs/{id} (cancel).
func BuildRouter(jobs *Jobs, store *tree.Store, base config.BuildConfig, factory BuildFactory) chi.Router {
	r := chi.NewRouter()

	r.Post("/", func(w http.ResponseWriter, req *http.Request) {
		var body buildRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.Name == "" {
			http.Error(w, "name required", http.StatusBadRequest)
			return
		}
		if body.SourceDir == "" && len(body.Documents) == 0 {
			http.Error(w, "source_dir or documents required", http.StatusBadRequest)
			return
		}

		buildCfg := base
		if body.Profile != "" {
			buildCfg = config.Profile(body.Profile)
		}
		if body.Overrides != nil {
			buildCfg = config.ApplyOverrides(buildCfg, *body.Overrides)
		}

		docs := body.Documents
		if body.SourceDir != "" {
			loaded, err := corpus.Load(body.SourceDir)
			if err != nil {
				http.Error(w, "load corpus: "+err.Error(), http.StatusBadRequest)
				return
			}
			docs = append(docs, loaded...)
		}
		if len(docs) == 0 {
			http.Error(w, "no loadable documents", http.StatusBadRequest)
			return
		}

		jb, ctx := jobs.start(body.Name)
		b := factory(buildCfg)
		go func() {
			defer jb.cancel()
			t, err := b.Build(ctx, docs, jb.progress)
			if err != nil {
				slog.Error("build failed", "job", jb.id, "name", jb.name, "error", err)
				jb.progress.Fail(err.Error())
				return
			}
			if err := store.Put(jb.name, t); err != nil {
				slog.Error("store built tree", "job", jb.id, "name", jb.name, "error", err)
				jb.progress.Fail(err.Error())
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(buildResponse{JobID: jb.id, Name: jb.name})
	})

	r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
		var out []jobStatus
		for _, jb := range jobs.list() {
			out = append(out, jobStatus{JobID: jb.id, Name: jb.name, Progress: jb.progress.Snapshot()})
		}
		if out == nil {
			out = []jobStatus{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		jb := jobs.get(chi.URLParam(req, "id"))
		if jb == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobStatus{JobID: jb.id, Name: jb.name, Progress: jb.progress.Snapshot()})
	})

	r.Delete("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		jb := jobs.get(chi.URLParam(req, "id"))
		if jb == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		jb.cancel()
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"job_id": jb.id, "status": "cancel requested"})
	})

	return r
}
