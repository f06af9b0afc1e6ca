// Package builder assembles abstraction trees bottom-up: chunk, embed,
// then repeat cluster-and-summarize until the top of the tree is reached.
// Layers are strict barriers; no parent exists before every summary of its
// layer has completed.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oho/corpustree/internal/chunk"
	"github.com/oho/corpustree/internal/cluster"
	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/corpus"
	"github.com/oho/corpustree/internal/embed"
	"github.com/oho/corpustree/internal/keywords"
	"github.com/oho/corpustree/internal/summarize"
	"github.com/oho/corpustree/internal/tree"
)

// Builder holds the pipeline stages for one or more tree builds.
type Builder struct {
	chunker    chunk.Chunker
	embedder   *embed.Service
	clusterer  *cluster.Engine
	summarizer *summarize.Summarizer
	extractor  *keywords.Extractor
	cfg        config.BuildConfig
}

func New(
	chunker chunk.Chunker,
	embedder *embed.Service,
	clusterer *cluster.Engine,
	summarizer *summarize.Summarizer,
	extractor *keywords.Extractor,
	cfg config.BuildConfig,
) *Builder {
	return &Builder{
		chunker:    chunker,
		embedder:   embedder,
		clusterer:  clusterer,
		summarizer: summarizer,
		extractor:  extractor,
		cfg:        cfg,
	}
}

// Build constructs a tree over the given documents. Cancellation is
// honored between layers, never inside one, so an aborted build leaves no
// half-written layer behind. The progress pointer may be nil.
func (b *Builder) Build(ctx context.Context, docs []corpus.Document, progress *Progress) (*tree.Tree, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("build: no documents")
	}
	model, err := b.embedder.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("build: resolve embedding model: %w", err)
	}

	t := tree.New()
	start := time.Now()

	progress.set(PhaseChunking, 0, 0)
	if err := b.buildLeaves(ctx, t, docs, model); err != nil {
		return nil, err
	}
	slog.Info("leaf layer built", "leaves", len(t.LayerToNodes[0]), "docs", len(docs))

	layer := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := t.LayerToNodes[layer]
		if b.done(layer, len(current)) {
			break
		}

		progress.set(PhaseClustering, layer+1, t.Len())
		groups, err := b.clusterLayer(t, current, model)
		if err != nil {
			return nil, fmt.Errorf("build: cluster layer %d: %w", layer, err)
		}
		if len(groups) >= len(current) {
			slog.Info("build converged, next layer would not shrink",
				"layer", layer, "nodes", len(current), "clusters", len(groups))
			break
		}

		progress.set(PhaseSummarizing, layer+1, t.Len())
		if err := b.buildParents(ctx, t, layer+1, groups, model); err != nil {
			return nil, err
		}
		progress.set(PhaseLayerComplete, layer+1, t.Len())
		layer++
		slog.Info("layer complete", "layer", layer,
			"nodes", len(t.LayerToNodes[layer]), "elapsed", time.Since(start).Round(time.Millisecond))
	}

	t.FinishLayers()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("build: built tree invalid: %w", err)
	}
	progress.set(PhaseDone, layer, t.Len())
	slog.Info("build finished", "layers", t.NumLayers, "nodes", t.Len(),
		"degraded", t.DegradedCount(), "elapsed", time.Since(start).Round(time.Millisecond))
	return t, nil
}

// done reports whether layer is the final layer of the tree.
func (b *Builder) done(layer, width int) bool {
	if width <= 1 {
		return true
	}
	if b.cfg.AutoDepth && b.cfg.TargetTopNodes > 0 && width <= b.cfg.TargetTopNodes {
		return true
	}
	return b.cfg.MaxLayers > 0 && layer+1 >= b.cfg.MaxLayers
}

// buildLeaves chunks every document into layer-0 nodes, then embeds and
// keywords them. One chunk becomes exactly one leaf.
func (b *Builder) buildLeaves(ctx context.Context, t *tree.Tree, docs []corpus.Document, model string) error {
	var texts []string
	var nodes []*tree.Node
	for _, doc := range docs {
		chunks, err := b.chunker.Split(ctx, doc.Text)
		if err != nil {
			return fmt.Errorf("build: chunk %s: %w", doc.RelPath, err)
		}
		for _, c := range chunks {
			n := t.NewNode(0, c.Text, nil)
			n.Metadata = &tree.Metadata{
				SourceType: "document",
				SourceID:   doc.ID,
				SourceURL:  doc.SourceURL,
				RelPath:    doc.RelPath,
				Tags:       doc.Tags,
				IngestedAt: tree.NowISO(),
			}
			nodes = append(nodes, n)
			texts = append(texts, c.Text)
		}
	}
	if len(nodes) == 0 {
		return fmt.Errorf("build: documents produced no chunks")
	}

	vecs, err := b.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("build: embed leaves: %w", err)
	}
	for i, n := range nodes {
		n.Embeddings[model] = vecs[i]
		n.Keywords = b.extractor.Extract(ctx, n.Text)
	}
	t.FinishLayers()
	return nil
}

// clusterLayer groups the nodes of one layer by embedding.
func (b *Builder) clusterLayer(t *tree.Tree, current []int, model string) ([][]int, error) {
	vectors := make([][]float32, len(current))
	tokens := make([]int, len(current))
	for i, idx := range current {
		n := t.Node(idx)
		vec, ok := n.Embeddings[model]
		if !ok {
			return nil, fmt.Errorf("node %d missing embedding for model %s", idx, model)
		}
		vectors[i] = vec
		tokens[i] = chunk.CountTokens(n.Text)
	}

	groups, err := b.clusterer.Cluster(vectors, tokens)
	if err != nil {
		return nil, err
	}
	// Map cluster positions back to node indices.
	out := make([][]int, len(groups))
	for g, members := range groups {
		out[g] = make([]int, len(members))
		for i, pos := range members {
			out[g][i] = current[pos]
		}
	}
	return out, nil
}

// buildParents summarizes every cluster concurrently, then materializes
// the parent nodes in cluster order once all summaries are in. Node
// indices therefore depend only on the cluster order, not on worker
// timing.
func (b *Builder) buildParents(ctx context.Context, t *tree.Tree, layer int, groups [][]int, model string) error {
	type result struct {
		summary  string
		degraded bool
		reason   string
	}
	results := make([]result, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	workers := b.cfg.SummaryWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, members := range groups {
		i, members := i, members
		g.Go(func() error {
			texts := make([]string, len(members))
			for j, idx := range members {
				texts[j] = t.Node(idx).Text
			}
			summary, degraded, reason, err := b.summarizer.SummarizeOrDegrade(gctx, layer, texts)
			if err != nil {
				return err
			}
			results[i] = result{summary, degraded, reason}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("build: summarize layer %d: %w", layer, err)
	}

	texts := make([]string, len(groups))
	nodes := make([]*tree.Node, len(groups))
	for i, members := range groups {
		n := t.NewNode(layer, results[i].summary, members)
		if results[i].degraded {
			n.Metadata = &tree.Metadata{
				Degraded:       true,
				DegradedReason: results[i].reason,
				IngestedAt:     tree.NowISO(),
			}
		}
		nodes[i] = n
		texts[i] = results[i].summary
	}

	vecs, err := b.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("build: embed layer %d: %w", layer, err)
	}
	for i, n := range nodes {
		n.Embeddings[model] = vecs[i]
		own := b.extractor.Extract(ctx, n.Text)
		childTerms := make([][]string, 0, len(n.Children))
		for _, c := range n.Children {
			childTerms = append(childTerms, t.Node(c).Keywords)
		}
		n.Keywords = keywords.Merge(own, childTerms, b.cfg.MaxKeywords*2)
	}
	t.FinishLayers()
	return nil
}
