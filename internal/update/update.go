// Package update grows an existing tree with new documents without a full
// rebuild. New chunks either attach to their nearest layer-1 parent or
// found a new singleton parent; everything above layer 1 stays untouched.
package update

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/oho/corpustree/internal/chunk"
	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/corpus"
	"github.com/oho/corpustree/internal/embed"
	"github.com/oho/corpustree/internal/keywords"
	"github.com/oho/corpustree/internal/mathutil"
	"github.com/oho/corpustree/internal/summarize"
	"github.com/oho/corpustree/internal/tree"
)

// Report describes what one update changed.
type Report struct {
	NewLeaves    int   `json:"new_leaves"`
	Attached     int   `json:"attached"`
	NewParents   int   `json:"new_parents"`
	Resummarized []int `json:"resummarized,omitempty"`
}

/// Updater applies incremental updates. Updates are serialized: only one
// runs at a time per updater.
type Updater struct {
	mu         sync.Mutex
	chunker    chunk.Chunker
	embedder   *embed.Service
	summarizer *summarize.Summarizer
	extractor  *keywords.Extractor
	threshold  float64
	maxKw      int
}

// New requires an explicit attach threshold; there is no sensible default
// for how close a chunk must be to join an existing cluster.
func New(
	chunker chunk.Chunker,
	embedder *embed.Service,
	summarizer *summarize.Summarizer,
	extractor *keywords.Extractor,
	updateCfg config.UpdateConfig,
	maxKeywords int,
) (*Updater, error) {
	if updateCfg.AttachThreshold == nil {
		return nil, fmt.Errorf("update: attach_threshold is required")
	}
	th := *updateCfg.AttachThreshold
	if th <= 0 || th >= 1 {
		return nil, fmt.Errorf("update: attach_threshold must be in (0,1), got %v", th)
	}
	return &Updater{
		chunker:    chunker,
		embedder:   embedder,
		summarizer: summarizer,
		extractor:  extractor,
		threshold:  th,
		maxKw:      maxKeywords,
	}, nil
}

// AddDocuments chunks the new documents into leaves and wires them into
// the tree. Touched layer-1 parents are re-summarized and re-embedded;
// layers 2 and above are never modified.
func (u *Updater) AddDocuments(ctx context.Context, t *tree.Tree, docs []corpus.Document) (*Report, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if t.NumLayers < 2 {
		return nil, fmt.Errorf("update: tree has %d layers, need at least leaves and one summary layer", t.NumLayers)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("update: no documents")
	}
	model, err := u.embedder.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("update: resolve model: %w", err)
	}

	var texts []string
	var metas []*tree.Metadata
	for _, doc := range docs {
		chunks, err := u.chunker.Split(ctx, doc.Text)
		if err != nil {
			return nil, fmt.Errorf("update: chunk %s: %w", doc.RelPath, err)
		}
		for _, c := range chunks {
			texts = append(texts, c.Text)
			metas = append(metas, &tree.Metadata{
				SourceType: "document",
				SourceID:   doc.ID,
				SourceURL:  doc.SourceURL,
				RelPath:    doc.RelPath,
				Tags:       doc.Tags,
				IngestedAt: tree.NowISO(),
			})
		}
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("update: documents produced no chunks")
	}

	vecs, err := u.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("update: embed new leaves: %w", err)
	}

	parents := t.Layer(1)
	report := &Report{NewLeaves: len(texts)}
	touched := map[int]bool{}

	for i, text := range texts {
		leaf := t.NewNode(0, text, nil)
		leaf.Metadata = metas[i]
		leaf.Embeddings[model] = vecs[i]
		leaf.Keywords = u.extractor.Extract(ctx, text)

		best, bestScore := -1, -2.0
		for _, p := range parents {
			pvec, ok := t.Node(p).Embeddings[model]
			if !ok {
				continue
			}
			if score := mathutil.CosineSimilarity(vecs[i], pvec); score > bestScore {
				best, bestScore = p, score
			}
		}

		if best >= 0 && bestScore >= u.threshold {
			parent := t.Node(best)
			parent.Children = insertSorted(parent.Children, leaf.Index)
			touched[best] = true
			report.Attached++
			slog.Debug("leaf attached", "leaf", leaf.Index, "parent", best, "score", bestScore)
			continue
		}

		// Nothing close enough: the leaf founds its own layer-1 parent.
		summary, degraded, reason, err := u.summarizer.SummarizeOrDegrade(ctx, 1, []string{text})
		if err != nil {
			return nil, err
		}
		p := t.NewNode(1, summary, []int{leaf.Index})
		if degraded {
			p.Metadata = &tree.Metadata{Degraded: true, DegradedReason: reason, IngestedAt: tree.NowISO()}
		}
		pvec, err := u.embedder.EmbedTexts(ctx, []string{summary})
		if err != nil {
			return nil, fmt.Errorf("update: embed new parent: %w", err)
		}
		p.Embeddings[model] = pvec[0]
		p.Keywords = keywords.Merge(u.extractor.Extract(ctx, summary), [][]string{leaf.Keywords}, u.maxKw*2)
		report.NewParents++
		slog.Debug("new singleton parent", "leaf", leaf.Index, "parent", p.Index, "score", bestScore)
	}

	for p := range touched {
		if err := u.refreshParent(ctx, t, p, model); err != nil {
			return nil, err
		}
		report.Resummarized = append(report.Resummarized, p)
	}
	sort.Ints(report.Resummarized)

	t.FinishLayers()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("update: tree invalid after update: %w", err)
	}
	slog.Info("incremental update applied", "leaves", report.NewLeaves,
		"attached", report.Attached, "new_parents", report.NewParents,
		"resummarized", len(report.Resummarized))
	return report, nil
}

// refreshParent rebuilds a layer-1 parent's text, embedding, and keywords
// from its (now larger) child set.
func (u *Updater) refreshParent(ctx context.Context, t *tree.Tree, idx int, model string) error {
	parent := t.Node(idx)
	texts := make([]string, len(parent.Children))
	childTerms := make([][]string, len(parent.Children))
	for i, c := range parent.Children {
		texts[i] = t.Node(c).Text
		childTerms[i] = t.Node(c).Keywords
	}

	summary, degraded, reason, err := u.summarizer.SummarizeOrDegrade(ctx, 1, texts)
	if err != nil {
		return err
	}
	parent.Text = summary
	if degraded {
		parent.Metadata = &tree.Metadata{Degraded: true, DegradedReason: reason, IngestedAt: tree.NowISO()}
	} else if parent.Metadata != nil && parent.Metadata.Degraded {
		parent.Metadata.Degraded = false
		parent.Metadata.DegradedReason = ""
	}

	vecs, err := u.embedder.EmbedTexts(ctx, []string{summary})
	if err != nil {
		return fmt.Errorf("update: re-embed parent %d: %w", idx, err)
	}
	parent.Embeddings[model] = vecs[0]
	parent.Keywords = keywords.Merge(u.extractor.Extract(ctx, summary), childTerms, u.maxKw*2)
	return nil
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
