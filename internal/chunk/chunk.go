// Package chunk splits raw document text into leaf-sized units. Strategies
// are a closed variant set selected and validated at construction time.
package chunk

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/oho/corpustree/internal/config"
)

// Chunk is one leaf-sized unit of document text.
type Chunk struct {
	Text   string
	Tokens int
}

// Chunker produces an ordered sequence of chunks in a single pass over the
// document. An empty document yields an empty sequence, not an error.
type Chunker interface {
	Split(ctx context.Context, text string) ([]Chunk, error)
}

// UnitEmbedder is the narrow embedding surface the semantic strategy needs.
type UnitEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// New constructs the chunker variant named by cfg. Invalid configurations
// are rejected here, not at split time. The embedder is only required for
// the semantic strategy.
func New(cfg config.ChunkConfig, embedder UnitEmbedder) (Chunker, error) {
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("chunk: max_tokens must be positive, got %d", cfg.MaxTokens)
	}
	switch cfg.Strategy {
	case "simple":
		return &Simple{maxTokens: cfg.MaxTokens, minTokens: cfg.MinTokens}, nil
	case "markdown":
		return &Markdown{maxTokens: cfg.MaxTokens, minTokens: cfg.MinTokens}, nil
	case "semantic":
		if embedder == nil {
			return nil, fmt.Errorf("chunk: semantic strategy requires an embedder")
		}
		if cfg.SemanticUnit != "sentence" && cfg.SemanticUnit != "paragraph" {
			return nil, fmt.Errorf("chunk: semantic_unit must be sentence or paragraph, got %q", cfg.SemanticUnit)
		}
		if !cfg.Adaptive && (cfg.SemanticThreshold <= 0 || cfg.SemanticThreshold >= 1) {
			return nil, fmt.Errorf("chunk: semantic_threshold must be in (0,1), got %v", cfg.SemanticThreshold)
		}
		pct := cfg.AdaptivePercentile
		if pct <= 0 {
			pct = 20
		}
		return &Semantic{
			embedder:   embedder,
			unit:       cfg.SemanticUnit,
			threshold:  cfg.SemanticThreshold,
			adaptive:   cfg.Adaptive,
			percentile: pct,
			maxTokens:  cfg.MaxTokens,
			minTokens:  cfg.MinTokens,
		}, nil
	default:
		return nil, fmt.Errorf("chunk: unknown strategy %q", cfg.Strategy)
	}
}

// sentenceBoundaryRE matches sentence-ending punctuation followed by
// whitespace. Go's regexp has no lookbehind, so sentences are reconstructed
// keeping the punctuation with the preceding text.
var sentenceBoundaryRE = regexp.MustCompile(`([.!?])\s+`)

func splitSentences(text string) []string {
	indices := sentenceBoundaryRE.FindAllStringIndex(text, -1)
	if len(indices) == 0 {
		t := strings.TrimSpace(text)
		if t == "" {
			return nil
		}
		return []string{t}
	}

	var parts []string
	start := 0
	for _, idx := range indices {
		end := idx[0] + 1 // include the punctuation
		part := strings.TrimSpace(text[start:end])
		if part != "" {
			parts = append(parts, part)
		}
		start = idx[1]
	}
	if start < len(text) {
		part := strings.TrimSpace(text[start:])
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
