package chunk

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/oho/corpustree/internal/mathutil"
)

// Semantic places chunk boundaries where the embedding similarity between
// consecutive units drops. With Adaptive set, the cut threshold is the
// configured percentile of the observed similarity distribution instead of
// a fixed value, so it tracks each document's own cohesion level.
type Semantic struct {
	embedder   UnitEmbedder
	unit       string // sentence | paragraph
	threshold  float64
	adaptive   bool
	percentile float64
	maxTokens  int
	minTokens  int
}

func (s *Semantic) Split(ctx context.Context, input string) ([]Chunk, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}

	var units []string
	if s.unit == "paragraph" {
		units = splitParagraphs(input)
	} else {
		units = splitSentences(input)
	}
	if len(units) == 0 {
		return nil, nil
	}
	if len(units) == 1 {
		return s.finish([][]string{units}), nil
	}

	vecs, err := s.embedder.Embed(ctx, units)
	if err != nil {
		return nil, fmt.Errorf("embed %d units: %w", len(units), err)
	}
	if len(vecs) != len(units) {
		return nil, fmt.Errorf("embed returned %d vectors for %d units", len(vecs), len(units))
	}

	sims := make([]float64, len(units)-1)
	for i := 0; i < len(units)-1; i++ {
		sims[i] = mathutil.CosineSimilarity(vecs[i], vecs[i+1])
	}

	cut := s.threshold
	if s.adaptive {
		cut = percentile(sims, s.percentile)
	}

	var groups [][]string
	current := []string{units[0]}
	for i, sim := range sims {
		if sim < cut {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, units[i+1])
	}
	groups = append(groups, current)

	return s.finish(groups), nil
}

// finish joins groups into chunks, re-splitting any group over the token
// budget and folding undersized chunks into their neighbor.
func (s *Semantic) finish(groups [][]string) []Chunk {
	var chunks []Chunk
	for _, g := range groups {
		text := strings.Join(g, " ")
		if s.unit == "paragraph" {
			text = strings.Join(g, "\n\n")
		}
		n := CountTokens(text)
		if n <= s.maxTokens {
			chunks = append(chunks, Chunk{Text: text, Tokens: n})
			continue
		}
		chunks = append(chunks, packUnits(g, s.maxTokens, 0)...)
	}

	if s.minTokens <= 0 || len(chunks) < 2 {
		return chunks
	}
	var merged []Chunk
	for _, c := range chunks {
		if len(merged) > 0 && c.Tokens < s.minTokens {
			prev := &merged[len(merged)-1]
			prev.Text = prev.Text + "\n\n" + c.Text
			prev.Tokens += c.Tokens
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

// percentile returns the p-th percentile (0-100) of values using
// nearest-rank on a sorted copy.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(p / 100 * float64(len(sorted)))
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
