// Package keywords extracts index terms from node text and maintains the
// keyword index over a tree. Extraction is hybrid: frequency-scored terms
// and named entities always, LLM-suggested phrases when a completer is
// available.
package keywords

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/tsawler/prose/v3"
)

// Completer is the optional chat surface for LLM phrase suggestions.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// Extractor pulls ranked keywords out of free text.
type Extractor struct {
	completer Completer // nil disables the LLM pass
	max       int
}

func NewExtractor(completer Completer, maxKeywords int) *Extractor {
	if maxKeywords <= 0 {
		maxKeywords = 12
	}
	return &Extractor{completer: completer, max: maxKeywords}
}

var wordRE = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_-]{2,}`)

// Extract returns up to max keywords for text, strongest first. Entities
// and LLM phrases outrank plain frequent terms.
func (e *Extractor) Extract(ctx context.Context, text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	scores := map[string]float64{}
	for _, w := range wordRE.FindAllString(strings.ToLower(text), -1) {
		if stopwords[w] {
			continue
		}
		scores[w]++
	}

	if doc, err := prose.NewDocument(text); err == nil {
		for _, ent := range doc.Entities() {
			term := normalizeTerm(ent.Text)
			if term == "" {
				continue
			}
			scores[term] += 5
		}
	}

	for _, phrase := range e.llmPhrases(ctx, text) {
		term := normalizeTerm(phrase)
		if term == "" {
			continue
		}
		scores[term] += 8
	}

	type scored struct {
		term  string
		score float64
	}
	ranked := make([]scored, 0, len(scores))
	for term, score := range scores {
		ranked = append(ranked, scored{term, score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].term < ranked[j].term
	})

	out := make([]string, 0, e.max)
	for _, s := range ranked {
		out = append(out, s.term)
		if len(out) == e.max {
			break
		}
	}
	return out
}

// llmPhrases asks the completer for a JSON list of key phrases. Any failure
// (provider down, unparseable output) just skips this pass.
func (e *Extractor) llmPhrases(ctx context.Context, text string) []string {
	if e.completer == nil {
		return nil
	}
	resp, err := e.completer.Complete(ctx,
		`You extract key phrases. Respond ONLY with a JSON array of 3-8 short lowercase phrases, like ["phrase one","phrase two"].`,
		text, 150)
	if err != nil {
		slog.Debug("llm keyword pass skipped", "error", err)
		return nil
	}
	start := strings.Index(resp, "[")
	end := strings.LastIndex(resp, "]")
	if start == -1 || end <= start {
		slog.Debug("llm keyword response not a JSON array")
		return nil
	}
	var phrases []string
	if err := json.Unmarshal([]byte(resp[start:end+1]), &phrases); err != nil {
		slog.Debug("llm keyword response unparseable", "error", err)
		return nil
	}
	return phrases
}

// Merge combines a parent's own terms with the union of its children's,
// own-first, deduplicated, capped at max.
func Merge(own []string, children [][]string, max int) []string {
	seen := map[string]bool{}
	var out []string
	add := func(term string) {
		term = normalizeTerm(term)
		if term == "" || seen[term] {
			return
		}
		seen[term] = true
		out = append(out, term)
	}
	for _, t := range own {
		add(t)
	}
	for _, child := range children {
		for _, t := range child {
			add(t)
		}
	}
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func normalizeTerm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

var stopwords = func() map[string]bool {
	list := []string{
		"the", "and", "for", "are", "but", "not", "you", "all", "any", "can",
		"had", "her", "was", "one", "our", "out", "day", "get", "has", "him",
		"his", "how", "man", "new", "now", "old", "see", "two", "way", "who",
		"this", "that", "with", "from", "they", "been", "have", "were", "said",
		"each", "which", "their", "will", "other", "about", "many", "then",
		"them", "these", "some", "would", "into", "more", "your", "than",
		"its", "also", "when", "where", "what", "while", "over", "only",
		"very", "such", "just", "because", "between", "after", "before",
		"under", "there", "here", "does", "doing", "being", "both", "most",
		"should", "could", "against", "during", "through", "above", "below",
	}
	m := make(map[string]bool, len(list))
	for _, w := range list {
		m[w] = true
	}
	return m
}()
