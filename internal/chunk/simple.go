package chunk

import (
	"context"
	"strings"
)

// Simple splits on paragraph boundaries, then sentences when a paragraph
// alone exceeds the budget. Adjacent small pieces are merged up to the
// token budget.
type Simple struct {
	maxTokens int
	minTokens int
}

func (s *Simple) Split(_ context.Context, text string) ([]Chunk, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	var units []string
	for _, para := range splitParagraphs(text) {
		if CountTokens(para) <= s.maxTokens {
			units = append(units, para)
			continue
		}
		units = append(units, splitSentences(para)...)
	}

	return packUnits(units, s.maxTokens, s.minTokens), nil
}

// packUnits greedily merges consecutive units up to maxTokens, then folds
// any trailing chunk below minTokens into its predecessor.
func packUnits(units []string, maxTokens, minTokens int) []Chunk {
	var chunks []Chunk
	var buf strings.Builder
	bufTokens := 0

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{Text: buf.String(), Tokens: bufTokens})
		buf.Reset()
		bufTokens = 0
	}

	for _, unit := range units {
		n := CountTokens(unit)
		if bufTokens > 0 && bufTokens+n > maxTokens {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(unit)
		bufTokens += n
	}
	flush()

	if minTokens > 0 && len(chunks) > 1 {
		last := chunks[len(chunks)-1]
		if last.Tokens < minTokens {
			prev := &chunks[len(chunks)-2]
			prev.Text = prev.Text + "\n\n" + last.Text
			prev.Tokens += last.Tokens
			chunks = chunks[:len(chunks)-1]
		}
	}
	return chunks
}
