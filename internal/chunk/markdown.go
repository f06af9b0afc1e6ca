package chunk

import (
	"context"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Markdown splits along the document's heading structure. Blocks under one
// heading are packed together up to the token budget. Fenced code blocks
// are atomic: they are never split, even when a single block exceeds the
// budget on its own.
type Markdown struct {
	maxTokens int
	minTokens int
}

// mdBlock is one top-level markdown block with its rendered text.
type mdBlock struct {
	text    string
	tokens  int
	heading bool
	atomic  bool // fenced code block, never split or merged past budget
}

func (m *Markdown) Split(_ context.Context, input string) ([]Chunk, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}

	src := []byte(input)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var blocks []mdBlock
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		b, ok := renderBlock(node, src)
		if !ok {
			continue
		}
		blocks = append(blocks, b)
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	return m.pack(blocks), nil
}

func renderBlock(node ast.Node, src []byte) (mdBlock, bool) {
	switch n := node.(type) {
	case *ast.Heading:
		line := strings.Repeat("#", n.Level) + " " + string(n.Text(src))
		return mdBlock{text: line, tokens: CountTokens(line), heading: true}, true
	case *ast.FencedCodeBlock:
		var sb strings.Builder
		sb.WriteString("```")
		if info := n.Info; info != nil {
			sb.Write(info.Text(src))
		}
		sb.WriteString("\n")
		writeLines(&sb, n, src)
		sb.WriteString("```")
		t := sb.String()
		return mdBlock{text: t, tokens: CountTokens(t), atomic: true}, true
	case *ast.CodeBlock:
		var sb strings.Builder
		writeLines(&sb, n, src)
		t := strings.TrimRight(sb.String(), "\n")
		if t == "" {
			return mdBlock{}, false
		}
		return mdBlock{text: t, tokens: CountTokens(t), atomic: true}, true
	default:
		// Everything else (paragraphs, lists, tables, quotes) is taken
		// verbatim from the source segment spanning the node's lines.
		lines := node.Lines()
		if lines.Len() == 0 {
			return mdBlock{}, false
		}
		start := lines.At(0).Start
		stop := lines.At(lines.Len() - 1).Stop
		t := strings.TrimSpace(string(src[start:stop]))
		if t == "" {
			return mdBlock{}, false
		}
		return mdBlock{text: t, tokens: CountTokens(t)}, true
	}
}

func writeLines(sb *strings.Builder, node ast.Node, src []byte) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
}

func (m *Markdown) pack(blocks []mdBlock) []Chunk {
	var chunks []Chunk
	var buf []string
	bufTokens := 0

	flush := func() {
		if len(buf) == 0 {
			return
		}
		chunks = append(chunks, Chunk{Text: strings.Join(buf, "\n\n"), Tokens: bufTokens})
		buf = nil
		bufTokens = 0
	}

	for _, b := range blocks {
		// A new heading starts a new chunk unless the current one is still
		// below the minimum size.
		if b.heading && bufTokens >= m.minTokens {
			flush()
		}
		if bufTokens > 0 && bufTokens+b.tokens > m.maxTokens {
			flush()
		}
		if b.tokens > m.maxTokens && !b.atomic {
			// Oversized prose block: fall back to sentence packing.
			flush()
			for _, c := range packUnits(splitSentences(b.text), m.maxTokens, 0) {
				chunks = append(chunks, c)
			}
			continue
		}
		buf = append(buf, b.text)
		bufTokens += b.tokens
		if b.atomic && bufTokens > m.maxTokens {
			// Oversized code block goes out as-is with whatever heading
			// context it accumulated.
			flush()
		}
	}
	flush()

	if m.minTokens > 0 && len(chunks) > 1 {
		last := chunks[len(chunks)-1]
		if last.Tokens < m.minTokens {
			prev := &chunks[len(chunks)-2]
			prev.Text = prev.Text + "\n\n" + last.Text
			prev.Tokens += last.Tokens
			chunks = chunks[:len(chunks)-1]
		}
	}
	return chunks
}
