// Package summarize produces parent-node text from groups of child texts.
// Length and mode are resolved per layer; a provider that stays down
// degrades a node instead of failing the whole build.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/oho/corpustree/internal/chunk"
	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/provider"
)

// promptReserve is the token allowance for the instruction scaffolding
// around the source text.
const promptReserve = 256

// Completer is the chat surface the summarizer needs from a model backend.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
	ContextLength(ctx context.Context) (int, error)
}

// Summarizer turns child texts into one summary per cluster.
type Summarizer struct {
	completer  Completer
	defaults   config.LayerSummary
	overrides  map[int]config.LayerSummary
	maxRetries int
	baseDelay  time.Duration
}

type Option func(*Summarizer)

func WithMaxRetries(n int) Option          { return func(s *Summarizer) { s.maxRetries = n } }
func WithBaseDelay(d time.Duration) Option { return func(s *Summarizer) { s.baseDelay = d } }

func New(c Completer, build config.BuildConfig, opts ...Option) *Summarizer {
	s := &Summarizer{
		completer:  c,
		defaults:   build.SummaryDefaults,
		overrides:  build.LayerOverrides,
		maxRetries: 3,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LayerSpec resolves the summary length and mode for one layer: a per-layer
// override wins over the defaults.
func (s *Summarizer) LayerSpec(layer int) config.LayerSummary {
	if spec, ok := s.overrides[layer]; ok {
		if spec.MaxTokens == 0 {
			spec.MaxTokens = s.defaults.MaxTokens
		}
		if spec.Mode == "" {
			spec.Mode = s.defaults.Mode
		}
		return spec
	}
	return s.defaults
}

// Summarize produces the parent text for the given child texts at layer.
// Transient provider failures are retried with backoff; a permanent or
// persistent failure surfaces as an error.
func (s *Summarizer) Summarize(ctx context.Context, layer int, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", fmt.Errorf("summarize: no input texts for layer %d", layer)
	}
	spec := s.LayerSpec(layer)
	source := strings.Join(texts, "\n\n---\n\n")

	if budget := s.inputBudget(ctx, spec.MaxTokens); budget > 0 {
		source = truncateToTokens(source, budget)
	}

	system := systemPrompt(spec.Mode)
	user := fmt.Sprintf(
		"Summarize the following %d related passages into a single %s of at most %d tokens. Preserve concrete facts, names, and numbers.\n\n%s",
		len(texts), modeNoun(spec.Mode), spec.MaxTokens, source)

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Int63n(int64(delay) + 1))
			slog.Debug("retrying summary", "layer", layer, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		out, err := s.completer.Complete(ctx, system, user, spec.MaxTokens)
		if err == nil {
			out = strings.TrimSpace(out)
			if out == "" {
				lastErr = fmt.Errorf("summarize: empty completion at layer %d", layer)
				continue
			}
			return out, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("summarize layer %d after %d retries: %w", layer, s.maxRetries, lastErr)
}

// SummarizeOrDegrade calls Summarize and, when the provider cannot deliver,
// falls back to a truncated concatenation of the child texts so the build
// can finish. The degraded flag and reason feed node metadata. Cancellation
// is never degraded, it aborts.
func (s *Summarizer) SummarizeOrDegrade(ctx context.Context, layer int, texts []string) (summary string, degraded bool, reason string, err error) {
	out, serr := s.Summarize(ctx, layer, texts)
	if serr == nil {
		return out, false, "", nil
	}
	if errors.Is(serr, context.Canceled) || errors.Is(serr, context.DeadlineExceeded) {
		return "", false, "", serr
	}

	spec := s.LayerSpec(layer)
	slog.Warn("summary degraded to concatenation", "layer", layer, "error", serr)
	fallback := truncateToTokens(strings.Join(texts, " "), spec.MaxTokens)
	return fallback, true, serr.Error(), nil
}

// inputBudget is how many source tokens fit alongside the prompt and the
// requested output inside the model context window.
func (s *Summarizer) inputBudget(ctx context.Context, outTokens int) int {
	ctxLen, err := s.completer.ContextLength(ctx)
	if err != nil || ctxLen <= 0 {
		return 0
	}
	return ctxLen - outTokens - promptReserve
}

func systemPrompt(mode string) string {
	if mode == "bullets" {
		return "You are a precise summarizer. Respond only with a flat list of bullet points, one fact per bullet, no preamble."
	}
	return "You are a precise summarizer. Respond only with the summary text, no preamble and no commentary."
}

func modeNoun(mode string) string {
	if mode == "bullets" {
		return "bullet-point list"
	}
	return "cohesive prose summary"
}

// truncateToTokens trims text from the end until it fits the token budget.
func truncateToTokens(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	n := chunk.CountTokens(text)
	if n <= budget {
		return text
	}
	words := strings.Fields(text)
	// Proportional first cut, then shrink until under budget.
	keep := len(words) * budget / n
	if keep < 1 {
		keep = 1
	}
	for keep > 1 && chunk.CountTokens(strings.Join(words[:keep], " ")) > budget {
		keep = keep * 9 / 10
		if keep < 1 {
			keep = 1
		}
	}
	return strings.Join(words[:keep], " ")
}
