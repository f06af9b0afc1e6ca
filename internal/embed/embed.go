// Package embed turns text into vectors through a configured provider,
// with a persistent content-addressed cache in front of it. Identical text
// is embedded at most once per model, including under concurrent callers.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/oho/corpustree/internal/provider"
)

// Provider is the embedding surface the service needs from a model backend.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel(ctx context.Context) (string, error)
}

// Service coordinates batched, cached, retried embedding calls.
type Service struct {
	provider   Provider
	cache      *Cache
	group      singleflight.Group
	batchSize  int
	workers    int
	maxRetries int
	baseDelay  time.Duration

	// inflight tracks keys some EmbedTexts call is currently embedding,
	// so concurrent batched callers wait instead of re-spending against
	// the provider. The singleflight group covers EmbedSingle the same
	// way but cannot coalesce waiters onto a caller-side batch.
	inflightMu sync.Mutex
	inflight   map[string]chan struct{}
}

// Option tweaks service construction.
type Option func(*Service)

func WithBatchSize(n int) Option  { return func(s *Service) { s.batchSize = n } }
func WithWorkers(n int) Option    { return func(s *Service) { s.workers = n } }
func WithMaxRetries(n int) Option { return func(s *Service) { s.maxRetries = n } }
func WithBaseDelay(d time.Duration) Option {
	return func(s *Service) { s.baseDelay = d }
}

func NewService(p Provider, cache *Cache, opts ...Option) *Service {
	s := &Service{
		provider:   p,
		cache:      cache,
		batchSize:  16,
		workers:    4,
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		inflight:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model reports the embedding model the service resolves against.
func (s *Service) Model(ctx context.Context) (string, error) {
	return s.provider.EmbeddingModel(ctx)
}

// Embed is EmbedTexts under the name the semantic chunker expects, so the
// chunker's unit embeddings share the cache.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return s.EmbedTexts(ctx, texts)
}

// EmbedTexts returns one vector per input text, in input order. Cached
// texts are served without a provider call; misses are deduplicated,
// batched, and embedded by a bounded worker pool. A failed text never
// yields a zero vector, the whole call errors instead.
func (s *Service) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model, err := s.provider.EmbeddingModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve embedding model: %w", err)
	}

	out := make([][]float32, len(texts))

	// Collect unique misses, remembering every position each one fills.
	missPositions := make(map[string][]int)
	missText := make(map[string]string)
	var missKeys []string
	for i, text := range texts {
		key := CacheKey(model, text)
		if vec, ok := s.cache.Get(key); ok {
			out[i] = vec
			continue
		}
		if _, seen := missPositions[key]; !seen {
			missKeys = append(missKeys, key)
			missText[key] = text
		}
		missPositions[key] = append(missPositions[key], i)
	}
	if len(missKeys) == 0 {
		return out, nil
	}

	// Partition misses into keys this call embeds and keys another call
	// is already embedding. Claimed keys are released on every path so
	// waiters never hang.
	owned, waiting := s.claim(missKeys)
	defer s.release(owned)

	slog.Debug("embedding cache misses", "total", len(texts),
		"misses", len(missKeys), "inflight_elsewhere", len(waiting), "model", model)

	if err := s.embedBatches(ctx, model, owned, missText, missPositions, out); err != nil {
		return nil, err
	}

	// Wait for the other calls' keys, re-embedding any whose owner failed.
	var orphaned []string
	for key, ch := range waiting {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
		if vec, ok := s.cache.Get(key); ok {
			for _, pos := range missPositions[key] {
				out[pos] = vec
			}
			continue
		}
		orphaned = append(orphaned, key)
	}
	if len(orphaned) > 0 {
		if err := s.embedBatches(ctx, model, orphaned, missText, missPositions, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// claim marks keys as being embedded by this call. Keys already held by
// another call come back in waiting with the channel that call will close
// when its results are cached.
func (s *Service) claim(keys []string) (owned []string, waiting map[string]chan struct{}) {
	waiting = make(map[string]chan struct{})
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for _, key := range keys {
		if ch, ok := s.inflight[key]; ok {
			waiting[key] = ch
			continue
		}
		s.inflight[key] = make(chan struct{})
		owned = append(owned, key)
	}
	return owned, waiting
}

func (s *Service) release(keys []string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for _, key := range keys {
		if ch, ok := s.inflight[key]; ok {
			close(ch)
			delete(s.inflight, key)
		}
	}
}

// embedBatches embeds the given keys with the bounded worker pool, caches
// the vectors, and fills every position each key covers.
func (s *Service) embedBatches(ctx context.Context, model string, keys []string, textOf map[string]string, positions map[string][]int, out [][]float32) error {
	if len(keys) == 0 {
		return nil
	}
	texts := make([]string, len(keys))
	for i, key := range keys {
		texts[i] = textOf[key]
	}

	results := make([][]float32, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for start := 0; start < len(texts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			vecs, err := s.embedWithRetry(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, key := range keys {
		if err := s.cache.Put(key, model, results[i]); err != nil {
			slog.Warn("embedding cache write failed", "error", err)
		}
		for _, pos := range positions[key] {
			out[pos] = results[i]
		}
	}
	return nil
}

// EmbedSingle embeds one text. Concurrent calls for the same text collapse
// into a single provider request.
func (s *Service) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	model, err := s.provider.EmbeddingModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve embedding model: %w", err)
	}
	key := CacheKey(model, text)
	if vec, ok := s.cache.Get(key); ok {
		return vec, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		if vec, ok := s.cache.Get(key); ok {
			return vec, nil
		}
		vecs, err := s.embedWithRetry(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if err := s.cache.Put(key, model, vecs[0]); err != nil {
			slog.Warn("embedding cache write failed", "error", err)
		}
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// embedWithRetry retries transient provider failures with exponential
// backoff and jitter. Permanent failures surface immediately.
func (s *Service) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Int63n(int64(delay) + 1))
			slog.Debug("retrying embed batch", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		vecs, err := s.provider.Embed(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("embed failed after %d retries: %w", s.maxRetries, lastErr)
}
