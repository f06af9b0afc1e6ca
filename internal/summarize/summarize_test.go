package summarize

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oho/corpustree/internal/config"
	"github.com/oho/corpustree/internal/provider"
)

type stubCompleter struct {
	calls      atomic.Int64
	failures   int64
	transient  bool
	response   string
	ctxLen     int
	lastUser   string
	lastMaxTok int
}

func (c *stubCompleter) Complete(_ context.Context, _, user string, maxTokens int) (string, error) {
	n := c.calls.Add(1)
	c.lastUser = user
	c.lastMaxTok = maxTokens
	if n <= c.failures {
		if c.transient {
			return "", &provider.Error{Op: "complete", Status: 503, Transient: true}
		}
		return "", &provider.Error{Op: "complete", Status: 400}
	}
	return c.response, nil
}

func (c *stubCompleter) ContextLength(context.Context) (int, error) {
	if c.ctxLen == 0 {
		return 4096, nil
	}
	return c.ctxLen, nil
}

func buildCfg() config.BuildConfig {
	cfg := config.Profile("default")
	cfg.LayerOverrides = map[int]config.LayerSummary{
		3: {MaxTokens: 80, Mode: "bullets"},
		4: {MaxTokens: 50},
	}
	return cfg
}

func TestLayerSpecResolution(t *testing.T) {
	s := New(&stubCompleter{}, buildCfg())

	if spec := s.LayerSpec(1); spec.MaxTokens != 200 || spec.Mode != "prose" {
		t.Errorf("layer 1 should use defaults, got %+v", spec)
	}
	if spec := s.LayerSpec(3); spec.MaxTokens != 80 || spec.Mode != "bullets" {
		t.Errorf("layer 3 override not applied: %+v", spec)
	}
	// Partial override inherits the missing mode from defaults.
	if spec := s.LayerSpec(4); spec.MaxTokens != 50 || spec.Mode != "prose" {
		t.Errorf("layer 4 partial override: %+v", spec)
	}
}

func TestSummarizeHappyPath(t *testing.T) {
	c := &stubCompleter{response: "A tidy summary."}
	s := New(c, buildCfg())

	out, err := s.Summarize(context.Background(), 1, []string{"first passage", "second passage"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "A tidy summary." {
		t.Errorf("got %q", out)
	}
	if c.lastMaxTok != 200 {
		t.Errorf("expected layer default max tokens 200, got %d", c.lastMaxTok)
	}
	if !strings.Contains(c.lastUser, "first passage") || !strings.Contains(c.lastUser, "second passage") {
		t.Error("prompt missing source passages")
	}
}

func TestSummarizeRetriesTransient(t *testing.T) {
	c := &stubCompleter{response: "eventually fine", failures: 2, transient: true}
	s := New(c, buildCfg(), WithBaseDelay(time.Millisecond))

	out, err := s.Summarize(context.Background(), 1, []string{"text"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "eventually fine" {
		t.Errorf("got %q", out)
	}
	if c.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", c.calls.Load())
	}
}

func TestSummarizePermanentFailureImmediate(t *testing.T) {
	c := &stubCompleter{failures: 100}
	s := New(c, buildCfg(), WithBaseDelay(time.Millisecond))

	if _, err := s.Summarize(context.Background(), 1, []string{"text"}); err == nil {
		t.Fatal("expected error")
	}
	if c.calls.Load() != 1 {
		t.Errorf("permanent failure should not retry, got %d calls", c.calls.Load())
	}
}

func TestSummarizeOrDegradeFallsBack(t *testing.T) {
	c := &stubCompleter{failures: 100, transient: true}
	s := New(c, buildCfg(), WithMaxRetries(1), WithBaseDelay(time.Millisecond))

	out, degraded, reason, err := s.SummarizeOrDegrade(context.Background(), 2, []string{"alpha beta", "gamma delta"})
	if err != nil {
		t.Fatal(err)
	}
	if !degraded {
		t.Fatal("expected degraded result")
	}
	if reason == "" {
		t.Error("expected a degradation reason")
	}
	if !strings.Contains(out, "alpha") {
		t.Errorf("fallback should carry child text, got %q", out)
	}
}

func TestSummarizeOrDegradeNeverSwallowsCancellation(t *testing.T) {
	c := &stubCompleter{failures: 100, transient: true}
	s := New(c, buildCfg(), WithMaxRetries(3), WithBaseDelay(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, _, err := s.SummarizeOrDegrade(ctx, 1, []string{"text"})
	if err == nil {
		t.Fatal("cancellation must abort, not degrade")
	}
}

func TestSummarizeEmptyInput(t *testing.T) {
	s := New(&stubCompleter{}, buildCfg())
	if _, err := s.Summarize(context.Background(), 0, nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestSummarizeTruncatesToContextWindow(t *testing.T) {
	c := &stubCompleter{response: "short", ctxLen: 600}
	s := New(c, buildCfg())

	long := strings.Repeat("lorem ipsum dolor sit amet ", 500)
	if _, err := s.Summarize(context.Background(), 1, []string{long}); err != nil {
		t.Fatal(err)
	}
	if len(c.lastUser) >= len(long) {
		t.Error("oversized source should be truncated before prompting")
	}
}

func TestTruncateToTokens(t *testing.T) {
	text := strings.Repeat("word ", 200)
	out := truncateToTokens(text, 50)
	if len(strings.Fields(out)) >= 200 {
		t.Error("expected truncation")
	}
	if truncateToTokens("tiny", 50) != "tiny" {
		t.Error("under-budget text must pass through")
	}
}

func TestBulletModePrompt(t *testing.T) {
	c := &stubCompleter{response: "- point"}
	s := New(c, buildCfg())

	if _, err := s.Summarize(context.Background(), 3, []string{"text"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(c.lastUser, "bullet") {
		t.Errorf("layer 3 should request bullets, prompt: %q", c.lastUser)
	}
	if c.lastMaxTok != 80 {
		t.Errorf("layer 3 max tokens = %d", c.lastMaxTok)
	}
}
