package keywords

import (
	"context"
	"testing"

	"github.com/oho/corpustree/internal/tree"
)

func TestExtractFrequentTermsSkipStopwords(t *testing.T) {
	e := NewExtractor(nil, 10)
	text := "The scheduler assigns tasks to workers. The scheduler keeps a queue " +
		"of tasks and the workers poll the queue for tasks."

	got := e.Extract(context.Background(), text)
	if len(got) == 0 {
		t.Fatal("expected keywords")
	}
	terms := map[string]bool{}
	for _, k := range got {
		terms[k] = true
	}
	for _, want := range []string{"tasks", "scheduler"} {
		if !terms[want] {
			t.Errorf("expected %q in %v", want, got)
		}
	}
	for _, stop := range []string{"the", "and", "for"} {
		if terms[stop] {
			t.Errorf("stopword %q leaked into %v", stop, got)
		}
	}
}

func TestExtractEmptyText(t *testing.T) {
	e := NewExtractor(nil, 10)
	if got := e.Extract(context.Background(), "   "); got != nil {
		t.Errorf("expected nil for blank text, got %v", got)
	}
}

func TestExtractRespectsCap(t *testing.T) {
	e := NewExtractor(nil, 3)
	text := "alpha bravo charlie delta echo foxtrot golf hotel india juliet " +
		"alpha bravo charlie delta echo foxtrot golf hotel india juliet"
	got := e.Extract(context.Background(), text)
	if len(got) > 3 {
		t.Errorf("cap 3 exceeded: %v", got)
	}
}

type phraseCompleter struct{ resp string }

func (c phraseCompleter) Complete(context.Context, string, string, int) (string, error) {
	return c.resp, nil
}

func TestExtractMergesLLMPhrases(t *testing.T) {
	e := NewExtractor(phraseCompleter{resp: `["raft consensus","log replication"]`}, 10)
	got := e.Extract(context.Background(), "Nodes elect a leader and replicate entries.")

	terms := map[string]bool{}
	for _, k := range got {
		terms[k] = true
	}
	if !terms["raft consensus"] || !terms["log replication"] {
		t.Errorf("LLM phrases missing from %v", got)
	}
}

func TestExtractSurvivesBadLLMOutput(t *testing.T) {
	e := NewExtractor(phraseCompleter{resp: "sorry, I cannot produce JSON"}, 10)
	got := e.Extract(context.Background(), "database index compaction merges segments")
	if len(got) == 0 {
		t.Error("term extraction should still work when the LLM pass fails")
	}
}

func TestMergeOwnFirstDeduped(t *testing.T) {
	got := Merge(
		[]string{"storage", "Compaction"},
		[][]string{{"wal", "storage"}, {"compaction", "snapshots"}},
		10)
	want := []string{"storage", "compaction", "wal", "snapshots"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMergeCap(t *testing.T) {
	got := Merge([]string{"a1", "b2", "c3"}, [][]string{{"d4", "e5"}}, 4)
	if len(got) != 4 {
		t.Errorf("expected cap 4, got %v", got)
	}
	if got[0] != "a1" {
		t.Error("own terms must survive the cap first")
	}
}

func buildKeywordTree() *tree.Tree {
	tr := tree.New()
	a := tr.NewNode(0, "about wal", nil)
	b := tr.NewNode(0, "about compaction", nil)
	c := tr.NewNode(0, "about raft", nil)
	a.Keywords = []string{"wal", "storage"}
	b.Keywords = []string{"compaction", "storage"}
	c.Keywords = []string{"raft", "election"}
	p := tr.NewNode(1, "summary", []int{a.Index, b.Index, c.Index})
	p.Keywords = Merge(nil, [][]string{a.Keywords, b.Keywords, c.Keywords}, 0)
	tr.FinishLayers()
	return tr
}

func TestIndexLookupAndAnyOf(t *testing.T) {
	idx := BuildIndex(buildKeywordTree())

	if got := idx.Lookup("storage"); len(got) != 3 {
		t.Errorf("storage should hit both leaves and the parent, got %v", got)
	}
	got := idx.AnyOf([]string{"wal", "raft"})
	if len(got) != 3 { // two leaves + parent
		t.Errorf("AnyOf(wal,raft) = %v", got)
	}
}

func TestIndexAllOf(t *testing.T) {
	idx := BuildIndex(buildKeywordTree())

	got := idx.AllOf([]string{"wal", "compaction"})
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("only the parent carries both terms, got %v", got)
	}
	if got := idx.AllOf(nil); got != nil {
		t.Errorf("empty AllOf should match nothing, got %v", got)
	}
}

func TestIndexParentCoversChildTerms(t *testing.T) {
	tr := buildKeywordTree()
	idx := BuildIndex(tr)

	// Every leaf term resolves to at least its leaf and its parent.
	for _, leaf := range tr.LeafNodes {
		for _, term := range tr.Node(leaf).Keywords {
			hits := idx.Lookup(term)
			foundLeaf, foundParent := false, false
			for _, h := range hits {
				if h == leaf {
					foundLeaf = true
				}
				if h == 3 {
					foundParent = true
				}
			}
			if !foundLeaf || !foundParent {
				t.Errorf("term %q: hits %v missing leaf %d or parent", term, hits, leaf)
			}
		}
	}
}

func TestIndexMatchCount(t *testing.T) {
	idx := BuildIndex(buildKeywordTree())
	counts := idx.MatchCount([]string{"wal", "storage", "raft"})
	if counts[3] != 3 {
		t.Errorf("parent should match all 3 terms, got %d", counts[3])
	}
	if counts[0] != 2 {
		t.Errorf("wal leaf should match 2 terms, got %d", counts[0])
	}
}
