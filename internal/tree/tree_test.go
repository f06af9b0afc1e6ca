package tree

import (
	"path/filepath"
	"reflect"
	"testing"
)

// buildSmallTree assembles 4 leaves, 2 mid nodes, 1 root.
func buildSmallTree() *Tree {
	t := New()
	l0 := t.NewNode(0, "alpha", nil)
	l1 := t.NewNode(0, "beta", nil)
	l2 := t.NewNode(0, "gamma", nil)
	l3 := t.NewNode(0, "delta", nil)
	l0.Embeddings["m"] = []float32{1, 0}
	l1.Embeddings["m"] = []float32{0.9, 0.1}
	l2.Embeddings["m"] = []float32{0, 1}
	l3.Embeddings["m"] = []float32{0.1, 0.9}
	m0 := t.NewNode(1, "summary of alpha+beta", []int{l0.Index, l1.Index})
	m1 := t.NewNode(1, "summary of gamma+delta", []int{l2.Index, l3.Index})
	t.NewNode(2, "top summary", []int{m0.Index, m1.Index})
	t.FinishLayers()
	return t
}

func TestNewNodeAssignsStableIndices(t *testing.T) {
	tr := New()
	a := tr.NewNode(0, "a", nil)
	b := tr.NewNode(0, "b", nil)
	if a.Index != 0 || b.Index != 1 {
		t.Errorf("expected indices 0,1 got %d,%d", a.Index, b.Index)
	}
}

func TestFinishLayersRootsAndLeaves(t *testing.T) {
	tr := buildSmallTree()
	if len(tr.RootNodes) != 1 {
		t.Errorf("expected 1 root, got %v", tr.RootNodes)
	}
	if len(tr.LeafNodes) != 4 {
		t.Errorf("expected 4 leaves, got %v", tr.LeafNodes)
	}
	if tr.NumLayers != 3 {
		t.Errorf("expected 3 layers, got %d", tr.NumLayers)
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	tr := buildSmallTree()
	if err := tr.Validate(); err != nil {
		t.Errorf("valid tree rejected: %v", err)
	}
}

func TestValidateRejectsCrossLayerChild(t *testing.T) {
	tr := New()
	leaf := tr.NewNode(0, "leaf", nil)
	// Parent two layers up referencing a layer-0 child directly
	tr.NewNode(2, "bad parent", []int{leaf.Index})
	tr.FinishLayers()
	if err := tr.Validate(); err == nil {
		t.Error("expected validation error for child two layers down")
	}
}

func TestNodeLayer(t *testing.T) {
	tr := buildSmallTree()
	if got := tr.NodeLayer(0); got != 0 {
		t.Errorf("leaf layer = %d", got)
	}
	if got := tr.NodeLayer(6); got != 2 {
		t.Errorf("root layer = %d", got)
	}
	if got := tr.NodeLayer(99); got != -1 {
		t.Errorf("missing node layer = %d", got)
	}
}

func TestDegradedCount(t *testing.T) {
	tr := buildSmallTree()
	if tr.DegradedCount() != 0 {
		t.Errorf("fresh tree should have 0 degraded nodes")
	}
	tr.Node(4).Metadata = &Metadata{Degraded: true, DegradedReason: "summarizer unavailable"}
	if tr.DegradedCount() != 1 {
		t.Errorf("expected 1 degraded node")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	tr := buildSmallTree()
	tr.Node(0).Keywords = []string{"alpha", "greek"}
	tr.Node(0).Metadata = &Metadata{SourceURL: "https://example.com/a", RelPath: "docs/a.md"}

	data, err := tr.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(got.AllNodes, tr.AllNodes) {
		t.Error("all_nodes not identical after round trip")
	}
	if !reflect.DeepEqual(got.LayerToNodes, tr.LayerToNodes) {
		t.Error("layer_to_nodes not identical after round trip")
	}
	if got.NumLayers != tr.NumLayers {
		t.Errorf("num_layers %d != %d", got.NumLayers, tr.NumLayers)
	}

	// Indices keep advancing after a reload, never reused
	n := got.NewNode(0, "new leaf", nil)
	if n.Index != 7 {
		t.Errorf("expected next index 7, got %d", n.Index)
	}
}

func TestSaveLoadAtomic(t *testing.T) {
	tr := buildSmallTree()
	path := filepath.Join(t.TempDir(), "tree.json")
	if err := tr.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != tr.Len() {
		t.Errorf("expected %d nodes, got %d", tr.Len(), got.Len())
	}
	if err := got.Validate(); err != nil {
		t.Errorf("loaded tree invalid: %v", err)
	}
}

func TestHasChild(t *testing.T) {
	tr := buildSmallTree()
	parent := tr.Node(4)
	if !parent.HasChild(0) || !parent.HasChild(1) {
		t.Error("expected children 0 and 1")
	}
	if parent.HasChild(2) {
		t.Error("node 2 is not a child of node 4")
	}
}
