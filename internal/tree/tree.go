// Package tree holds the layered abstraction tree: an arena of nodes keyed
// by integer index, grouped into layers from concrete leaves (layer 0) up to
// the most abstract summaries.
package tree

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrEmptyTree is returned by operations that are not applicable to a tree
// with no nodes.
var ErrEmptyTree = errors.New("tree has no nodes")

// Metadata is a free-form provenance record. Absence is valid.
type Metadata struct {
	SourceType     string   `json:"source_type,omitempty"`
	SourceURL      string   `json:"source_url,omitempty"`
	SourceID       string   `json:"source_id,omitempty"`
	RelPath        string   `json:"rel_path,omitempty"`
	IngestedAt     string   `json:"ingested_at,omitempty"`
	PipelineSteps  []string `json:"pipeline_steps,omitempty"`
	CostUSD        float64  `json:"cost_usd,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	Language       string   `json:"language,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Degraded       bool     `json:"degraded,omitempty"`
	DegradedReason string   `json:"degraded_reason,omitempty"`
}

// Node is the atomic tree unit. Leaves hold verbatim source chunks; internal
// nodes hold generated summaries of their children.
type Node struct {
	Index      int                  `json:"index"`
	Text       string               `json:"text"`
	Children   []int                `json:"children,omitempty"` // sorted, drawn from the layer below
	Embeddings map[string][]float32 `json:"embeddings,omitempty"`
	Keywords   []string             `json:"keywords,omitempty"`
	Metadata   *Metadata            `json:"metadata,omitempty"`
}

// HasChild reports whether idx is one of the node's children.
func (n *Node) HasChild(idx int) bool {
	i := sort.SearchInts(n.Children, idx)
	return i < len(n.Children) && n.Children[i] == idx
}

// Tree is the assembled structure. All mutation during a build goes through
// the single controller goroutine; concurrent readers take RLock via the
// exported accessors.
type Tree struct {
	mu sync.RWMutex

	AllNodes     map[int]*Node `json:"all_nodes"`
	RootNodes    []int         `json:"root_nodes"`
	LeafNodes    []int         `json:"leaf_nodes"`
	NumLayers    int           `json:"num_layers"`
	LayerToNodes map[int][]int `json:"layer_to_nodes"`

	nextIndex int
}

func New() *Tree {
	return &Tree{
		AllNodes:     make(map[int]*Node),
		LayerToNodes: make(map[int][]int),
	}
}

// NowISO returns the current UTC time in RFC3339, the timestamp format used
// in node metadata.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewNode allocates the next free index and registers the node at the given
// layer. Children must already exist at layer-1; indices are never reused.
func (t *Tree) NewNode(layer int, text string, children []int) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.nextIndex
	t.nextIndex++

	sorted := make([]int, len(children))
	copy(sorted, children)
	sort.Ints(sorted)

	n := &Node{
		Index:      idx,
		Text:       text,
		Children:   sorted,
		Embeddings: make(map[string][]float32),
	}
	t.AllNodes[idx] = n
	t.LayerToNodes[layer] = append(t.LayerToNodes[layer], idx)
	if layer+1 > t.NumLayers {
		t.NumLayers = layer + 1
	}
	return n
}

// FinishLayers recomputes the root and leaf sets after layers have been
// assembled. Called once by the builder when the tree is complete, and again
// by the incremental updater after a bounded mutation.
func (t *Tree) FinishLayers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLayersLocked()
}

func (t *Tree) finishLayersLocked() {
	hasParent := make(map[int]bool)
	for _, n := range t.AllNodes {
		for _, c := range n.Children {
			hasParent[c] = true
		}
	}
	t.RootNodes = t.RootNodes[:0]
	t.LeafNodes = t.LeafNodes[:0]
	indices := make([]int, 0, len(t.AllNodes))
	for idx := range t.AllNodes {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		n := t.AllNodes[idx]
		if !hasParent[idx] {
			t.RootNodes = append(t.RootNodes, idx)
		}
		if len(n.Children) == 0 {
			t.LeafNodes = append(t.LeafNodes, idx)
		}
	}
}

// Node returns the node at idx, or nil.
func (t *Tree) Node(idx int) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.AllNodes[idx]
}

// Layer returns a copy of the node indices at the given layer.
func (t *Tree) Layer(layer int) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, len(t.LayerToNodes[layer]))
	copy(out, t.LayerToNodes[layer])
	return out
}

// Len returns the total node count.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.AllNodes)
}

// NodeLayer returns the layer a node belongs to, or -1.
func (t *Tree) NodeLayer(idx int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for layer, nodes := range t.LayerToNodes {
		for _, n := range nodes {
			if n == idx {
				return layer
			}
		}
	}
	return -1
}

// DegradedCount reports how many nodes carry a degraded summary. A
// completed-but-degraded tree is usable; callers can reject it over a
// threshold.
func (t *Tree) DegradedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, n := range t.AllNodes {
		if n.Metadata != nil && n.Metadata.Degraded {
			count++
		}
	}
	return count
}

// Validate checks the structural invariants: every node in exactly one
// layer, children strictly one layer below, contiguous layer numbering.
func (t *Tree) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	layerOf := make(map[int]int, len(t.AllNodes))
	for layer, nodes := range t.LayerToNodes {
		for _, idx := range nodes {
			if prev, ok := layerOf[idx]; ok {
				return fmt.Errorf("node %d appears in layers %d and %d", idx, prev, layer)
			}
			layerOf[idx] = layer
			if _, ok := t.AllNodes[idx]; !ok {
				return fmt.Errorf("layer %d references missing node %d", layer, idx)
			}
		}
	}
	if len(layerOf) != len(t.AllNodes) {
		return fmt.Errorf("%d nodes not assigned to any layer", len(t.AllNodes)-len(layerOf))
	}
	maxLayer := -1
	for layer := range t.LayerToNodes {
		if len(t.LayerToNodes[layer]) > 0 && layer > maxLayer {
			maxLayer = layer
		}
	}
	if maxLayer+1 != t.NumLayers {
		return fmt.Errorf("num_layers %d does not match max layer %d", t.NumLayers, maxLayer)
	}
	for idx, n := range t.AllNodes {
		for _, c := range n.Children {
			cl, ok := layerOf[c]
			if !ok {
				return fmt.Errorf("node %d references missing child %d", idx, c)
			}
			if cl != layerOf[idx]-1 {
				return fmt.Errorf("node %d (layer %d) has child %d at layer %d", idx, layerOf[idx], c, cl)
			}
		}
	}
	return nil
}

// treeBlob is the serialized form. The whole artifact is one atomic unit;
// there is no partial-load contract.
type treeBlob struct {
	AllNodes     map[int]*Node `json:"all_nodes"`
	RootNodes    []int         `json:"root_nodes"`
	LeafNodes    []int         `json:"leaf_nodes"`
	NumLayers    int           `json:"num_layers"`
	LayerToNodes map[int][]int `json:"layer_to_nodes"`
	NextIndex    int           `json:"next_index"`
}

// Marshal serializes the tree to a single blob.
func (t *Tree) Marshal() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(treeBlob{
		AllNodes:     t.AllNodes,
		RootNodes:    t.RootNodes,
		LeafNodes:    t.LeafNodes,
		NumLayers:    t.NumLayers,
		LayerToNodes: t.LayerToNodes,
		NextIndex:    t.nextIndex,
	})
}

// Unmarshal reconstructs a tree from a serialized blob.
func Unmarshal(data []byte) (*Tree, error) {
	var blob treeBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decode tree blob: %w", err)
	}
	t := &Tree{
		AllNodes:     blob.AllNodes,
		RootNodes:    blob.RootNodes,
		LeafNodes:    blob.LeafNodes,
		NumLayers:    blob.NumLayers,
		LayerToNodes: blob.LayerToNodes,
		nextIndex:    blob.NextIndex,
	}
	if t.AllNodes == nil {
		t.AllNodes = make(map[int]*Node)
	}
	if t.LayerToNodes == nil {
		t.LayerToNodes = make(map[int][]int)
	}
	return t, nil
}

// Save writes the serialized tree to path atomically (temp file + rename).
func (t *Tree) Save(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tree-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a tree saved with Save.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
