package keywords

import (
	"sort"

	"github.com/oho/corpustree/internal/tree"
)

// Index is an inverted keyword index: normalized term to sorted node
// indices. It is rebuilt from the tree, never mutated ad hoc.
type Index struct {
	postings map[string][]int
}

// BuildIndex walks every node of the tree and indexes its keywords.
func BuildIndex(t *tree.Tree) *Index {
	idx := &Index{postings: map[string][]int{}}
	for _, node := range t.AllNodes {
		for _, term := range node.Keywords {
			idx.add(term, node.Index)
		}
	}
	for term := range idx.postings {
		sort.Ints(idx.postings[term])
	}
	return idx
}

func (idx *Index) add(term string, node int) {
	term = normalizeTerm(term)
	if term == "" {
		return
	}
	posting := idx.postings[term]
	for _, existing := range posting {
		if existing == node {
			return
		}
	}
	idx.postings[term] = append(posting, node)
}

// Lookup returns the nodes indexed under a single term.
func (idx *Index) Lookup(term string) []int {
	return idx.postings[normalizeTerm(term)]
}

// AnyOf returns nodes matching at least one term, sorted ascending.
func (idx *Index) AnyOf(terms []string) []int {
	seen := map[int]bool{}
	var out []int
	for _, term := range terms {
		for _, node := range idx.Lookup(term) {
			if !seen[node] {
				seen[node] = true
				out = append(out, node)
			}
		}
	}
	sort.Ints(out)
	return out
}

// AllOf returns nodes matching every term, sorted ascending. An empty term
// list matches nothing.
func (idx *Index) AllOf(terms []string) []int {
	if len(terms) == 0 {
		return nil
	}
	counts := map[int]int{}
	for _, term := range terms {
		for _, node := range idx.Lookup(term) {
			counts[node]++
		}
	}
	var out []int
	for node, c := range counts {
		if c == len(terms) {
			out = append(out, node)
		}
	}
	sort.Ints(out)
	return out
}

// MatchCount returns, per node, how many of the query terms it carries.
func (idx *Index) MatchCount(terms []string) map[int]int {
	counts := map[int]int{}
	for _, term := range terms {
		for _, node := range idx.Lookup(term) {
			counts[node]++
		}
	}
	return counts
}

// Terms reports the number of distinct indexed terms.
func (idx *Index) Terms() int { return len(idx.postings) }
