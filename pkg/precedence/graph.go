// Package precedence maintains the "overrides" relation between regulatory
// rules as an always-acyclic directed graph. An edge A→B asserts lex
// specialis: the specific rule A overrides the general rule B.
package precedence

import (
	"fmt"
	"sync"
	"time"

	"github.com/truthlayer/core/pkg/contracts"
)

// maxDepth bounds reachability traversal. Real precedence chains are a
// handful of hops; anything deeper indicates pathological input.
const maxDepth = 64

// CycleDetectedError reports an edge insertion that would close a cycle.
type CycleDetectedError struct {
	FromRuleID string
	ToRuleID   string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("precedence: adding override %s -> %s would create a cycle", e.FromRuleID, e.ToRuleID)
}

// Graph is an in-memory adjacency-list precedence graph. All queries are
// read-only; AddOverride is the only mutation and preserves acyclicity.
type Graph struct {
	mu    sync.RWMutex
	edges map[string][]string // fromRuleID -> toRuleIDs
	notes map[string]contracts.PrecedenceEdge
	clock func() time.Time
}

// NewGraph creates an empty precedence graph.
func NewGraph() *Graph {
	return &Graph{
		edges: make(map[string][]string),
		notes: make(map[string]contracts.PrecedenceEdge),
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (g *Graph) WithClock(clock func() time.Time) *Graph {
	g.clock = clock
	return g
}

// FromEdges rebuilds a graph from a persisted edge set, keeping each edge's
// stored provenance. A cycle in the input means the edge store was mutated
// outside the cycle check and is reported as corruption, not skipped.
func FromEdges(edges []*contracts.PrecedenceEdge) (*Graph, error) {
	g := NewGraph()
	for _, e := range edges {
		if err := g.AddOverride(e.FromRuleID, e.ToRuleID, e.Note); err != nil {
			return nil, fmt.Errorf("precedence: rebuild from stored edges: %w", err)
		}
		g.mu.Lock()
		g.notes[edgeKey(e.FromRuleID, e.ToRuleID)] = *e
		g.mu.Unlock()
	}
	return g, nil
}

// AddOverride records that from overrides to. It fails with
// *CycleDetectedError when to can already reach from, leaving the graph
// unchanged. Duplicate edges are a no-op.
func (g *Graph) AddOverride(from, to, note string) error {
	if from == "" || to == "" {
		return fmt.Errorf("precedence: empty rule id in override %q -> %q", from, to)
	}
	if from == to {
		return &CycleDetectedError{FromRuleID: from, ToRuleID: to}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, existing := range g.edges[from] {
		if existing == to {
			return nil
		}
	}
	if g.reaches(to, from, maxDepth) {
		return &CycleDetectedError{FromRuleID: from, ToRuleID: to}
	}

	g.edges[from] = append(g.edges[from], to)
	g.notes[edgeKey(from, to)] = contracts.PrecedenceEdge{
		FromRuleID: from,
		ToRuleID:   to,
		Note:       note,
		CreatedAt:  g.clock().UTC(),
	}
	return nil
}

// DoesOverride reports whether a reaches b through zero or more override
// edges. A rule trivially overrides itself.
func (g *Graph) DoesOverride(a, b string) bool {
	if a == b {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reaches(a, b, maxDepth)
}

// FindOverridingRules returns the ids of all rules with a directed path to
// ruleID, i.e. every rule that transitively overrides it.
func (g *Graph) FindOverridingRules(ruleID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var result []string
	for from := range g.edges {
		if from != ruleID && g.reaches(from, ruleID, maxDepth) {
			result = append(result, from)
		}
	}
	return result
}

// Edge returns the stored provenance for a direct edge, if present.
func (g *Graph) Edge(from, to string) (contracts.PrecedenceEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.notes[edgeKey(from, to)]
	return e, ok
}

// EdgeCount returns the number of direct override edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.notes)
}

// reaches performs a depth-bounded BFS from src looking for dst.
// Callers must hold at least a read lock.
func (g *Graph) reaches(src, dst string, depth int) bool {
	visited := map[string]bool{src: true}
	frontier := []string{src}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, node := range frontier {
			for _, succ := range g.edges[node] {
				if succ == dst {
					return true
				}
				if !visited[succ] {
					visited[succ] = true
					next = append(next, succ)
				}
			}
		}
		frontier = next
	}
	return false
}

func edgeKey(from, to string) string {
	return from + "->" + to
}
