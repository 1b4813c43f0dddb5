// Package dag builds the step dependency graph of a workflow and computes
// its execution order.
package dag

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/errdefs"
)

// Graph is an immutable, validated step graph. Edges are exactly the
// declared depend sets.
type Graph struct {
	steps    map[string]*definition.Step
	parents  map[string][]string
	children map[string][]string
	order    []string
}

// Build validates the depend sets of steps and orders them. Unknown
// parents and cycles are reported as DependencyError.
func Build(steps []*definition.Step) (*Graph, error) {
	g := &Graph{
		steps:    make(map[string]*definition.Step, len(steps)),
		parents:  make(map[string][]string, len(steps)),
		children: make(map[string][]string, len(steps)),
	}
	for _, s := range steps {
		g.steps[s.ID] = s
	}

	indegree := make(map[string]int, len(steps))
	for _, s := range steps {
		seen := make(map[string]bool, len(s.Depend))
		for _, dep := range s.Depend {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := g.steps[dep]; !ok {
				return nil, &errdefs.DependencyError{Step: s.ID, Msg: fmt.Sprintf("depends on unknown step %q", dep)}
			}
			g.parents[s.ID] = append(g.parents[s.ID], dep)
			g.children[dep] = append(g.children[dep], s.ID)
			indegree[s.ID]++
		}
	}
	for id := range g.children {
		g.sortIDs(g.children[id])
	}
	for id := range g.parents {
		g.sortIDs(g.parents[id])
	}

	ready := &stepHeap{}
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			heap.Push(ready, s)
		}
	}
	for ready.Len() > 0 {
		s := heap.Pop(ready).(*definition.Step)
		g.order = append(g.order, s.ID)
		for _, child := range g.children[s.ID] {
			indegree[child]--
			if indegree[child] == 0 {
				heap.Push(ready, g.steps[child])
			}
		}
	}

	if len(g.order) < len(steps) {
		return nil, &errdefs.DependencyError{Cycle: g.findCycle(indegree)}
	}
	return g, nil
}

// findCycle walks parent edges among the unordered steps until a step
// repeats. Every unordered step has at least one unordered parent.
func (g *Graph) findCycle(indegree map[string]int) []string {
	var start string
	for _, id := range g.sortedIDs() {
		if indegree[id] > 0 {
			start = id
			break
		}
	}

	pos := make(map[string]int)
	var path []string
	current := start
	for {
		if i, ok := pos[current]; ok {
			cycle := append([]string{}, path[i:]...)
			// reverse into dependency direction and close the loop
			for l, r := 0, len(cycle)-1; l < r; l, r = l+1, r-1 {
				cycle[l], cycle[r] = cycle[r], cycle[l]
			}
			return append(cycle, cycle[0])
		}
		pos[current] = len(path)
		path = append(path, current)
		for _, p := range g.parents[current] {
			if indegree[p] > 0 {
				current = p
				break
			}
		}
	}
}

// Order returns step ids in execution order. Every step appears after all
// of its parents; unrelated steps are ordered by number, letter and id.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Step returns the definition of id
func (g *Graph) Step(id string) *definition.Step {
	return g.steps[id]
}

// Parents returns the declared parents of id
func (g *Graph) Parents(id string) []string {
	return g.parents[id]
}

// Children returns the steps that declare id as a parent
func (g *Graph) Children(id string) []string {
	return g.children[id]
}

// Roots returns the steps without parents in execution order
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Descendants returns every step reachable from id through child edges,
// in execution order
func (g *Graph) Descendants(id string) []string {
	reached := make(map[string]bool)
	stack := append([]string(nil), g.children[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[n] {
			continue
		}
		reached[n] = true
		stack = append(stack, g.children[n]...)
	}

	var out []string
	for _, n := range g.order {
		if reached[n] {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return g.steps[ids[i]].Before(g.steps[ids[j]]) })
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.steps))
	for id := range g.steps {
		ids = append(ids, id)
	}
	g.sortIDs(ids)
	return ids
}

// stepHeap is a min-heap of steps by ordering key
type stepHeap []*definition.Step

func (h stepHeap) Len() int            { return len(h) }
func (h stepHeap) Less(i, j int) bool  { return h[i].Before(h[j]) }
func (h stepHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *stepHeap) Push(x interface{}) { *h = append(*h, x.(*definition.Step)) }
func (h *stepHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}
