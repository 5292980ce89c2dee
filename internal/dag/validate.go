package dag

import (
	"container/heap"
	"slices"
)

// validateAcyclic checks the action graph with Kahn's algorithm.
//
// Producer-before-consumer resolution already rules cycles out; this is the
// structural check the executor's dispatch order relies on.
func (g *PipelineGraph) validateAcyclic() error {
	_, residual := g.kahn()
	if len(residual) == 0 {
		return nil
	}
	return cycleError(g.cycleWitness(residual))
}

// indexHeap pops the lowest declaration index first, which makes the order
// deterministic.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// kahn returns the topological order of node indices and the nodes it could
// not order, which are exactly those on or behind a cycle.
func (g *PipelineGraph) kahn() (order []int, residual []int) {
	indeg := slices.Clone(g.indeg)
	ready := &indexHeap{}
	for i, d := range indeg {
		if d == 0 {
			*ready = append(*ready, i)
		}
	}
	heap.Init(ready)

	order = make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, n)
		for _, m := range g.outgoing[n] {
			if indeg[m]--; indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	for i, d := range indeg {
		if d > 0 {
			residual = append(residual, i)
		}
	}
	return order, residual
}

// cycleWitness walks predecessors inside the residual graph until a node
// repeats. Every residual node has a residual predecessor, so the walk always
// closes a cycle. The path is returned in edge order, first node repeated at
// the end.
func (g *PipelineGraph) cycleWitness(residual []int) []string {
	left := make(map[int]bool, len(residual))
	for _, n := range residual {
		left[n] = true
	}

	seenAt := make(map[int]int)
	var walk []int
	for cur := residual[0]; ; {
		if at, ok := seenAt[cur]; ok {
			walk = append(walk[at:], cur)
			break
		}
		seenAt[cur] = len(walk)
		walk = append(walk, cur)
		next := -1
		for _, p := range g.incoming[cur] { // sorted ascending
			if left[p] {
				next = p
				break
			}
		}
		if next < 0 {
			return nil
		}
		cur = next
	}

	slices.Reverse(walk)
	out := make([]string, 0, len(walk))
	for _, idx := range walk {
		out = append(out, g.nodes[idx].Ref().String())
	}
	return out
}
