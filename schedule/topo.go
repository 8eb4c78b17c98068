package schedule

import "container/heap"

// readyHeap is a max-heap of nodes whose arguments have all already been
// scheduled, ordered by weightSum (heaviest critical path first) with
// original program position as a stable tie-break. This is the Go analog
// of the original's weighted_topology_ordering priority_queue comparator.
type readyHeap []*node

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].weightSum != h[j].weightSum {
		return h[i].weightSum > h[j].weightSum
	}
	return h[i].pos < h[j].pos
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*node)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// weightedTopoSort produces a topological order over nt's nodes that
// greedily prefers, among all currently-ready nodes, the one on the
// heaviest critical path — so that expensive chains get scheduled (and
// therefore assigned a stream) as early as possible instead of waiting
// behind lighter, unrelated work that merely happens to appear first in
// program order.
func weightedTopoSort(nt *nodeTable) []*node {
	indegree := make(map[*node]int, len(nt.nodes))
	for _, n := range nt.nodes {
		indegree[n] = len(n.ins.Args)
	}

	h := &readyHeap{}
	heap.Init(h)
	for _, n := range nt.nodes {
		if indegree[n] == 0 {
			heap.Push(h, n)
		}
	}

	sorted := make([]*node, 0, len(nt.nodes))
	for h.Len() > 0 {
		n := heap.Pop(h).(*node)
		sorted = append(sorted, n)
		for _, outIns := range n.ins.Outputs {
			m := nt.of(outIns)
			indegree[m]--
			if indegree[m] == 0 {
				heap.Push(h, m)
			}
		}
	}
	return sorted
}
