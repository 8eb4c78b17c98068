package schedule

import "graphopt/ir"

// streamState is the running state of stream assignment across the whole
// schedule() walk: each stream's next free cycle, and the highest cycle
// committed to any stream so far. The Go analog of the original's
// stream_info.
type streamState struct {
	nextCycle []int
	maxCycle  int
}

// getStream picks a stream for n. The primary rule (spec.md §4.3.3):
// the first stream whose next free cycle, floored by earliest (the
// cycle n's dependencies finish), leaves more headroom before maxCycle
// than partitionLoad — n's partition still has that much work left to
// absorb, so a stream with less slack than that would just stall behind
// it. If no stream qualifies, fall back to the one that can start
// soonest. When nothing has been scheduled yet, maxCycle is still 0 and
// every candidate cycle would trivially be 0 too, so this takes a fast
// path back to stream 0, mirroring the original's max_cycle == 0
// shortcut in get_stream() — safe only because partitionLoad is also
// zero at that point.
func getStream(info *streamState, earliest, partitionLoad int) int {
	if info.maxCycle == 0 {
		return 0
	}

	best := -1
	bestCandidate := 0
	for s, next := range info.nextCycle {
		cycle := max(next, earliest)
		if cycle < info.maxCycle && info.maxCycle-cycle > partitionLoad {
			return s
		}
		if best == -1 || cycle < bestCandidate {
			bestCandidate = cycle
			best = s
		}
	}
	return best
}

// record commits n to stream, advances that stream's next free cycle,
// and annotates cross-stream edges: a producer on a different stream
// gets RECORD_EVENT, and n itself gets WAIT_EVENT, exactly the
// synchronization contract spec.md's Data Model assigns to
// InstructionMask.
func record(nt *nodeTable, n *node, stream int, info *streamState, earliest int) {
	n.schedCycle = max(info.nextCycle[stream], earliest)
	next := n.schedCycle + n.weight
	info.nextCycle[stream] = next
	info.maxCycle = max(info.maxCycle, next)
	n.stream = stream
	n.ins.Stream = stream

	for _, arg := range n.ins.Args {
		p := nt.of(arg)
		if p.stream >= 0 && p.stream != stream {
			p.ins.AddMask(ir.RecordEvent)
			n.ins.AddMask(ir.WaitEvent)
		}
	}
}

// schedule walks sorted nodes in weighted-topological order, assigning
// each a stream (reusing the stream already picked for its partition,
// the way the original's schedule() consults partition2_stream) and
// recording its cycle.
func schedule(nt *nodeTable, sorted []*node, numStreams int) {
	info := &streamState{nextCycle: make([]int, numStreams)}
	partition2Stream := make(map[int]int)

	for _, n := range sorted {
		if n.runOnCPU {
			n.stream = -1
			n.ins.Stream = -1
			continue
		}

		earliest := 0
		for _, arg := range n.ins.Args {
			p := nt.of(arg)
			if p.stream < 0 {
				continue
			}
			if finish := p.schedCycle + p.weight; finish > earliest {
				earliest = finish
			}
		}

		stream, ok := partition2Stream[n.partition]
		if !ok {
			stream = getStream(info, earliest, nt.loadOf(n.partition))
			partition2Stream[n.partition] = stream
		}
		record(nt, n, stream, info, earliest)
	}
}
