package schedule

import "graphopt/ir"

// node is one entry of the scheduling DAG-node table (spec.md's dag_node,
// C6): the per-instruction bookkeeping the weighted topological sort and
// stream assigner accumulate as they walk the program.
type node struct {
	ins      *ir.Instruction
	pos      int // original program order, used only as a stable tie-break
	weight   int
	runOnCPU bool

	// weightSum is its own weight plus the weightSum of every distinct
	// input-producer node (a diamond's shared ancestor counts once).
	// Nodes with a larger weightSum are prioritized for earlier
	// scheduling, the same shape as the original's compute_weights +
	// exit-node sort.
	weightSum int

	// partition groups nodes onto the same tentative stream lineage.
	// firstChild is the first consumer, in program order, whose heaviest
	// input is this node; only that consumer inherits the partition, and
	// other consumers fork onto their own partitions unless their
	// weightSum is under minPartitionThreshold (spec.md §4.3.2's
	// partition inheritance/creation). A heavier consumer that comes
	// later in program order does not take over the partition.
	partition  int
	firstChild *node

	stream     int
	schedCycle int
}

// nodeTable indexes every instruction of a program by its scheduling node.
type nodeTable struct {
	byInstr map[*ir.Instruction]*node
	nodes   []*node

	// partitionLoad is the Partition table (spec.md §3): a dense mapping
	// from partition id to the accumulated weight of every node
	// assigned to it so far, consulted by getStream to leave headroom
	// for the rest of a partition's work before committing a stream.
	partitionLoad map[int]int
}

func buildNodeTable(p *ir.Program, oracle WeightOracle) *nodeTable {
	instrs := p.Instructions()
	nt := &nodeTable{
		byInstr:       make(map[*ir.Instruction]*node, len(instrs)),
		nodes:         make([]*node, 0, len(instrs)),
		partitionLoad: make(map[int]int, len(instrs)),
	}
	for i, ins := range instrs {
		weight, runOnCPU := oracle(ins.Name())
		n := &node{ins: ins, pos: i, weight: weight, runOnCPU: runOnCPU, stream: -1, partition: -1}
		nt.byInstr[ins] = n
		nt.nodes = append(nt.nodes, n)
	}
	return nt
}

func (nt *nodeTable) of(ins *ir.Instruction) *node { return nt.byInstr[ins] }

// loadOf returns the Partition table's accumulated weight for partition,
// spec.md §4.3.3's partition_load(n.partition).
func (nt *nodeTable) loadOf(partition int) int { return nt.partitionLoad[partition] }

// computeWeights fills in weightSum and partition for every node in a
// single forward pass. It relies on the program already being in a valid
// topological order. AddInstruction keeps a program in that order, since
// it appends and only accepts arguments already present in the program;
// InsertBefore, MoveBefore and ReplaceArgument do not check it.
//
// minPartitionThreshold gates spec.md §4.3.2 point 3's non-critical-child
// rule: an input that isn't its consumer's heaviest (so doesn't inherit
// via the firstChild path below) still inherits the same partition,
// instead of opening a new one, when its own weightSum falls under this
// threshold. Every node's weight is added to its partition's entry in
// the table regardless of which branch assigned it.
func computeWeights(nt *nodeTable, minPartitionThreshold int) {
	nextPartition := 0
	newPartition := func(n *node) {
		n.partition = nextPartition
		nextPartition++
	}
	for _, n := range nt.nodes {
		if len(n.ins.Args) == 0 {
			n.weightSum = n.weight
			newPartition(n)
			nt.partitionLoad[n.partition] += n.weight
			continue
		}
		var critical *node
		seen := make(map[*node]bool, len(n.ins.Args))
		sum := n.weight
		for _, arg := range n.ins.Args {
			p := nt.of(arg)
			if !seen[p] {
				seen[p] = true
				sum += p.weightSum
			}
			if critical == nil || p.weightSum > critical.weightSum {
				critical = p
			}
		}
		n.weightSum = sum

		switch {
		case critical.firstChild == nil:
			critical.firstChild = n
			n.partition = critical.partition
		case n.weightSum < minPartitionThreshold:
			n.partition = critical.partition
		default:
			newPartition(n)
		}
		nt.partitionLoad[n.partition] += n.weight
	}
}

// exitNodes returns every node with no consumers, ordered by descending
// weightSum — the roots compute_weights sorts before the reverse walk in
// the original's reorder().
func (nt *nodeTable) exitNodes() []*node {
	var exits []*node
	for _, n := range nt.nodes {
		if len(n.ins.Outputs) == 0 {
			exits = append(exits, n)
		}
	}
	for i := 1; i < len(exits); i++ {
		for j := i; j > 0 && exits[j].weightSum > exits[j-1].weightSum; j-- {
			exits[j], exits[j-1] = exits[j-1], exits[j]
		}
	}
	return exits
}
