package schedule

import (
	"fmt"
	"sort"

	"graphopt/ir"
)

// postScheduleOrder returns nodes ordered by scheduled cycle, breaking
// ties by original program position — the order the original's
// post_schedule_ordering priority_queue yields once every node has been
// assigned a cycle.
func postScheduleOrder(nodes []*node) []*node {
	out := append([]*node(nil), nodes...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].schedCycle != out[j].schedCycle {
			return out[i].schedCycle < out[j].schedCycle
		}
		return out[i].pos < out[j].pos
	})
	return out
}

// splice physically reorders p to match final program order, moving
// instructions back to front and chaining each move's insertion point
// off the previous one, the same shape as the original's splice()
// walking sorted_nodes in reverse via a std::list.
func splice(p *ir.Program, order []*node) {
	var insertBefore *ir.Instruction
	for i := len(order) - 1; i >= 0; i-- {
		ins := order[i].ins
		p.MoveBefore(ins, insertBefore)
		insertBefore = ins
	}
}

// verify checks that every instruction's arguments already precede it in
// program order — the sanity pass spec.md §4.3.5 describes, gated behind
// WithVerify the way the original gates it behind MIGRAPH_DEBUG_OPT.
func verify(p *ir.Program) error {
	seen := make(map[*ir.Instruction]bool)
	for _, ins := range p.Instructions() {
		for _, arg := range ins.Args {
			if !seen[arg] {
				return fmt.Errorf("instruction %s scheduled before its argument %s", ins.Name(), arg.Name())
			}
		}
		seen[ins] = true
	}
	return nil
}
