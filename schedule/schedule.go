// Package schedule implements pre-scheduling: computing a weighted
// topological order over a program's instructions, assigning each
// non-host instruction to one of a fixed number of execution streams,
// annotating cross-stream dependencies with RECORD_EVENT/WAIT_EVENT
// masks, and splicing the program into the resulting order.
package schedule

import (
	"fmt"

	"graphopt/ir"
)

// Run reorders and stream-assigns every instruction in p. oracle supplies
// the per-operator cost estimate driving both the weighted topological
// sort and stream load balancing; numStreams bounds how many concurrent
// execution streams instructions may be assigned to (values below 1 are
// treated as 1, matching a single-stream, host-serialized schedule).
func Run(p *ir.Program, oracle WeightOracle, numStreams int, opts ...Option) error {
	if p.Len() == 0 {
		return nil
	}
	if numStreams < 1 {
		numStreams = 1
	}
	cfg := newConfig(opts)

	nt := buildNodeTable(p, oracle)
	computeWeights(nt, cfg.minPartitionThreshold)
	cfg.logger("pre-scheduling: %d exit nodes", len(nt.exitNodes()))

	sorted := weightedTopoSort(nt)
	cfg.logger("pre-scheduling: weighted topological order over %d nodes", len(sorted))

	schedule(nt, sorted, numStreams)

	order := postScheduleOrder(nt.nodes)
	splice(p, order)
	cfg.logger("pre-scheduling: spliced program into scheduled order")

	if cfg.verify {
		if err := verify(p); err != nil {
			return fmt.Errorf("graphopt/schedule: %w", err)
		}
	}
	return nil
}
