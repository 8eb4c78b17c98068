package schedule

// Weight is a cost table entry for one operator kind: an estimated
// cycle count, and whether instructions of this kind run on the host and
// so never receive a stream assignment.
type Weight struct {
	Cycles   int
	RunOnCPU bool
}

// WeightOracle estimates the cost of running an instruction of the named
// operator kind. It is a total function on purpose (spec.md error kind 5
// — an oracle "miss" is not representable as a Go error; a caller that
// wants to notice unknown operators does so via the return value it
// chooses for them, e.g. TableOracle's zero Weight for absent entries).
type WeightOracle func(operatorName string) (weight int, runOnCPU bool)

// TableOracle builds a WeightOracle from a static cost table, the Go
// analog of a compiled-in per-target latency table. Operators absent
// from the table cost zero cycles and are assumed to run on-stream.
func TableOracle(table map[string]Weight) WeightOracle {
	return func(name string) (int, bool) {
		w, ok := table[name]
		if !ok {
			return 0, false
		}
		return w.Cycles, w.RunOnCPU
	}
}
