package fusion

import (
	"github.com/samber/lo"

	"graphopt/ir"
)

// hashValue is one node of the value-numbering DAG: the equivalence
// class a Key maps to, plus the set of program instructions that share
// it. Sibling instructions landing on the same hashValue are the
// candidates horizontal fusion clusters together. Mirrors the original's
// hash_value{id, cur_point} pair, generalized to hold its instruction
// membership directly rather than through a side table.
type hashValue struct {
	id     int
	key    Key
	isRoot bool

	// instrs is every instruction hashed into this value, in the order
	// they were first seen. A value with more than one member is a
	// fusion cluster.
	instrs []*ir.Instruction

	// inputs/outputs are the hash-value DAG edges (edges between value
	// nodes, not instructions); the cluster-extension walk follows
	// outputs.
	inputs  []*hashValue
	outputs []*hashValue
}

func (v *hashValue) addInstr(ins *ir.Instruction) {
	v.instrs = append(v.instrs, ins)
}

func (v *hashValue) addInput(in *hashValue) {
	if lo.Contains(v.inputs, in) {
		return
	}
	v.inputs = append(v.inputs, in)
	in.outputs = append(in.outputs, v)
}

// hashDAG is the value-numbering table built during the hashing phase
// (spec.md §4.2.1) and consumed during the transform phase (§4.2.2).
// It plays the role of the original's instr2_hash/instr2_value/
// encode2_value/values/root_values/hash_inputs/hash_outputs/hash_instrs
// fields together.
type hashDAG struct {
	instrToValue map[*ir.Instruction]*hashValue
	keyToValue   map[Key]*hashValue
	values       []*hashValue
	roots        []*hashValue
	nextID       int

	// flagged is the original's instr2_hash: instructions process() has
	// marked as eligible to be hashed, propagated from a root's fan-out
	// or from a successfully-hashed instruction's own outputs.
	flagged map[*ir.Instruction]bool
}

func newHashDAG() *hashDAG {
	return &hashDAG{
		instrToValue: make(map[*ir.Instruction]*hashValue),
		keyToValue:   make(map[Key]*hashValue),
		flagged:      make(map[*ir.Instruction]bool),
	}
}

// createRoot registers ins as its own singleton hash-value with no
// inputs. process() calls this when ins has at least two outputs sharing
// an operator name (the fan-out condition that flags those outputs as
// eligible for hashing), the Go analog of the original's create_value
// called with set_root().
func (h *hashDAG) createRoot(ins *ir.Instruction) *hashValue {
	v := &hashValue{id: h.nextID, isRoot: true}
	h.nextID++
	v.addInstr(ins)
	h.instrToValue[ins] = v
	h.values = append(h.values, v)
	h.roots = append(h.roots, v)
	return v
}

// createValue records a fresh or joins an existing hash-value for ins
// under the given key, wiring hash-DAG edges to each input value.
func (h *hashDAG) createValue(ins *ir.Instruction, key Key, inputs []*hashValue) *hashValue {
	v, ok := h.keyToValue[key]
	if !ok {
		v = &hashValue{id: h.nextID, key: key}
		h.nextID++
		h.keyToValue[key] = v
		h.values = append(h.values, v)
	}
	v.addInstr(ins)
	for _, in := range inputs {
		v.addInput(in)
	}
	h.instrToValue[ins] = v
	return v
}

func (h *hashDAG) valueOf(ins *ir.Instruction) (*hashValue, bool) {
	v, ok := h.instrToValue[ins]
	return v, ok
}

// clusterChains returns every maximal chain of hash-value nodes eligible
// for fusion (spec.md §4.2.2 point 1, "Cluster extension"): starting
// from a value v with more than one member instruction, the chain
// extends through v's unique-output edge as long as the successor value
// carries the same number of member instructions (siblings continuing
// in lockstep through the same next operator). Each value participates
// in at most one chain.
func (h *hashDAG) clusterChains() [][]*hashValue {
	visited := make(map[*hashValue]bool)
	var chains [][]*hashValue
	for _, v := range h.values {
		if visited[v] || len(v.instrs) <= 1 {
			continue
		}
		chain := []*hashValue{v}
		visited[v] = true
		cur := v
		for len(cur.outputs) == 1 {
			next := cur.outputs[0]
			if visited[next] || len(next.instrs) != len(cur.instrs) {
				break
			}
			chain = append(chain, next)
			visited[next] = true
			cur = next
		}
		chains = append(chains, chain)
	}
	return chains
}

// collapse drops a value node's membership down to a single survivor
// instruction once its cluster has been fused, the Go analog of the
// original's update_hash_tree bookkeeping. Run computes every cluster
// chain before transforming any of them, and chains never share a value,
// so nothing later in the same run reads the collapsed membership; each
// Run builds a fresh hashDAG.
func (h *hashDAG) collapse(v *hashValue, survivor *ir.Instruction) {
	v.instrs = []*ir.Instruction{survivor}
}
