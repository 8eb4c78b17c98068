// Package fusion implements horizontal fusion: value-numbering sibling
// instructions that read the same inputs through the same operator kind,
// then rewriting each fusible cluster into one wider instruction plus a
// concat/split around it.
package fusion

import (
	"fmt"

	"graphopt/ir"
)

// Run hashes every instruction in p, then rewrites each resulting
// hash-value cluster chain into a single wider instruction guarded by an
// inserted concat/split pair. It mirrors the original's two-phase
// horizontal_fusion_impl::run: a single forward pass calling process()
// per instruction, then transform() over the resulting value tree.
func Run(p *ir.Program, opts ...Option) error {
	cfg := newConfig(opts)
	if cfg.registry == nil {
		cfg.registry = DefaultRegistry()
	}

	dag := newHashDAG()
	instrs := p.Instructions()
	for _, ins := range instrs {
		processOne(dag, cfg.registry, ins)
	}
	cfg.logger("horizontal fusion: processed %d instructions into %d hash values", len(instrs), len(dag.values))

	for _, chain := range dag.clusterChains() {
		if err := transformCluster(p, dag, chain, cfg); err != nil {
			return fmt.Errorf("graphopt/fusion: %w", err)
		}
	}
	return nil
}

// processOne implements the original's process(): an instruction is
// hashed only if a parent has flagged it (because that parent has at
// least two consumers sharing an operator name — the fan-out that makes
// them fusion candidates). Literals never enter the hash-DAG at all.
// A flagged instruction that hashes successfully propagates the flag to
// every one of its own outputs unconditionally; if it isn't flagged (or
// its hash attempt fails), it's checked for the fan-out condition itself
// and, if found, becomes a root that flags only the duplicated-name
// outputs.
//
// The original's op2_cnt loop breaks as soon as it finds the first
// duplicate name, which can under-count later outputs depending on
// std::unordered_map iteration order — an artifact of that container,
// not a deliberate rule. This counts every output before flagging, a
// documented simplification (see DESIGN.md).
func processOne(dag *hashDAG, registry *Registry, ins *ir.Instruction) {
	if ins.IsLiteral() {
		return
	}
	if dag.flagged[ins] {
		if opcodeID, enc, ok := registry.lookup(ins.Name()); ok {
			res := enc(ins, opcodeID, collectArgValues(dag, ins))
			if res.Valid {
				dag.createValue(ins, res.Key, res.Inputs)
				for _, out := range ins.Outputs {
					dag.flagged[out] = true
				}
				return
			}
		}
		// hash failed: fall through to the root-discovery check below.
	}

	counts := make(map[string]int, len(ins.Outputs))
	for _, out := range ins.Outputs {
		counts[out.Name()]++
	}
	hashChild := false
	for _, c := range counts {
		if c > 1 {
			hashChild = true
			break
		}
	}
	if !hashChild {
		return
	}
	dag.createRoot(ins)
	for _, out := range ins.Outputs {
		if counts[out.Name()] > 1 {
			dag.flagged[out] = true
		}
	}
}

func collectArgValues(dag *hashDAG, ins *ir.Instruction) []*hashValue {
	argValues := make([]*hashValue, len(ins.Args))
	for i, a := range ins.Args {
		if v, ok := dag.valueOf(a); ok {
			argValues[i] = v
		}
	}
	return argValues
}

// nodePlan is the validated fusion plan for one hash-value node in a
// cluster chain: which argument slots vary across its siblings, the
// concat axis, and the walked producer chain behind each varying slot
// (nil varying means every argument is common — a pure duplicate, the
// collapsePassthrough case).
type nodePlan struct {
	v        *hashValue
	siblings []*ir.Instruction
	axis     int
	varying  []int
	walks    map[int][][]*ir.Instruction
}

// planNode validates node v against spec.md §4.2.2 point 2 without
// mutating the program: common-input marking, concat-axis resolution,
// and per-varying-slot input walks + congruence. Returns ok=false for
// any condition the spec treats as "abort this cluster, leave it
// untouched" — ambiguous axis, shape mismatch outside the axis, a
// branching walk, or incongruent sibling producer chains.
func planNode(v *hashValue) (*nodePlan, bool) {
	siblings := v.instrs
	if len(siblings) < 2 {
		return nil, false
	}
	anchor := siblings[0]
	numArgs := len(anchor.Args)
	for _, s := range siblings[1:] {
		if len(s.Args) != numArgs {
			return nil, false
		}
	}

	var varying []int
	for i := 0; i < numArgs; i++ {
		if !compareInputs(siblings, i) {
			varying = append(varying, i)
		}
	}
	if len(varying) == 0 {
		return &nodePlan{v: v, siblings: siblings}, true
	}

	shapes := make([]ir.Shape, len(siblings))
	for i, s := range siblings {
		shapes[i] = s.Shape
	}
	var axis int
	var ok bool
	if isConv(anchor.Name()) {
		axis, ok = findConvOutputAxis(shapes)
	} else {
		axis, ok = findAxis(shapes)
	}
	if !ok || !matchDim(shapes, axis) {
		return nil, false
	}

	visited := make(map[*ir.Instruction]bool)
	for i := 0; i < numArgs; i++ {
		if compareInputs(siblings, i) {
			visited[anchor.Args[i]] = true
		}
	}

	walks := make(map[int][][]*ir.Instruction, len(varying))
	for _, i := range varying {
		chains := make([][]*ir.Instruction, len(siblings))
		for j, s := range siblings {
			c := walk(s.Args[i], visited)
			if c == nil {
				return nil, false
			}
			chains[j] = c
		}
		chainAxis, ok := resolveChainAxis(anchor, i, axis, chains[0])
		if !ok {
			return nil, false
		}
		for j := 1; j < len(chains); j++ {
			if !congruent(chains[0], chains[j], chainAxis) {
				return nil, false
			}
		}
		walks[i] = chains
	}

	return &nodePlan{v: v, siblings: siblings, axis: axis, varying: varying, walks: walks}, true
}

// transformCluster validates every node of chain first, so a failure
// anywhere aborts the whole chain without mutating the program (spec.md
// §4.2.2's "fatal conditions... abort the cluster, that cluster left
// untouched"). Only once every node validates does it apply the widening
// node by node, finishing with tail-split insertion at the last node.
func transformCluster(p *ir.Program, dag *hashDAG, chain []*hashValue, cfg *config) error {
	plans := make([]*nodePlan, len(chain))
	for i, v := range chain {
		plan, ok := planNode(v)
		if !ok {
			cfg.logger("horizontal fusion: cluster %d: no unambiguous fusion, skipping", chain[0].id)
			return nil
		}
		plans[i] = plan
	}

	for i, plan := range plans {
		isLast := i == len(plans)-1
		if len(plan.varying) == 0 {
			collapsePassthrough(p, plan.siblings, cfg)
			dag.collapse(plan.v, plan.siblings[0])
			continue
		}
		if isLast {
			applyTailNode(p, plan, cfg)
		} else {
			applyIntermediateNode(p, plan)
		}
		dag.collapse(plan.v, plan.siblings[0])
	}
	return nil
}

// applyIntermediateNode widens the anchor's varying arguments and shape,
// then rewires every remaining sibling's consumer onto the anchor —
// redundant-root elimination for a chain link that has a next link
// (whose own siblings are exactly those consumers, by construction of
// the chain extension).
func applyIntermediateNode(p *ir.Program, plan *nodePlan) {
	anchor := widenNode(p, plan)
	for _, dup := range plan.siblings[1:] {
		for _, user := range append([]*ir.Instruction(nil), dup.Outputs...) {
			ir.ReplaceArgument(user, dup, anchor)
		}
		p.Remove(dup)
	}
}

// applyTailNode widens the anchor like applyIntermediateNode, then
// performs spec.md §4.2.2 point 3's tail-split insertion: a split
// exposing every sibling's original slice, with each original consumer
// (captured before any mutation) rewired to a load+reshape reconstruction
// or, when the consumer is itself a concat, to a narrowed BreakSplit.
func applyTailNode(p *ir.Program, plan *nodePlan, cfg *config) {
	type snapshot struct {
		shape     ir.Shape
		consumers []*ir.Instruction
	}
	snaps := make([]snapshot, len(plan.siblings))
	for i, s := range plan.siblings {
		snaps[i] = snapshot{shape: s.Shape.Clone(), consumers: append([]*ir.Instruction(nil), s.Outputs...)}
	}

	anchor := widenNode(p, plan)

	axisWidths := make([]int, len(plan.siblings))
	for i, snap := range snaps {
		axisWidths[i] = snap.shape.Lens[plan.axis]
	}
	splitShape := ir.Split{Axis: plan.axis, SliceDims: axisWidths, SliceSelector: ir.SplitSelector{First: 0, Last: len(plan.siblings) - 1}}.ComputeShape(anchor.Shape)
	splitIns := p.AddInstruction(ir.Split{Axis: plan.axis, SliceDims: axisWidths, SliceSelector: ir.SplitSelector{First: 0, Last: len(plan.siblings) - 1}}, splitShape, anchor)

	offset := 0
	for e, snap := range snaps {
		if len(snap.consumers) == 0 {
			offset += snap.shape.Bytes()
			continue
		}
		var reconstructed *ir.Instruction
		for _, c := range snap.consumers {
			if concatOp, ok := c.Op.(ir.Concat); ok {
				narrow := ir.BreakSplit(p, splitIns, e)
				ir.ReplaceArgument(c, plan.siblings[e], narrow)
				concatOp.ConsumersOfCluster = true
				c.Op = concatOp
				continue
			}
			if reconstructed == nil {
				load := p.AddInstruction(ir.Load{Shape: snap.shape.Clone(), ByteOffset: offset}, snap.shape.Clone(), splitIns)
				reconstructed = p.AddInstruction(ir.Reshape{Dims: append([]int(nil), snap.shape.Lens...)}, snap.shape.Clone(), load)
			}
			ir.ReplaceArgument(c, plan.siblings[e], reconstructed)
		}
		offset += snap.shape.Bytes()
	}

	for _, dup := range plan.siblings[1:] {
		p.Remove(dup)
	}
	cfg.logger("horizontal fusion: fused %d siblings into %s at axis %d", len(plan.siblings), anchor.Name(), plan.axis)
}

// widenNode rewrites the anchor's varying argument slots in place
// (literal byte-concat, broadcast-consumer shape recompute, or a plain
// inserted concat for producers that aren't already shared) and widens
// its own output shape along axis. It does not touch b1..bk-1 or their
// consumers; callers decide how those get rewired.
func widenNode(p *ir.Program, plan *nodePlan) *ir.Instruction {
	anchor := plan.siblings[0]
	for _, i := range plan.varying {
		concatArgOnAnchor(p, plan.siblings, i, plan.walks[i], plan.axis)
	}
	sum := 0
	for _, s := range plan.siblings {
		sum += s.Shape.Lens[plan.axis]
	}
	anchor.Shape = anchor.Shape.Clone()
	anchor.Shape.Lens[plan.axis] = sum
	return anchor
}

// concatArgOnAnchor widens argument slot argIdx on the anchor sibling.
// Two shapes get real byte-level treatment, matching spec.md §4.2.2
// point 2 exactly: a direct literal argument (chains of length 1), and a
// literal reached through a single broadcast (chains of length 2, the
// "immediate user is a broadcast" case, which also needs the broadcast's
// output shape recomputed). Anything deeper falls back to inserting a
// symbolic concat over the siblings' direct arguments — the same
// approach a non-literal, not-yet-unified producer needs regardless of
// depth.
func concatArgOnAnchor(p *ir.Program, siblings []*ir.Instruction, argIdx int, chains [][]*ir.Instruction, axis int) {
	anchor := siblings[0]
	depth := len(chains[0])

	if depth == 1 && allLiteral(chains, 0) {
		litAxis := literalAxis(anchor, argIdx, axis)
		newLit := concatLiterals(p, anchor, siblings, argIdx, litAxis)
		ir.ReplaceArgument(anchor, anchor.Args[argIdx], newLit)
		return
	}

	if depth == 2 && allLiteral(chains, 1) {
		if bc, ok := chains[0][0].Op.(ir.Broadcast); ok {
			litAxis := axis - bc.Axis
			litRank := len(chains[0][1].Shape.Lens)
			if litAxis >= 0 && litAxis < litRank {
				newLit := concatLiteralsAt(p, chains, 1, siblings, argIdx, litAxis)
				anchorBroadcast := chains[0][0]
				ir.ReplaceArgument(anchorBroadcast, anchorBroadcast.Args[0], newLit)
				anchorBroadcast.Shape = bc.RecomputeShape(newLit.Shape)
				bc.OutShape = anchorBroadcast.Shape.Clone()
				anchorBroadcast.Op = bc
				return
			}
		}
	}

	argShapes := make([]ir.Shape, len(siblings))
	varArgs := make([]*ir.Instruction, len(siblings))
	for j, s := range siblings {
		argShapes[j] = s.Args[argIdx].Shape
		varArgs[j] = s.Args[argIdx]
	}
	concatShape := concatShapeAt(argShapes, 0)
	newConcat := p.InsertBefore(anchor, ir.Concat{Axis: 0}, concatShape, varArgs...)
	ir.ReplaceArgument(anchor, anchor.Args[argIdx], newConcat)
}

func allLiteral(chains [][]*ir.Instruction, pos int) bool {
	for _, c := range chains {
		if !c[pos].IsLiteral() {
			return false
		}
	}
	return true
}

// literalAxis picks the axis to concatenate a literal argument's raw
// bytes along. Convolution weight operands (Args[1] of a conv-like
// instruction) vary along their own output-channel axis, conventionally
// the weight tensor's leading dimension, not the axis the instruction's
// output shape varies along.
func literalAxis(anchor *ir.Instruction, argIdx, axis int) int {
	if isConv(anchor.Name()) && argIdx == 1 {
		return 0
	}
	return axis
}

// resolveChainAxis picks the axis congruent() compares a walked chain's
// shapes on, mirroring find_axis(ins, base, base_axis)'s reroutes: a
// conv's weight argument varies along its own leading axis regardless of
// the output's concat axis (literalAxis' case), and a literal reached
// through a broadcast varies along the broadcast-translated axis in its
// own (smaller) shape rather than the output-level axis. Anything else
// keeps the output axis unchanged. Reports false when a broadcast chain's
// translated axis doesn't fit the literal's own rank — an incongruent
// chain, same as any other planNode abort condition.
func resolveChainAxis(anchor *ir.Instruction, argIdx, axis int, chain []*ir.Instruction) (int, bool) {
	if isConv(anchor.Name()) && argIdx == 1 {
		return 0, true
	}
	if len(chain) >= 2 {
		if bc, ok := chain[0].Op.(ir.Broadcast); ok {
			litAxis := axis - bc.Axis
			if litAxis < 0 || litAxis >= len(chain[1].Shape.Lens) {
				return 0, false
			}
			return litAxis, true
		}
	}
	return axis, true
}

func concatLiterals(p *ir.Program, anchor *ir.Instruction, siblings []*ir.Instruction, argIdx, axis int) *ir.Instruction {
	lits := make([]ir.LiteralValue, len(siblings))
	for j, s := range siblings {
		lits[j] = *s.Args[argIdx].Lit
	}
	return concatLiteralValues(p, anchor, lits, axis)
}

func concatLiteralsAt(p *ir.Program, chains [][]*ir.Instruction, pos int, siblings []*ir.Instruction, argIdx, axis int) *ir.Instruction {
	lits := make([]ir.LiteralValue, len(chains))
	for j, c := range chains {
		lits[j] = *c[pos].Lit
	}
	return concatLiteralValues(p, siblings[0].Args[argIdx], lits, axis)
}

// concatLiteralValues byte-concatenates a set of literals along axis,
// following the original's concat(): a literal's bytes split into
// "unit slices" of TrailingElements(axis) elements, interleaved one
// slice per outer step across every input literal.
func concatLiteralValues(p *ir.Program, before *ir.Instruction, lits []ir.LiteralValue, axis int) *ir.Instruction {
	base := lits[0].Shape
	elemSize := base.Type.ElemSize()
	unitSlice := base.TrailingElements(axis)

	sum := 0
	for _, l := range lits {
		sum += l.Shape.Lens[axis]
	}
	newShape := base.Clone()
	newShape.Lens[axis] = sum
	totalBytes := newShape.Bytes()

	bytesPerSlice := make([]int, len(lits))
	for i, l := range lits {
		bytesPerSlice[i] = l.Shape.Lens[axis] * unitSlice * elemSize
	}

	data := make([]byte, totalBytes)
	copied := 0
	sliceNdx := 0
	for copied < totalBytes {
		for i, l := range lits {
			n := bytesPerSlice[i]
			off := sliceNdx * n
			copy(data[copied:copied+n], l.Data[off:off+n])
			copied += n
		}
		sliceNdx++
	}
	return p.InsertLiteralBefore(before, ir.LiteralValue{Shape: newShape, Data: data})
}

// collapsePassthrough handles siblings with no varying argument slot —
// the original's ins0->inputs().size() == 1 special case, generalized to
// any argument count: siblings that already share every input and their
// operator are duplicates, not fusion candidates, so the fix is
// common-subexpression elimination rather than a concat/split rewrite.
func collapsePassthrough(p *ir.Program, siblings []*ir.Instruction, cfg *config) {
	canonical := siblings[0]
	for _, dup := range siblings[1:] {
		for _, user := range append([]*ir.Instruction(nil), dup.Outputs...) {
			ir.ReplaceArgument(user, dup, canonical)
		}
		p.Remove(dup)
	}
	cfg.logger("horizontal fusion: collapsed %d duplicate instructions into one", len(siblings))
}

// concatShapeAt returns the shape produced by concatenating shapes along
// axis: every non-axis dimension copied from the first shape, the axis
// dimension summed across all inputs.
func concatShapeAt(shapes []ir.Shape, axis int) ir.Shape {
	out := shapes[0].Clone()
	sum := 0
	for _, s := range shapes {
		sum += s.Lens[axis]
	}
	out.Lens[axis] = sum
	return out
}
