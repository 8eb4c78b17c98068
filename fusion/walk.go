package fusion

import "graphopt/ir"

// walk performs a depth-first walk upward from start — a cluster
// sibling's varying argument — through single-input/single-output
// pass-through producers, terminating successfully at a node in visited
// (a common, singleton-origin input the cluster must not touch) or at a
// natural leaf (a literal, or any node whose own argument count isn't
// exactly one). It aborts (nil) the moment it meets a node with more
// than one consumer partway through the walk: that node is shared by
// something outside this cluster, so rewriting through it in place would
// corrupt the other consumer. This is the Go analog of the original's
// stack-based walk().
func walk(start *ir.Instruction, visited map[*ir.Instruction]bool) []*ir.Instruction {
	var chain []*ir.Instruction
	cur := start
	for {
		chain = append(chain, cur)
		if visited[cur] || cur.IsLiteral() || len(cur.Args) != 1 {
			return chain
		}
		if len(cur.Outputs) != 1 {
			return nil
		}
		cur = cur.Args[0]
	}
}

// congruent reports whether two walked chains — one per sibling's
// varying argument — agree on length, on their per-position operator
// name, and on every shape dimension except axis (find_axis/match_dim in
// the original). Mismatched chains mean the two siblings' producer
// histories diverge in some way the concat/split rewrite can't paper
// over, so the cluster is left untouched.
func congruent(a, b []*ir.Instruction, axis int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name() != b[i].Name() {
			return false
		}
		if !matchDim([]ir.Shape{a[i].Shape, b[i].Shape}, axis) {
			return false
		}
	}
	return true
}

// findAxis returns the axis along which a set of same-rank shapes differ,
// scanning from the last dimension backward the way the original's
// find_axis does for non-convolution operators (the "trailing" axis is
// the natural concat axis for elementwise outputs). It reports false if
// the shapes differ on more than one axis (ambiguous — spec.md error
// kind 3). Identical shapes have no differing axis; for them it returns
// the last axis.
func findAxis(shapes []ir.Shape) (axis int, ok bool) {
	if len(shapes) == 0 {
		return 0, false
	}
	rank := len(shapes[0].Lens)
	found := -1
	for a := rank - 1; a >= 0; a-- {
		differs := false
		for _, s := range shapes[1:] {
			if s.Lens[a] != shapes[0].Lens[a] {
				differs = true
				break
			}
		}
		if differs {
			if found != -1 {
				return 0, false
			}
			found = a
		}
	}
	if found == -1 {
		return rank - 1, true
	}
	return found, true
}

// findConvOutputAxis resolves the concat axis for convolution-like
// siblings, which vary along their output-channel axis (axis 1 in the
// NCHW layout the original assumes) rather than the trailing axis
// find_axis would pick for elementwise operators. Mirrors the original's
// conv/broadcast-aware find_axis overload driven by get_channel_axis().
func findConvOutputAxis(shapes []ir.Shape) (axis int, ok bool) {
	if len(shapes) == 0 || len(shapes[0].Lens) < 2 {
		return 0, false
	}
	return 1, true
}

// matchDim reports whether every shape agrees on every axis except skip.
func matchDim(shapes []ir.Shape, skip int) bool {
	if len(shapes) == 0 {
		return true
	}
	rank := len(shapes[0].Lens)
	for a := 0; a < rank; a++ {
		if a == skip {
			continue
		}
		for _, s := range shapes[1:] {
			if s.Lens[a] != shapes[0].Lens[a] {
				return false
			}
		}
	}
	return true
}

// compareInputs reports whether argument slot argIndex is identical
// (pointer-identical) across every sibling: a "common" — singleton-
// origin — input the fused instruction shares verbatim, as opposed to a
// varying slot that becomes one operand of the inserted concat.
func compareInputs(siblings []*ir.Instruction, argIndex int) (common bool) {
	if len(siblings) == 0 {
		return true
	}
	first := siblings[0].Args[argIndex]
	for _, s := range siblings[1:] {
		if s.Args[argIndex] != first {
			return false
		}
	}
	return true
}

// isConv reports whether name identifies a convolution-family operator,
// the same coarse test the original's is_conv() performs on the
// operator's name before choosing the channel-axis-aware find_axis
// overload.
func isConv(name string) bool {
	switch name {
	case "convolution", "gpu::convolution", "gpu::conv_bias_relu":
		return true
	default:
		return false
	}
}
