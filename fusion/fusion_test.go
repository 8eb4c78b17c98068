package fusion_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"graphopt/fusion"
	"graphopt/ir"
)

func f32(lens ...int) ir.Shape { return ir.Shape{Type: ir.Float32, Lens: lens} }

func countOp(p *ir.Program, name string) int {
	n := 0
	for _, ins := range p.Instructions() {
		if ins.Name() == name {
			n++
		}
	}
	return n
}

// TestFuseSiblingAddsWithDistinctLiteralOperands exercises the
// concat/split rewrite: three adds sharing a common non-literal input x
// but each with a distinct literal rhs fuse into one wide add, guarded by
// a byte-concatenated literal and a split back into three branches
// feeding the original consumers. x must be non-literal: root discovery
// skips literals entirely, so a literal shared parent never flags its
// consumers for hashing.
func TestFuseSiblingAddsWithDistinctLiteralOperands(t *testing.T) {
	p := ir.NewProgram()
	x := p.AddInstruction(ir.Generic{OpName: "input"}, f32(4))
	rhs1 := p.AddLiteral(ir.LiteralValue{Shape: f32(4), Data: make([]byte, 16)})
	rhs2 := p.AddLiteral(ir.LiteralValue{Shape: f32(4), Data: make([]byte, 16)})
	rhs3 := p.AddLiteral(ir.LiteralValue{Shape: f32(4), Data: make([]byte, 16)})

	add1 := p.AddInstruction(ir.Generic{OpName: "add"}, f32(4), x, rhs1)
	add2 := p.AddInstruction(ir.Generic{OpName: "add"}, f32(4), x, rhs2)
	add3 := p.AddInstruction(ir.Generic{OpName: "add"}, f32(4), x, rhs3)

	c1 := p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), add1)
	c2 := p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), add2)
	c3 := p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), add3)

	require.NoError(t, fusion.Run(p, fusion.WithRegistry(fusion.DefaultRegistry())))

	require.Equal(t, 1, countOp(p, "add"), "the three siblings should collapse into one wide add")
	require.Equal(t, 0, countOp(p, "concat"), "rhs literals are merged by byte concatenation, not a concat op")
	require.Equal(t, 1, countOp(p, "split"), "one tail split should expose all three branches")
	require.Equal(t, 3, countOp(p, "load"), "each branch is read back from the tail split at its own offset")
	require.Equal(t, 3, countOp(p, "reshape"), "each branch is reshaped back to its original dims")

	seen := make(map[*ir.Instruction]bool)
	for _, c := range []*ir.Instruction{c1, c2, c3} {
		require.Len(t, c.Args, 1)
		require.Equal(t, ir.OpReshape, c.Args[0].Name())
		require.True(t, c.Args[0].Shape.Equal(f32(4)))
		require.False(t, seen[c.Args[0]], "each consumer should get its own reconstructed branch")
		seen[c.Args[0]] = true
	}
}

// TestCollapseDuplicateSingleInputInstructions exercises the passthrough
// branch: two relu(x) instructions are pure duplicates and should be
// collapsed into one rather than concat/split-rewritten.
func TestCollapseDuplicateSingleInputInstructions(t *testing.T) {
	p := ir.NewProgram()
	x := p.AddInstruction(ir.Generic{OpName: "input"}, f32(4))
	r1 := p.AddInstruction(ir.Generic{OpName: "relu"}, f32(4), x)
	r2 := p.AddInstruction(ir.Generic{OpName: "relu"}, f32(4), x)
	c1 := p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), r1)
	c2 := p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), r2)

	require.NoError(t, fusion.Run(p, fusion.WithRegistry(fusion.DefaultRegistry())))

	require.Equal(t, 1, countOp(p, "relu"))
	require.Equal(t, c1.Args[0], c2.Args[0])
}

// TestAmbiguousAxisLeavesClusterUnfused exercises error kind 3: siblings
// that share their first argument but disagree on more than one output
// axis have no unambiguous concat axis, so the cluster is left alone
// rather than treated as an error.
func TestAmbiguousAxisLeavesClusterUnfused(t *testing.T) {
	p := ir.NewProgram()
	lhs := p.AddInstruction(ir.Generic{OpName: "input"}, f32(2, 3))
	rhsA := p.AddLiteral(ir.LiteralValue{Shape: f32(2, 3), Data: make([]byte, 24)})
	rhsB := p.AddLiteral(ir.LiteralValue{Shape: f32(4, 5), Data: make([]byte, 80)})

	p.AddInstruction(ir.Generic{OpName: "add"}, f32(2, 3), lhs, rhsA)
	p.AddInstruction(ir.Generic{OpName: "add"}, f32(4, 5), lhs, rhsB)

	require.NoError(t, fusion.Run(p, fusion.WithRegistry(fusion.DefaultRegistry())))
	require.Equal(t, 2, countOp(p, "add"), "ambiguous cluster should be left unfused")
	require.Equal(t, 0, countOp(p, "concat"))
}

// TestSharedInputSiblingsFuseAcrossVaryingWeights covers the
// convolution-shaped case: two siblings share their input activation but
// carry distinct weight operands, and should still cluster and fuse.
func TestSharedInputSiblingsFuseAcrossVaryingWeights(t *testing.T) {
	p := ir.NewProgram()
	x := p.AddInstruction(ir.Generic{OpName: "input"}, f32(1, 8, 8))
	w1 := p.AddLiteral(ir.LiteralValue{Shape: f32(4, 8, 3, 3), Data: make([]byte, 4*8*9*4)})
	w2 := p.AddLiteral(ir.LiteralValue{Shape: f32(6, 8, 3, 3), Data: make([]byte, 6*8*9*4)})

	conv1Shape := f32(1, 4, 6, 6)
	conv2Shape := f32(1, 6, 6, 6)
	conv1 := p.AddInstruction(ir.Generic{OpName: "convolution"}, conv1Shape, x, w1)
	conv2 := p.AddInstruction(ir.Generic{OpName: "convolution"}, conv2Shape, x, w2)
	c1 := p.AddInstruction(ir.Generic{OpName: "consumer"}, conv1Shape, conv1)
	c2 := p.AddInstruction(ir.Generic{OpName: "consumer"}, conv2Shape, conv2)

	require.NoError(t, fusion.Run(p, fusion.WithRegistry(fusion.DefaultRegistry())))

	require.Equal(t, 1, countOp(p, "convolution"), "the two siblings should collapse into one wide convolution")
	require.Equal(t, 0, countOp(p, "concat"), "weight literals merge by byte concatenation, not a concat op")
	require.Equal(t, 1, countOp(p, "split"))
	require.Equal(t, ir.OpReshape, c1.Args[0].Name())
	require.Equal(t, ir.OpReshape, c2.Args[0].Name())
	require.NotEqual(t, c1.Args[0], c2.Args[0])
	require.True(t, c1.Args[0].Shape.Equal(conv1Shape))
	require.True(t, c2.Args[0].Shape.Equal(conv2Shape))
}

// TestWalkAbortsWhenIntermediateNodeHasExtraConsumer covers walk()'s
// branching-abort rule: a node partway up a varying-argument chain that
// has more than one consumer means something outside the cluster depends
// on it, so the whole cluster must be left untouched rather than rewritten
// through it.
func TestWalkAbortsWhenIntermediateNodeHasExtraConsumer(t *testing.T) {
	p := ir.NewProgram()
	x := p.AddInstruction(ir.Generic{OpName: "input"}, f32(4))

	lit1 := p.AddLiteral(ir.LiteralValue{Shape: f32(4), Data: make([]byte, 16)})
	reshapeA := p.AddInstruction(ir.Reshape{Dims: []int{4}}, f32(4), lit1)
	p.AddInstruction(ir.Generic{OpName: "extra"}, f32(4), reshapeA) // second consumer of reshapeA

	lit2 := p.AddLiteral(ir.LiteralValue{Shape: f32(4), Data: make([]byte, 16)})
	reshapeB := p.AddInstruction(ir.Reshape{Dims: []int{4}}, f32(4), lit2)

	add1 := p.AddInstruction(ir.Generic{OpName: "add"}, f32(4), x, reshapeA)
	add2 := p.AddInstruction(ir.Generic{OpName: "add"}, f32(4), x, reshapeB)
	c1 := p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), add1)
	c2 := p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), add2)

	require.NoError(t, fusion.Run(p, fusion.WithRegistry(fusion.DefaultRegistry())))

	require.Equal(t, 2, countOp(p, "add"), "branching walk should leave the cluster unfused")
	require.Equal(t, 0, countOp(p, "concat"))
	require.Equal(t, 0, countOp(p, "split"))
	require.Equal(t, add1, c1.Args[0])
	require.Equal(t, add2, c2.Args[0])
}

// TestSharedInputNotAtFirstArgLeavesClusterUnfused covers encodeGeneric's
// validity guard (spec.md §4.1's "Requires the instruction to have ≥1
// input already hashed; else invalid"): encodeGeneric only ever looks at
// argValues[0], so a shared root parked at a later argument slot must
// not be treated as a hashed identity — the consumers should be left
// unfused rather than spuriously clustered on an empty hash id.
func TestSharedInputNotAtFirstArgLeavesClusterUnfused(t *testing.T) {
	p := ir.NewProgram()
	y := p.AddInstruction(ir.Generic{OpName: "input"}, f32(4))
	lit1 := p.AddLiteral(ir.LiteralValue{Shape: f32(4), Data: make([]byte, 16)})
	lit2 := p.AddLiteral(ir.LiteralValue{Shape: f32(4), Data: make([]byte, 16)})

	add1 := p.AddInstruction(ir.Generic{OpName: "add"}, f32(4), lit1, y)
	add2 := p.AddInstruction(ir.Generic{OpName: "add"}, f32(4), lit2, y)
	c1 := p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), add1)
	c2 := p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), add2)

	require.NoError(t, fusion.Run(p, fusion.WithRegistry(fusion.DefaultRegistry())))

	require.Equal(t, 2, countOp(p, "add"), "y sits at Args[1], not Args[0], so the encoder must reject rather than fuse")
	require.Equal(t, 0, countOp(p, "concat"))
	require.Equal(t, 0, countOp(p, "split"))
	require.Equal(t, add1, c1.Args[0])
	require.Equal(t, add2, c2.Args[0])
}

// TestRunIsIdempotent covers spec.md §8's idempotence law: running
// horizontal fusion again on its own output must be a no-op, since the
// first run removed the duplicate siblings, so the second run's fresh
// hashing finds no value with more than one member.
func TestRunIsIdempotent(t *testing.T) {
	p := ir.NewProgram()
	x := p.AddInstruction(ir.Generic{OpName: "input"}, f32(4))
	rhs1 := p.AddLiteral(ir.LiteralValue{Shape: f32(4), Data: make([]byte, 16)})
	rhs2 := p.AddLiteral(ir.LiteralValue{Shape: f32(4), Data: make([]byte, 16)})
	rhs3 := p.AddLiteral(ir.LiteralValue{Shape: f32(4), Data: make([]byte, 16)})

	add1 := p.AddInstruction(ir.Generic{OpName: "add"}, f32(4), x, rhs1)
	add2 := p.AddInstruction(ir.Generic{OpName: "add"}, f32(4), x, rhs2)
	add3 := p.AddInstruction(ir.Generic{OpName: "add"}, f32(4), x, rhs3)
	p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), add1)
	p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), add2)
	p.AddInstruction(ir.Generic{OpName: "consumer"}, f32(4), add3)

	require.NoError(t, fusion.Run(p, fusion.WithRegistry(fusion.DefaultRegistry())))

	before := p.Instructions()
	require.NoError(t, fusion.Run(p, fusion.WithRegistry(fusion.DefaultRegistry())))
	after := p.Instructions()

	require.Equal(t, before, after, "a second run over already-fused output must change nothing")
}
