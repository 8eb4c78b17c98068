package ir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"graphopt/ir"
)

func newTailSplit(p *ir.Program) (*ir.Instruction, *ir.Instruction) {
	input := p.AddInstruction(ir.Generic{OpName: "input"}, ir.Shape{Type: ir.Float32, Lens: []int{1, 18, 4, 4}})
	sp := ir.Split{Axis: 1, SliceDims: []int{4, 6, 8}, SliceSelector: ir.SplitSelector{First: 0, Last: 2}}
	splitIns := p.AddInstruction(sp, sp.ComputeShape(input.Shape), input)
	return input, splitIns
}

func TestBreakSplitNoOpWhenSingleIndex(t *testing.T) {
	p := ir.NewProgram()
	input := p.AddInstruction(ir.Generic{OpName: "input"}, ir.Shape{Type: ir.Float32, Lens: []int{1, 6, 4, 4}})
	sp := ir.Split{Axis: 1, SliceDims: []int{4, 6, 8}, SliceSelector: ir.SplitSelector{First: 1, Last: 1}}
	splitIns := p.AddInstruction(sp, sp.ComputeShape(input.Shape), input)

	before := p.Len()
	out := ir.BreakSplit(p, splitIns, 1)

	require.Same(t, splitIns, out, "a selector that already isolates one index is a no-op")
	require.Equal(t, before, p.Len(), "no new instruction should be inserted")
}

func TestBreakSplitHeadNarrowsSelectorAndInsertsSingleIndexSplit(t *testing.T) {
	p := ir.NewProgram()
	_, splitIns := newTailSplit(p)

	out := ir.BreakSplit(p, splitIns, 0)

	require.NotSame(t, splitIns, out)
	require.Equal(t, ir.OpSplit, out.Name())

	outOp := out.Op.(ir.Split)
	require.Equal(t, ir.SplitSelector{First: 0, Last: 0}, outOp.SliceSelector)
	require.Equal(t, []int{1, 4, 4, 4}, out.Shape.Lens, "new split exposes only index 0's width")

	origOp := splitIns.Op.(ir.Split)
	require.Equal(t, ir.SplitSelector{First: 1, Last: 2}, origOp.SliceSelector, "original selector narrows to exclude index 0")
	require.Equal(t, []int{1, 14, 4, 4}, splitIns.Shape.Lens, "original split now exposes only indices 1..2 (6+8)")
}

func TestBreakSplitTailNarrowsSelectorAndInsertsSingleIndexSplit(t *testing.T) {
	p := ir.NewProgram()
	_, splitIns := newTailSplit(p)

	out := ir.BreakSplit(p, splitIns, 2)

	require.NotSame(t, splitIns, out)
	outOp := out.Op.(ir.Split)
	require.Equal(t, ir.SplitSelector{First: 2, Last: 2}, outOp.SliceSelector)
	require.Equal(t, []int{1, 8, 4, 4}, out.Shape.Lens, "new split exposes only index 2's width")

	origOp := splitIns.Op.(ir.Split)
	require.Equal(t, ir.SplitSelector{First: 0, Last: 1}, origOp.SliceSelector, "original selector narrows to exclude index 2")
	require.Equal(t, []int{1, 10, 4, 4}, splitIns.Shape.Lens, "original split now exposes only indices 0..1 (4+6)")
}

func TestSplitComputeShapeSumsSelectedRange(t *testing.T) {
	sp := ir.Split{Axis: 1, SliceDims: []int{4, 6, 8}, SliceSelector: ir.SplitSelector{First: 0, Last: 1}}
	out := sp.ComputeShape(ir.Shape{Type: ir.Float32, Lens: []int{1, 18, 4, 4}})
	require.Equal(t, []int{1, 10, 4, 4}, out.Lens)
}
