package ir

// Operator names consumed by literal string throughout the fusion and
// scheduling passes (spec.md §6).
const (
	OpLiteral   = "@literal"
	OpBroadcast = "broadcast"
	OpConcat    = "concat"
	OpSplit     = "split"
	OpLoad      = "load"
	OpReshape   = "reshape"
)

// Operator is the tagged-variant payload spec.md's design notes describe:
// a small closed set of operator kinds, most of them opaque "generic"
// operators identified only by name, plus a handful the passes construct
// and inspect directly.
type Operator interface {
	Name() string
}

// Generic is any operator the passes treat opaquely, keyed by name —
// convolutions, elementwise ops, and anything a caller registers into
// fusion.Registry. Params holds operator-specific attributes (e.g. a
// convolution's stride/padding) that neither pass needs to interpret.
type Generic struct {
	OpName string
	Params map[string]any
}

func (g Generic) Name() string { return g.OpName }

// Literal marks a constant instruction; its payload lives on
// Instruction.Lit, not on the operator itself, mirroring spec.md §3
// ("literal payload present only when operator is the literal-constant
// marker").
type Literal struct{}

func (Literal) Name() string { return OpLiteral }

// Broadcast carries an axis and an embedded output shape (spec.md §6).
// Fusion rebuilds OutShape after widening the operator's input.
type Broadcast struct {
	Axis     int
	OutShape Shape
}

func (Broadcast) Name() string { return OpBroadcast }

// RecomputeShape rebuilds the broadcast's output shape from a (possibly
// widened) input shape, keeping every output dimension the same except
// the run of dims aligned with the input starting at Axis — the Go
// equivalent of the original's op::broadcast{axis, shape}.compute_shape.
func (b Broadcast) RecomputeShape(input Shape) Shape {
	out := b.OutShape.Clone()
	for i, l := range input.Lens {
		pos := b.Axis + i
		if pos < len(out.Lens) {
			out.Lens[pos] = l
		}
	}
	return out
}

// Concat concatenates its inputs along Axis. ConsumersOfCluster is set by
// the fusion transform's tail-split insertion (spec.md §4.2.2) when this
// concat is itself an original consumer of a fused cluster: instead of a
// fresh load+reshape it is wired directly to a narrowed split exposing
// just its own slice (BreakSplit), and this flag records that rewrite so
// a later pass over the same program can tell the concat's argument is
// already a per-slice split rather than a full cluster output.
type Concat struct {
	Axis               int
	ConsumersOfCluster bool
}

func (Concat) Name() string { return OpConcat }

// SplitSelector is the (first, last) inclusive range of slice indices a
// split instruction currently exposes to its consumer — narrowed in
// place by break_split as the tail split is subdivided.
type SplitSelector struct {
	First, Last int
}

// Split is inserted after a fused cluster to expose per-sibling slices
// along the recorded concat axis (spec.md §4.2.2, "Tail split insertion").
// SliceDims holds each original sibling's length along Axis, indexed by
// its enumeration position e; SliceSelector is the inclusive [first,last]
// range of enumeration indices this particular split instruction still
// exposes (narrowed in place by BreakSplit as the tail split is
// subdivided for a concat consumer).
type Split struct {
	Axis          int
	SliceDims     []int
	SliceSelector SplitSelector
}

func (Split) Name() string { return OpSplit }

// ComputeShape rebuilds this split's output shape from the fused input
// shape it slices: every dimension unchanged except Axis, which becomes
// the sum of SliceDims over the currently selected enumeration range.
func (s Split) ComputeShape(input Shape) Shape {
	out := input.Clone()
	sum := 0
	for i := s.SliceSelector.First; i <= s.SliceSelector.Last; i++ {
		sum += s.SliceDims[i]
	}
	out.Lens[s.Axis] = sum
	return out
}

// BreakSplit narrows splitIns to exclude enumeration index e, inserting
// (and returning) a fresh split exposing exactly e — the Go analog of the
// original's break_split. Used when an original consumer of a fused
// cluster is itself a concat: rather than reconstruct e's slice via a
// separate load+reshape, the concat is wired directly to the narrowed
// split.
func BreakSplit(p *Program, splitIns *Instruction, e int) *Instruction {
	sp := splitIns.Op.(Split)
	first, last := sp.SliceSelector.First, sp.SliceSelector.Last
	if first == last {
		return splitIns
	}
	input := splitIns.Args[0]
	newSplit := p.AddInstruction(Split{Axis: sp.Axis, SliceDims: sp.SliceDims, SliceSelector: SplitSelector{First: e, Last: e}}, Shape{}, input)
	if first == e {
		sp.SliceSelector.First = e + 1
	} else {
		sp.SliceSelector.Last = e - 1
	}
	splitIns.Op = sp
	splitIns.Shape = sp.ComputeShape(input.Shape)
	newOp := newSplit.Op.(Split)
	newSplit.Shape = newOp.ComputeShape(input.Shape)
	return newSplit
}

// Load indexes into a concatenated result at a fixed byte offset,
// producing a value of Shape.
type Load struct {
	Shape      Shape
	ByteOffset int
}

func (Load) Name() string { return OpLoad }

// Reshape reinterprets its input's bytes under a new dimension vector,
// used to restore a split branch to its pre-fusion shape.
type Reshape struct {
	Dims []int
}

func (Reshape) Name() string { return OpReshape }
