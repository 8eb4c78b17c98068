package ir

import "container/list"

// Program is a doubly linked ordered sequence of instructions, matching
// the original migraphx::program (backed by a std::list<instruction>,
// with instruction_ref as its iterator). Instruction pointers stay valid
// across every edit; only their position in the list order can change.
type Program struct {
	order *list.List
	elems map[*Instruction]*list.Element
}

// NewProgram returns an empty program.
func NewProgram() *Program {
	return &Program{
		order: list.New(),
		elems: make(map[*Instruction]*list.Element),
	}
}

// Len returns the number of instructions.
func (p *Program) Len() int { return p.order.Len() }

// Instructions returns a snapshot of the program in order. Safe to hold
// across edits to the program (it is a plain slice, not a live view).
func (p *Program) Instructions() []*Instruction {
	out := make([]*Instruction, 0, p.order.Len())
	for e := p.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Instruction))
	}
	return out
}

// Positions returns each instruction's zero-based program-order index.
// O(n); intended for verification and tests, not the hot path of either
// pass (which track position incrementally as they walk).
func (p *Program) Positions() map[*Instruction]int {
	pos := make(map[*Instruction]int, p.order.Len())
	i := 0
	for e := p.order.Front(); e != nil; e = e.Next() {
		pos[e.Value.(*Instruction)] = i
		i++
	}
	return pos
}

func wireArgs(ins *Instruction, args []*Instruction) {
	ins.Args = append([]*Instruction(nil), args...)
	for _, a := range args {
		a.addOutput(ins)
	}
}

// AddInstruction appends a new instruction to the end of the program.
func (p *Program) AddInstruction(op Operator, shape Shape, args ...*Instruction) *Instruction {
	ins := &Instruction{Op: op, Shape: shape, Stream: -1}
	wireArgs(ins, args)
	p.elems[ins] = p.order.PushBack(ins)
	return ins
}

// AddLiteral appends a new @literal instruction holding lit.
func (p *Program) AddLiteral(lit LiteralValue) *Instruction {
	ins := &Instruction{Op: Literal{}, Shape: lit.Shape, Lit: &lit, Stream: -1}
	p.elems[ins] = p.order.PushBack(ins)
	return ins
}

// InsertLiteralBefore inserts a new @literal instruction holding lit
// immediately before `before`, used by horizontal fusion's literal
// byte-concatenation to keep the merged constant ahead of its consumer
// in program order.
func (p *Program) InsertLiteralBefore(before *Instruction, lit LiteralValue) *Instruction {
	elem, ok := p.elems[before]
	if !ok {
		panic("ir: InsertLiteralBefore: instruction not in program")
	}
	ins := &Instruction{Op: Literal{}, Shape: lit.Shape, Lit: &lit, Stream: -1}
	p.elems[ins] = p.order.InsertBefore(ins, elem)
	return ins
}

// InsertBefore inserts a new instruction immediately before `before` and
// returns it, mirroring the original's program::insert_instruction(pos,
// op, args...).
func (p *Program) InsertBefore(before *Instruction, op Operator, shape Shape, args ...*Instruction) *Instruction {
	elem, ok := p.elems[before]
	if !ok {
		panic("ir: InsertBefore: instruction not in program")
	}
	ins := &Instruction{Op: op, Shape: shape, Stream: -1}
	wireArgs(ins, args)
	p.elems[ins] = p.order.InsertBefore(ins, elem)
	return ins
}

// MoveBefore relocates an existing instruction to immediately precede
// `before` in program order. `before` may be nil, meaning "move to the
// end". Returns ins, so callers splicing back-to-front (spec.md §4.3.4)
// can chain it as the next `before`.
func (p *Program) MoveBefore(ins, before *Instruction) *Instruction {
	elem, ok := p.elems[ins]
	if !ok {
		panic("ir: MoveBefore: instruction not in program")
	}
	if before == nil {
		p.order.MoveToBack(elem)
		return ins
	}
	beforeElem, ok := p.elems[before]
	if !ok {
		panic("ir: MoveBefore: target instruction not in program")
	}
	p.order.MoveBefore(elem, beforeElem)
	return ins
}

// Remove deletes ins from the program. The caller must have already
// rewired any consumers away from ins (ins.Outputs must be empty);
// Remove unlinks ins from each of its own arguments' Outputs lists.
func (p *Program) Remove(ins *Instruction) {
	elem, ok := p.elems[ins]
	if !ok {
		return
	}
	for _, a := range ins.Args {
		a.removeOutput(ins)
	}
	p.order.Remove(elem)
	delete(p.elems, ins)
}

// ReplaceArgument rewires every occurrence of old in user's argument list
// to new, keeping def/use edges on both old and new consistent. This is
// the Go analog of instruction::replace_argument.
func ReplaceArgument(user, old, next *Instruction) {
	changed := false
	for i, a := range user.Args {
		if a == old {
			user.Args[i] = next
			changed = true
		}
	}
	if !changed {
		return
	}
	old.removeOutput(user)
	next.addOutput(user)
}
