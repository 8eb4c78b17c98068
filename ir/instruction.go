package ir

import "github.com/samber/lo"

// InstructionMask is a bitset of scheduler-owned synchronization flags.
// The original's instruction_mask enum values (RECORD_EVENT=0,
// WAIT_EVENT=1) are the bit positions, so the flag values here are 1 and
// 2 (see original_source/src/include/migraphx/instruction.hpp).
type InstructionMask int

const (
	RecordEvent InstructionMask = 1 << iota
	WaitEvent
)

// LiteralValue is the constant payload carried by an @literal instruction.
type LiteralValue struct {
	Shape Shape
	Data  []byte
}

// Instruction is one node of the program. Def/use edges are bidirectional
// plain pointers: Args lists ordered inputs, Outputs lists unordered
// consumers. Every edit primitive on Program keeps both sides consistent —
// this is the "def/use edges are bidirectional and must remain consistent
// under every edit" invariant from spec.md §3.
type Instruction struct {
	Op      Operator
	Shape   Shape
	Lit     *LiteralValue
	Args    []*Instruction
	Outputs []*Instruction

	// Stream is the scheduler-owned execution stream assignment, -1 until
	// pre-scheduling runs.
	Stream int
	// Mask is the scheduler-owned RECORD_EVENT/WAIT_EVENT bitset.
	Mask InstructionMask
}

// Name returns the instruction's operator name.
func (ins *Instruction) Name() string { return ins.Op.Name() }

// IsLiteral reports whether this instruction is the constant marker.
func (ins *Instruction) IsLiteral() bool { return ins.Name() == OpLiteral }

// HasMask reports whether m is set.
func (ins *Instruction) HasMask(m InstructionMask) bool { return ins.Mask&m != 0 }

// AddMask sets m, idempotently.
func (ins *Instruction) AddMask(m InstructionMask) { ins.Mask |= m }

// removeOutput removes user from ins.Outputs, if present. Internal
// bookkeeping used by Program's edit primitives.
func (ins *Instruction) removeOutput(user *Instruction) {
	ins.Outputs = lo.Reject(ins.Outputs, func(o *Instruction, _ int) bool { return o == user })
}

// addOutput adds user to ins.Outputs if not already present.
func (ins *Instruction) addOutput(user *Instruction) {
	if lo.Contains(ins.Outputs, user) {
		return
	}
	ins.Outputs = append(ins.Outputs, user)
}
