package fusion

import (
	"github.com/samber/lo"

	"graphopt/ir"
)

// Key encodes the identity a hash-value node is clustered under. Layout
// mirrors the original's bit-packed key_type (opcode_bits=16,
// hash_id_bits=16, filter_bits=8, kernel_bits=8, computed downward from
// sizeof(key_type)*8): opcode occupies the top 16 bits, then hash id,
// then filter, then kernel, with the low 16 bits reserved.
type Key uint64

const (
	opcodeBits = 16
	hashIDBits = 16
	filterBits = 8
	kernelBits = 8

	opcodeShift = 64 - opcodeBits
	hashIDShift = opcodeShift - hashIDBits
	filterShift = hashIDShift - filterBits
	kernelShift = filterShift - kernelBits
)

const (
	maxOpcodeID = 1<<opcodeBits - 1
	maxHashID   = 1<<hashIDBits - 1
	maxFilter   = 1<<filterBits - 1
	maxKernel   = 1<<kernelBits - 1
)

// encodeKey packs the four fields into a Key. Callers are responsible for
// keeping each field within its bit width; encodeKey does not itself
// return an error (spec.md error kind 1 — a value that overflows its
// field is not a Go error, it is silently truncated by the shift, exactly
// as the original's unsigned bit-packing would do).
func encodeKey(opcodeID, hashID, filter, kernel uint64) Key {
	return Key(
		(opcodeID&maxOpcodeID)<<opcodeShift |
			(hashID&maxHashID)<<hashIDShift |
			(filter&maxFilter)<<filterShift |
			(kernel&maxKernel)<<kernelShift,
	)
}

// EncodeResult is what an Encoder computes for one instruction: the key
// it hashes to, whether the instruction is eligible for hashing at all,
// and the set of input hash-value nodes it depends on.
type EncodeResult struct {
	Key    Key
	Valid  bool
	Inputs []*hashValue
}

// Encoder computes an EncodeResult for ins, given the opcode id assigned
// to its operator name and the hash-value nodes already computed for its
// arguments (nil entries for arguments that are not yet hashed, e.g.
// literals). This is the Go analog of the original's per-operator encode
// functions (EncodeCommon, EncodeConvCommon).
type Encoder func(ins *ir.Instruction, opcodeID uint64, argValues []*hashValue) EncodeResult

// Registry maps operator names to the opcode id and Encoder used to hash
// instructions of that kind, mirroring the original's op_registry +
// opcode_table pair populated by register_op/register_all.
type Registry struct {
	opcodeIDs map[string]uint64
	encoders  map[string]Encoder
	nextID    uint64
}

// NewRegistry returns an empty registry. Callers register the operator
// names their program actually uses; RegisterDefaults wires up the two
// built-in encoders the original ships (generic elementwise, and
// convolution-like).
func NewRegistry() *Registry {
	return &Registry{
		opcodeIDs: make(map[string]uint64),
		encoders:  make(map[string]Encoder),
	}
}

// Register assigns opName the next opcode id and associates it with enc.
// Registering the same name twice overwrites the encoder but keeps the
// original opcode id.
func (r *Registry) Register(opName string, enc Encoder) {
	if _, ok := r.opcodeIDs[opName]; !ok {
		r.opcodeIDs[opName] = r.nextID
		r.nextID++
	}
	r.encoders[opName] = enc
}

// RegisterDefaults registers the built-in generic and convolution-like
// encoders for the given operator names, mirroring register_all's
// grouping of hip::add_relu/add/relu under EncodeCommon and
// gpu::convolution/gpu::conv_bias_relu/convolution under EncodeConvCommon.
func (r *Registry) RegisterDefaults(genericOps, convOps []string) {
	for _, name := range genericOps {
		r.Register(name, EncodeCommon)
	}
	for _, name := range convOps {
		r.Register(name, EncodeConvCommon)
	}
}

// DefaultRegistry returns a Registry pre-populated the way the original's
// register_all does: hip::add_relu/add/relu-style elementwise operators
// under EncodeCommon, gpu::convolution/gpu::conv_bias_relu/convolution
// under EncodeConvCommon. Callers whose programs use different operator
// names build their own Registry with Register instead.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterDefaults(
		[]string{"add", "relu", "add_relu", "mul", "sub"},
		[]string{"convolution", "gpu::convolution", "gpu::conv_bias_relu"},
	)
	return r
}

func (r *Registry) lookup(opName string) (uint64, Encoder, bool) {
	id, ok := r.opcodeIDs[opName]
	if !ok {
		return 0, nil, false
	}
	enc, ok := r.encoders[opName]
	return id, enc, ok
}

// EncodeCommon is the default encoder for elementwise/generic operators:
// filter 0, kernel 0, hash id derived from the value number of the
// instruction's first argument only (so two sibling instructions with
// the same operator and the same first-argument value number land on the
// same key and become fusion candidates; see encodeGeneric).
func EncodeCommon(ins *ir.Instruction, opcodeID uint64, argValues []*hashValue) EncodeResult {
	return encodeGeneric(ins, opcodeID, argValues)
}

// EncodeConvCommon is the default encoder for convolution-like operators:
// on top of the common key, it packs the real filter/kernel spatial
// dimensions read from the second argument's shape (Args[1], the weight
// operand — the last two dims of its shape, matching the original's
// EncodeConvCommon reading lens[size-2]/lens[size-1] off the weight's
// get_shape()), so convolutions with incompatible kernels never collide
// under the same key even if their other inputs otherwise value-number
// equal. Overflowing either bit field invalidates the encoding, the same
// way an oversized opcode id does in encodeGeneric (the hash id is reduced
// modulo its field and never overflows).
func EncodeConvCommon(ins *ir.Instruction, opcodeID uint64, argValues []*hashValue) EncodeResult {
	res := EncodeCommon(ins, opcodeID, argValues)
	if !res.Valid {
		return res
	}
	if len(ins.Args) < 2 {
		return EncodeResult{}
	}
	lens := ins.Args[1].Shape.Lens
	if len(lens) < 2 {
		return EncodeResult{}
	}
	filter := uint64(lens[len(lens)-2])
	kernel := uint64(lens[len(lens)-1])
	if filter > maxFilter || kernel > maxKernel {
		return EncodeResult{}
	}
	res.Key = Key(uint64(res.Key) | filter<<filterShift | kernel<<kernelShift)
	return res
}

// encodeGeneric keys an instruction on its operator and its *first*
// argument's value number only, deliberately ignoring the remaining
// arguments. This mirrors the original's shape of clustering: siblings
// that read the same shared non-literal input (an activation feeding
// several convolutions or several adds) are fusion candidates even
// though their other arguments — the part the fused instruction's
// concat/split rewrite widens — differ. A literal first argument is never
// hashed, so it makes the encoding invalid, as does an opcode id that
// does not fit its bit field.
func encodeGeneric(_ *ir.Instruction, opcodeID uint64, argValues []*hashValue) EncodeResult {
	if len(argValues) == 0 || argValues[0] == nil {
		return EncodeResult{}
	}
	if opcodeID > maxOpcodeID {
		return EncodeResult{}
	}
	inputs := lo.Compact(argValues)
	hashID := mixHash(0, uint64(argValues[0].id)) % maxHashID
	return EncodeResult{
		Key:    encodeKey(opcodeID, hashID, 0, 0),
		Valid:  true,
		Inputs: inputs,
	}
}

// mixHash folds a new id into a running hash, the same commutative-mix
// shape as boost::hash_combine but order independent, since sibling
// instructions may list equal arguments in different orders.
func mixHash(acc, id uint64) uint64 {
	return acc ^ (id*0x9E3779B97F4A7C15 + 0x9E3779B9)
}
