// Package value implements the abstract virtual-value model ("L2CValue") the
// symbolic execution engine uses to interpret constructed and inspected
// runtime values, without reproducing the original C++ object's in-memory
// layout as a host Go struct.
package value

import (
	"math"

	"github.com/zboralski/l2ctrace/internal/hash40"
)

// Type is the tag of a virtual value's variant.
type Type uint32

// Variant tags, numbered to match the runtime's own enum so that a value
// read back out of emulated memory decodes the same way the original
// runtime would have written it.
const (
	Void Type = iota
	Bool
	Integer
	Number
	Pointer
	Table
	InnerFunction
	Hash
	String
)

func (t Type) String() string {
	switch t {
	case Void:
		return "void"
	case Bool:
		return "bool"
	case Integer:
		return "integer"
	case Number:
		return "number"
	case Pointer:
		return "pointer"
	case Table:
		return "table"
	case InnerFunction:
		return "inner_function"
	case Hash:
		return "hash"
	case String:
		return "string"
	default:
		return "invalid"
	}
}

// babeTag is the sentinel tag a 32-bit integer constructor leaves behind
// when its literal matches the 0x....BABE0000 pattern.
const babeTag = 0xBABE

// babeMask isolates the bits the 32-bit integer constructor's literal test
// checks: val & babeMask == babeMask triggers the BABE-tagged path,
// regardless of the low 16 bits, which become the payload.
const babeMask = 0xBABE0000

// Value is the on-emulator physical layout: {type: u32, tag: u32, payload: u64}.
// A Value is a plain Go value; reading/writing it from emulated memory is the
// job of ReadAt/WriteAt below.
type Value struct {
	Type    Type
	Tag     uint32
	Payload uint64
}

// Memory is the minimal emulator surface the value model needs to read and
// write a constructed value through its mapped pointer.
type Memory interface {
	MemReadU64(addr uint64) (uint64, error)
	MemWriteU64(addr uint64, v uint64) error
}

// Size is the on-emulator byte size of a Value: two u64 words.
const Size = 16

// ReadAt loads a Value from its mapped emulator address.
func ReadAt(m Memory, addr uint64) (Value, error) {
	header, err := m.MemReadU64(addr)
	if err != nil {
		return Value{}, err
	}
	payload, err := m.MemReadU64(addr + 8)
	if err != nil {
		return Value{}, err
	}
	return Value{
		Type:    Type(uint32(header)),
		Tag:     uint32(header >> 32),
		Payload: payload,
	}, nil
}

// WriteAt stores v at its mapped emulator address.
func WriteAt(m Memory, addr uint64, v Value) error {
	header := uint64(uint32(v.Type)) | uint64(v.Tag)<<32
	if err := m.MemWriteU64(addr, header); err != nil {
		return err
	}
	return m.MemWriteU64(addr+8, v.Payload)
}

// NewVoid returns the zero (void-typed) value, used as the default-
// constructed value written on virtual-stack underflow.
func NewVoid() Value { return Value{Type: Void} }

// NewBool constructs a bool-typed value.
func NewBool(b bool) Value {
	var p uint64
	if b {
		p = 1
	}
	return Value{Type: Bool, Payload: p}
}

// NewInteger32 constructs an integer-typed value from a 32-bit literal,
// reproducing a buggy-but-load-bearing literal match: when every bit of
// 0xBABE0000 is set in the 32-bit value (0xBABE0000 | k for a 16-bit k, but
// also, for example, any negative value whose upper half is 0xFFFF), the
// tag becomes 0xBABE and only the low 16 bits are kept as the payload. The match is evaluated against the full 32-bit
// value handed to this constructor, never against a wider value; callers
// constructing from a 64-bit quantity should use NewInteger64 instead,
// which never performs this match.
func NewInteger32(val int32) Value {
	uval := uint32(val)
	if uval&babeMask == babeMask {
		return Value{Type: Integer, Tag: babeTag, Payload: uint64(uval & 0xFFFF)}
	}
	return Value{Type: Integer, Payload: uint64(uval)}
}

// NewInteger64 constructs an integer-typed value from a 64-bit literal. The
// 0xBABE literal match is specific to the 32-bit constructor and never
// applies here.
func NewInteger64(val int64) Value {
	return Value{Type: Integer, Payload: uint64(val)}
}

// NewNumber constructs a number-typed (float32) value.
func NewNumber(f float32) Value {
	return Value{Type: Number, Payload: uint64(math.Float32bits(f))}
}

// NewPointer constructs a pointer-typed value.
func NewPointer(ptr uint64) Value { return Value{Type: Pointer, Payload: ptr} }

// NewTable constructs a table-typed value (the table's L2CTable is treated
// as an opaque byte image at the given address).
func NewTable(ptr uint64) Value { return Value{Type: Table, Payload: ptr} }

// NewInnerFunction constructs an inner_function-typed value.
func NewInnerFunction(ptr uint64) Value { return Value{Type: InnerFunction, Payload: ptr} }

// NewHash constructs a hash-typed value, truncated to 40 bits.
func NewHash(h hash40.Hash) Value {
	return Value{Type: Hash, Payload: uint64(hash40.Truncate40(uint64(h)))}
}

// NewString constructs a string-typed value (payload is a pointer to the
// runtime's string representation).
func NewString(ptr uint64) Value { return Value{Type: String, Payload: ptr} }

// AsBool returns the low bit of the payload.
func (v Value) AsBool() bool { return v.Payload&1 != 0 }

// AsInteger returns the integer interpretation: for a 0xBABE-tagged value,
// the low 16 bits of the payload; otherwise the payload reinterpreted as a
// signed 64-bit integer.
func (v Value) AsInteger() int64 {
	if v.Tag == babeTag {
		return int64(v.Payload & 0xFFFF)
	}
	return int64(v.Payload)
}

// AsNumber returns the float32 interpretation: for an integer-typed value,
// its AsInteger() converted to float32; otherwise the payload reinterpreted
// as a float32 bit pattern.
func (v Value) AsNumber() float32 {
	if v.Type == Integer {
		return float32(v.AsInteger())
	}
	return math.Float32frombits(uint32(v.Payload))
}

// AsPointer returns the payload as a raw pointer.
func (v Value) AsPointer() uint64 { return v.Payload }

// AsTable returns the payload as a table pointer.
func (v Value) AsTable() uint64 { return v.Payload }

// AsInnerFunction returns the payload as an inner-function pointer.
func (v Value) AsInnerFunction() uint64 { return v.Payload }

// AsHash returns the low 40 bits of the payload for both hash- and
// integer-typed values, and 0 otherwise. This conflates the hash and
// integer variants at call sites that forward to it; that conflation is
// present in the runtime being modeled and is preserved deliberately.
func (v Value) AsHash() hash40.Hash {
	if v.Type == Hash || v.Type == Integer {
		return hash40.Truncate40(v.Payload)
	}
	return 0
}

// AsString returns the payload as a pointer to the runtime string.
func (v Value) AsString() uint64 { return v.Payload }
