// Package interp implements the per-symbol handlers that give meaning to an
// otherwise-opaque import call: constructing and inspecting L2CValue
// payloads, tracking the virtual lua stack, and the hash-cheating trick the
// original runtime relies on to recover which scripted hash a table slot
// was keyed by. Each handler is self-registered under its demangled symbol
// name, the same shape as a stub's init()-time registration.
package interp

import "github.com/zboralski/l2ctrace/internal/value"

// Heap allocates from the auxiliary bump heap. Satisfied by
// *emulator.Emulator.
type Heap interface {
	Malloc(size uint64) uint64
}

// Stack is the virtual lua value stack, owned per-Instance: each fork
// carries its own, since lua_stack reflects program-counter-local state
// rather than the cross-instance bookkeeping HashCheat holds.
type Stack interface {
	Clear()
	Push(v value.Value)
	Pop() (value.Value, bool)
	Len() int
}

// HashCheat is the cross-instance bookkeeping that lets a hash-keyed table
// access (L2CValue::operator[](Hash40)) be recovered after the fact: a
// table slot is backed by a real heap allocation, and writes into it are
// attributed back to the hash that produced the allocation. Owned by the
// Cluster Manager, shared by every Instance under the same entry point.
type HashCheat interface {
	// Slot returns the heap address standing in for hash, allocating one
	// via heap on first use.
	Slot(heap Heap, hash uint64) uint64
	// ReverseOf reports the hash a prior Slot call assigned to addr, if any.
	ReverseOf(addr uint64) (uint64, bool)
	// SetFunctionHash records that the (object, key) pair resolves to fn.
	SetFunctionHash(obj, key, fn uint64)
	// CheatPtr returns the most recent large allocation operator new
	// flagged as a hash-cheat candidate.
	CheatPtr() uint64
	// SetCheatPtr updates the candidate pointer.
	SetCheatPtr(addr uint64)
}

// Context is the state one handler invocation operates over: the AArch64
// integer and float argument registers at the moment of interception,
// emulator memory for dereferencing L2CValue pointers, and the shared
// heap/stack/hash-cheat collaborators. TokenArgs/TokenFArgs accumulate the
// values a handler wants recorded onto the call's Token; Fork is set by the
// comparison operators to request that the driving Instance fork.
type Context struct {
	Mem   value.Memory
	Heap  Heap
	Stack Stack
	Hash  HashCheat

	BasicEmu bool

	Args  [9]uint64
	FArgs [9]float32

	TokenArgs  []uint64
	TokenFArgs []float32

	Fork bool
}

// AppendArg records v onto the call's token, mirroring the original's
// token.args.push_back.
func (c *Context) AppendArg(v uint64) { c.TokenArgs = append(c.TokenArgs, v) }

// AppendFArg records v onto the call's token, mirroring token.fargs.push_back.
func (c *Context) AppendFArg(v float32) { c.TokenFArgs = append(c.TokenFArgs, v) }

// Handler implements one symbol's semantics against ctx, reading and
// writing ctx.Args/FArgs and ctx.Mem as needed.
type Handler func(ctx *Context)

var handlers = make(map[string]Handler)

// Register installs fn as the handler for the given demangled symbol name.
// Called from init() in this package's per-symbol files.
func Register(name string, fn Handler) {
	if _, exists := handlers[name]; exists {
		panic("interp: duplicate registration for " + name)
	}
	handlers[name] = fn
}

// Lookup returns the handler registered for name, if any.
func Lookup(name string) (Handler, bool) {
	fn, ok := handlers[name]
	return fn, ok
}

// Names returns every registered symbol name.
func Names() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	return names
}
