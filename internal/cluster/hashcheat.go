package cluster

import "github.com/zboralski/l2ctrace/internal/interp"

// FuncKey identifies one scripted status function by the (object, key)
// pair sv_set_function_hash/sv_set_status_func key it by.
type FuncKey struct {
	Obj uint64
	Key uint64
}

// hashCheat implements interp.HashCheat. It is owned by the Manager and
// shared by reference (not copied) across every Instance forked under one
// entry point, the same cross-instance sharing the Token Store gets.
//
// A forked child's heap is a byte-for-byte copy of its parent's at fork
// time, so a Slot allocated before the fork resolves to the same address
// in every descendant; a Slot allocated by one fork afterward is only ever
// looked up again by that same fork's own future calls, so the single
// shared map never needs to be fork-aware.
type hashCheat struct {
	slots     map[uint64]uint64
	reverse   map[uint64]uint64
	functions map[FuncKey]uint64
	cheatPtr  uint64
}

func newHashCheat() *hashCheat {
	return &hashCheat{
		slots:     make(map[uint64]uint64),
		reverse:   make(map[uint64]uint64),
		functions: make(map[FuncKey]uint64),
	}
}

func (h *hashCheat) Slot(heap interp.Heap, hash uint64) uint64 {
	if addr, ok := h.slots[hash]; ok {
		return addr
	}
	addr := heap.Malloc(16)
	h.slots[hash] = addr
	h.reverse[addr] = hash
	return addr
}

func (h *hashCheat) ReverseOf(addr uint64) (uint64, bool) {
	v, ok := h.reverse[addr]
	return v, ok
}

func (h *hashCheat) SetFunctionHash(obj, key, fn uint64) {
	h.functions[FuncKey{Obj: obj, Key: key}] = fn
}

func (h *hashCheat) CheatPtr() uint64        { return h.cheatPtr }
func (h *hashCheat) SetCheatPtr(addr uint64) { h.cheatPtr = addr }

// FunctionHashes returns a snapshot of every recorded (object, key) ->
// function pointer mapping, for the Result Exporter.
func (h *hashCheat) FunctionHashes() map[FuncKey]uint64 {
	out := make(map[FuncKey]uint64, len(h.functions))
	for k, v := range h.functions {
		out[k] = v
	}
	return out
}
