package interp

import (
	"testing"

	"github.com/zboralski/l2ctrace/internal/hash40"
	"github.com/zboralski/l2ctrace/internal/value"
)

type fakeMem struct {
	data map[uint64]uint64
}

func newFakeMem() *fakeMem { return &fakeMem{data: make(map[uint64]uint64)} }

func (m *fakeMem) MemReadU64(addr uint64) (uint64, error) { return m.data[addr], nil }
func (m *fakeMem) MemWriteU64(addr, v uint64) error       { m.data[addr] = v; return nil }

type fakeHeap struct{ next uint64 }

func (h *fakeHeap) Malloc(size uint64) uint64 {
	addr := h.next
	h.next += (size + 15) &^ 15
	return addr
}

type fakeStack struct{ vals []value.Value }

func (s *fakeStack) Clear()            { s.vals = nil }
func (s *fakeStack) Push(v value.Value) { s.vals = append(s.vals, v) }
func (s *fakeStack) Pop() (value.Value, bool) {
	if len(s.vals) == 0 {
		return value.Value{}, false
	}
	v := s.vals[len(s.vals)-1]
	s.vals = s.vals[:len(s.vals)-1]
	return v, true
}
func (s *fakeStack) Len() int { return len(s.vals) }

type funcKey struct{ obj, key uint64 }

type fakeHash struct {
	slots     map[uint64]uint64
	rev       map[uint64]uint64
	functions map[funcKey]uint64
	cheatPtr  uint64
}

func newFakeHash() *fakeHash {
	return &fakeHash{
		slots:     make(map[uint64]uint64),
		rev:       make(map[uint64]uint64),
		functions: make(map[funcKey]uint64),
	}
}

func (h *fakeHash) Slot(heap Heap, hash uint64) uint64 {
	addr, ok := h.slots[hash]
	if !ok {
		addr = heap.Malloc(0x10)
		h.slots[hash] = addr
	}
	h.rev[addr] = hash
	return addr
}
func (h *fakeHash) ReverseOf(addr uint64) (uint64, bool) { v, ok := h.rev[addr]; return v, ok }
func (h *fakeHash) SetFunctionHash(obj, key, fn uint64) {
	h.functions[funcKey{obj, key}] = fn
}
func (h *fakeHash) CheatPtr() uint64        { return h.cheatPtr }
func (h *fakeHash) SetCheatPtr(addr uint64) { h.cheatPtr = addr }

func newCtx() *Context {
	return &Context{
		Mem:   newFakeMem(),
		Heap:  &fakeHeap{next: 0x1000},
		Stack: &fakeStack{},
		Hash:  newFakeHash(),
	}
}

func TestAllocNewFlagsLargeAllocationsAsCheatCandidate(t *testing.T) {
	ctx := newCtx()
	ctx.Args[0] = 0x50
	allocNew(ctx)
	if ctx.Args[0] == 0 {
		t.Fatalf("expected non-zero allocation address")
	}
	if got := ctx.Hash.CheatPtr(); got != ctx.Args[0] {
		t.Errorf("CheatPtr = %#x, want %#x", got, ctx.Args[0])
	}
}

func TestAllocNewSmallAllocationNotFlagged(t *testing.T) {
	ctx := newCtx()
	ctx.Args[0] = 0x10
	allocNew(ctx)
	if got := ctx.Hash.CheatPtr(); got != 0 {
		t.Errorf("expected no cheat candidate for small alloc, got %#x", got)
	}
}

func TestCtorIntWritesAndRecords(t *testing.T) {
	ctx := newCtx()
	ctx.Args[0] = 0x2000
	n := int32(-5)
	ctx.Args[1] = uint64(uint32(n))
	ctorInt(ctx)

	v, err := value.ReadAt(ctx.Mem, 0x2000)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	// -5 is 0xFFFFFFFB, which has every bit of 0xBABE0000 set, so the
	// 32-bit constructor takes the BABE path and keeps only the low 16 bits.
	if v.Type != value.Integer || v.AsInteger() != 0xFFFB {
		t.Errorf("unexpected value %+v", v)
	}
	if len(ctx.TokenArgs) != 1 || int64(ctx.TokenArgs[0]) != -5 {
		t.Errorf("unexpected token args %v", ctx.TokenArgs)
	}
}

func TestCtorFloatWritesAndRecords(t *testing.T) {
	ctx := newCtx()
	ctx.Args[0] = 0x3000
	ctx.FArgs[0] = 1.5

	ctorFloat(ctx)

	v, err := value.ReadAt(ctx.Mem, 0x3000)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if v.AsNumber() != 1.5 {
		t.Errorf("got %v want 1.5", v.AsNumber())
	}
	if len(ctx.TokenFArgs) != 1 || ctx.TokenFArgs[0] != 1.5 {
		t.Errorf("unexpected token fargs %v", ctx.TokenFArgs)
	}
}

func TestAsBoolAccessor(t *testing.T) {
	ctx := newCtx()
	value.WriteAt(ctx.Mem, 0x4000, value.NewBool(true))
	ctx.Args[0] = 0x4000

	asBool(ctx)

	if ctx.Args[0] != 1 {
		t.Errorf("Args[0] = %d, want 1", ctx.Args[0])
	}
	if len(ctx.TokenArgs) != 1 || ctx.TokenArgs[0] != 1 {
		t.Errorf("unexpected token args %v", ctx.TokenArgs)
	}
}

func TestPopLuaStackDrainsAndPadsWithVoid(t *testing.T) {
	ctx := newCtx()
	ctx.Stack.Push(value.NewInteger64(7))
	ctx.Args[1] = 2
	ctx.Args[8] = 0x5000

	popLuaStack(ctx)

	first, _ := value.ReadAt(ctx.Mem, 0x5000)
	second, _ := value.ReadAt(ctx.Mem, 0x5000+value.Size)
	if first.AsInteger() != 7 {
		t.Errorf("first popped value = %+v, want 7", first)
	}
	if second.Type != value.Void {
		t.Errorf("second popped value = %+v, want void", second)
	}
}

func TestPushLuaStackRecordsNumberViaFArgs(t *testing.T) {
	ctx := newCtx()
	value.WriteAt(ctx.Mem, 0x6000, value.NewNumber(2.5))
	ctx.Args[1] = 0x6000

	pushLuaStack(ctx)

	if len(ctx.TokenArgs) != 1 || value.Type(ctx.TokenArgs[0]) != value.Number {
		t.Fatalf("unexpected token args %v", ctx.TokenArgs)
	}
	if len(ctx.TokenFArgs) != 1 || ctx.TokenFArgs[0] != 2.5 {
		t.Fatalf("unexpected token fargs %v", ctx.TokenFArgs)
	}
}

func TestHashIndexAllocatesOnceAndReusesSlot(t *testing.T) {
	ctx := newCtx()
	h := hash40.Of("some_status_func")
	ctx.Args[1] = uint64(h)

	hashIndex(ctx)
	first := ctx.Args[0]

	ctx.Args[1] = uint64(h)
	hashIndex(ctx)
	second := ctx.Args[0]

	if first != second {
		t.Errorf("expected reused slot, got %#x then %#x", first, second)
	}

	rev, ok := ctx.Hash.ReverseOf(first)
	if !ok || rev != uint64(h) {
		t.Errorf("ReverseOf(%#x) = %#x, %v, want %#x, true", first, rev, ok, h)
	}
}

func TestAssignPropagatesHashCheatedWrite(t *testing.T) {
	ctx := newCtx()
	h := hash40.Of("status_func")
	ctx.Args[1] = uint64(h)
	hashIndex(ctx)
	slot := ctx.Args[0]

	ctx.Hash.SetCheatPtr(0x9999)

	value.WriteAt(ctx.Mem, 0x7000, value.NewPointer(0xABCD))
	ctx.Args[0] = slot
	ctx.Args[1] = 0x7000
	assign(ctx)

	fh := ctx.Hash.(*fakeHash)
	got, ok := fh.functions[funcKey{0x9999, uint64(h)}]
	if !ok || got != 0xABCD {
		t.Errorf("function_hashes entry missing or wrong: %#x, %v", got, ok)
	}
}

func TestCompareForksOutsideBasicEmu(t *testing.T) {
	ctx := newCtx()
	ctx.BasicEmu = false
	ctx.Args[0] = 0x8000

	compare(ctx)

	if !ctx.Fork {
		t.Errorf("expected Fork to be requested")
	}
	if ctx.Args[0] != 0 {
		t.Errorf("Args[0] = %d, want 0 on the continuing path", ctx.Args[0])
	}
}

func TestCompareBasicEmuReadsConcreteValue(t *testing.T) {
	ctx := newCtx()
	ctx.BasicEmu = true
	value.WriteAt(ctx.Mem, 0x8000, value.NewBool(true))
	ctx.Args[0] = 0x8000

	compare(ctx)

	if ctx.Fork {
		t.Errorf("basic-emu mode must never request a fork")
	}
	if ctx.Args[0] != 1 {
		t.Errorf("Args[0] = %d, want 1", ctx.Args[0])
	}
}

func TestLookupFindsRegisteredHandlers(t *testing.T) {
	for _, name := range []string{
		"operator new(unsigned long)",
		"lib::L2CValue::L2CValue(int)",
		"lib::L2CValue::as_hash() const",
		"lib::L2CValue::operator[](phx::Hash40) const",
		"lib::L2CValue::operator==(lib::L2CValue const&) const",
	} {
		if _, ok := Lookup(name); !ok {
			t.Errorf("no handler registered for %q", name)
		}
	}
}
