package importtable

import (
	"testing"

	"github.com/zboralski/l2ctrace/internal/emulator"
)

func newEmu(t *testing.T) *emulator.Emulator {
	t.Helper()
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("emulator.New: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return emu
}

func TestAssignAllocatesDistinctSlots(t *testing.T) {
	tbl := New(newEmu(t))

	a, err := tbl.Assign("foo(int)")
	if err != nil {
		t.Fatalf("Assign foo: %v", err)
	}
	b, err := tbl.Assign("bar()")
	if err != nil {
		t.Fatalf("Assign bar: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct slots, both got %#x", a)
	}
	if a < emulator.ImportsBase || a >= emulator.ImportsBase+emulator.ImportsSize {
		t.Errorf("slot %#x outside imports range", a)
	}
}

func TestAssignIsIdempotent(t *testing.T) {
	tbl := New(newEmu(t))

	a, _ := tbl.Assign("foo(int)")
	b, _ := tbl.Assign("foo(int)")
	if a != b {
		t.Errorf("expected same slot on repeat Assign, got %#x and %#x", a, b)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 assigned slot, got %d", tbl.Len())
	}
}

func TestResolveDoesNotAllocate(t *testing.T) {
	tbl := New(newEmu(t))

	if _, ok := tbl.Resolve("never_assigned"); ok {
		t.Errorf("Resolve found a slot for a name never Assign-ed")
	}
	addr, _ := tbl.Assign("foo(int)")
	got, ok := tbl.Resolve("foo(int)")
	if !ok || got != addr {
		t.Errorf("Resolve mismatch: got %#x ok=%v, want %#x", got, ok, addr)
	}
}

func TestNameAtRoundTrips(t *testing.T) {
	tbl := New(newEmu(t))

	addr, _ := tbl.Assign("foo(int)")
	name, ok := tbl.NameAt(addr)
	if !ok || name != "foo(int)" {
		t.Errorf("NameAt(%#x) = %q, %v, want foo(int), true", addr, name, ok)
	}
}

func TestVtableSlotAddressesAreDistinct(t *testing.T) {
	tbl := New(newEmu(t))

	a, err := tbl.VtableSlot(0)
	if err != nil {
		t.Fatalf("VtableSlot(0): %v", err)
	}
	b, err := tbl.VtableSlot(1)
	if err != nil {
		t.Fatalf("VtableSlot(1): %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct vtable slot addresses")
	}
	if _, err := tbl.VtableSlot(emulator.VtableSlotCount); err == nil {
		t.Errorf("expected out-of-range error for slot %d", emulator.VtableSlotCount)
	}
}

func TestVirtualMethod9MatchesSlot9(t *testing.T) {
	tbl := New(newEmu(t))

	want, err := tbl.VtableSlot(9)
	if err != nil {
		t.Fatalf("VtableSlot(9): %v", err)
	}

	tbl2 := New(newEmu(t))
	got, err := tbl2.VirtualMethod9()
	if err != nil {
		t.Fatalf("VirtualMethod9: %v", err)
	}
	if got != want {
		t.Errorf("VirtualMethod9 = %#x, want %#x", got, want)
	}
}

func TestVtableNameAtReturnsSyntheticName(t *testing.T) {
	tbl := New(newEmu(t))

	addr, _ := tbl.VtableSlot(3)
	name, ok := tbl.VtableNameAt(addr)
	if !ok || name != "vtable_slot_3" {
		t.Errorf("VtableNameAt = %q, %v, want vtable_slot_3, true", name, ok)
	}
}

func TestAssignExhaustion(t *testing.T) {
	tbl := New(newEmu(t))
	tbl.next = emulator.SlotCount

	if _, err := tbl.Assign("overflow()"); err == nil {
		t.Errorf("expected error when import table is exhausted")
	}
}

func TestHookInstallsForEveryAssignedSlot(t *testing.T) {
	emu := newEmu(t)
	tbl := New(emu)

	importAddr, _ := tbl.Assign("foo(int)")
	vtableAddr, _ := tbl.VtableSlot(0)

	called := make(map[uint64]bool)
	tbl.Hook(func(e *emulator.Emulator) bool {
		called[e.PC()] = true
		return true
	})

	emu.SetPC(importAddr)
	if err := emu.Run(importAddr, 0); err != nil {
		t.Fatalf("Run at import slot: %v", err)
	}
	if !called[importAddr] {
		t.Errorf("hook not invoked at import slot %#x", importAddr)
	}

	emu.SetPC(vtableAddr)
	if err := emu.Run(vtableAddr, 0); err != nil {
		t.Fatalf("Run at vtable slot: %v", err)
	}
	if !called[vtableAddr] {
		t.Errorf("hook not invoked at vtable slot %#x", vtableAddr)
	}
}
