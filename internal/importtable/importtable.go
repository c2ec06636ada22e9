// Package importtable assigns host-resolvable addresses to every symbol the
// loaded image cannot satisfy on its own: external imports discovered while
// relocating, and the agent's synthetic virtual-dispatch table. Both ranges
// are sentinel memory an Import Interpreter hooks; nothing meaningful is
// ever actually fetched and executed from either.
package importtable

import (
	"fmt"

	"github.com/zboralski/l2ctrace/internal/emulator"
)

// Table owns the bidirectional symbol-name <-> slot-address mapping for
// import sentinels, and the separate fixed-size range for the agent's
// synthetic vtable.
type Table struct {
	emu *emulator.Emulator

	byName map[string]uint64
	byAddr map[uint64]string
	next   uint64

	vtableNames map[uint64]string
}

// New creates an empty Table bound to emu's import and vtable ranges.
func New(emu *emulator.Emulator) *Table {
	return &Table{
		emu:         emu,
		byName:      make(map[string]uint64),
		byAddr:      make(map[uint64]string),
		vtableNames: make(map[uint64]string),
	}
}

// Assign allocates the next free import slot for name, or returns the slot
// already assigned to it. Symbols are demangled before reaching here; a
// symbol that never demangled has no slot (the original engine skips it
// entirely when scanning the dynamic symbol table).
func (t *Table) Assign(name string) (uint64, error) {
	if addr, ok := t.byName[name]; ok {
		return addr, nil
	}
	if t.next >= emulator.SlotCount {
		return 0, fmt.Errorf("import table exhausted: %d slots in use", t.next)
	}
	addr := emulator.ImportsBase + t.next*emulator.SlotSize
	t.next++
	t.byName[name] = addr
	t.byAddr[addr] = name
	return addr, nil
}

// Resolve implements loader.ImportResolver: it looks up the slot already
// assigned to an external symbol, never allocating one. Relocation always
// runs after every unresolved symbol has been assigned a slot.
func (t *Table) Resolve(name string) (uint64, bool) {
	addr, ok := t.byName[name]
	return addr, ok
}

// NameAt returns the demangled symbol name owning slot addr.
func (t *Table) NameAt(addr uint64) (string, bool) {
	name, ok := t.byAddr[addr]
	return name, ok
}

// Len returns the number of import slots assigned so far.
func (t *Table) Len() int { return len(t.byName) }

// Emulator returns the Emulator this Table's slot addresses are hooked
// into, the one a Cluster Manager spawns its root Instance on.
func (t *Table) Emulator() *emulator.Emulator { return t.emu }

// VtableSlot returns the address of synthetic vtable entry n, labeling it
// with a synthetic name so it can flow through the same dispatch and
// logging path as a real import.
func (t *Table) VtableSlot(n uint64) (uint64, error) {
	if n >= emulator.VtableSlotCount {
		return 0, fmt.Errorf("vtable slot %d out of range (max %d)", n, emulator.VtableSlotCount)
	}
	addr := t.emu.VtableSlotAddr(n)
	name := fmt.Sprintf("vtable_slot_%d", n)
	t.vtableNames[addr] = name
	return addr, nil
}

// VirtualMethod9 returns the address of vtable slot 9, the one case the
// driver layer dispatches to directly rather than through a regular call.
func (t *Table) VirtualMethod9() (uint64, error) {
	return t.VtableSlot(9)
}

// VtableNameAt returns the synthetic name assigned to a vtable slot address.
func (t *Table) VtableNameAt(addr uint64) (string, bool) {
	name, ok := t.vtableNames[addr]
	return name, ok
}

// Hook installs fn as the address hook for every import and vtable slot
// currently assigned, so a single dispatcher can answer both ranges
// uniformly. Called once the interpreter dispatcher is ready.
func (t *Table) Hook(fn emulator.AddressHookFunc) {
	for addr := range t.byAddr {
		t.emu.HookAddress(addr, fn)
	}
	for addr := range t.vtableNames {
		t.emu.HookAddress(addr, fn)
	}
}

// HookOne installs fn for a single slot address, used when a new import is
// discovered after the initial hook pass (e.g. while relocating a second
// image into an already-running Cluster).
func (t *Table) HookOne(addr uint64, fn emulator.AddressHookFunc) {
	t.emu.HookAddress(addr, fn)
}
