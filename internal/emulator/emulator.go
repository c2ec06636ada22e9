// Package emulator provides ARM64 emulation using Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants.
//
// NroBase holds the loaded image, ImportsBase is the sentinel range import
// slots and the agent's synthetic vtable are carved out of, Heap is the
// bump-allocated auxiliary heap, and Stack grows down to StackEnd: a return
// to StackEnd is a normal top-level return, not an error.
const (
	NroBase     = 0x00010000
	NroSize     = 0x01000000 // 16MB for the loaded image
	StackBase   = 0x80000000
	StackSize   = 0x00100000 // 1MB stack
	StackEnd    = StackBase + StackSize - 0x10
	HeapBase    = 0x90000000
	HeapSize    = 0x10000000 // 256MB auxiliary heap
	ImportsBase = 0xDEAB0000 // import sentinels + synthetic vtable
	ImportsSize = 0x00400000 // room for SlotCount + VtableSlotCount slots
	TLSBase     = 0xDEAF0000
	TLSSize     = 0x00010000
	MagicImport = 0xF0000000 // reserved out-of-map PC sentinel
)

// SlotSize is the stride between import sentinels: it must exceed the
// emulator's instruction fetch width so prefetch never crosses into an
// adjacent slot.
const SlotSize = 0x200

// SlotCount bounds the number of import symbols this layout can host.
const SlotCount = (ImportsSize / 2) / SlotSize

// VtableSlotCount is the number of synthetic vtable entries populated for
// the agent's auxiliary dispatch object.
const VtableSlotCount = 0x40 * 512

// vtableRegionBase is where the synthetic vtable slots begin, placed in the
// second half of the imports range so import-symbol slots never collide
// with it even at SlotCount capacity.
const vtableRegionBase = ImportsBase + (ImportsSize / 2)

// HookType identifies different hook categories.
type HookType int

const (
	HookCode HookType = iota
	HookMem
	HookBlock
	HookIntr
)

// CodeHookFunc is called for each instruction.
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address: an
// import slot or a vtable slot (MagicImport is unmapped, so execution there
// faults before any hook could fire). It runs its interpreter logic
// against emu's registers and memory, then (for imports/vtable slots) sets
// PC to MagicImport before returning, the same way the original driver
// forces control back out of a hooked call without ever decoding the bytes
// at that address. Returning true stops the current Run/RunFrom call so the
// caller can resume from LR on a fresh Start.
type AddressHookFunc func(emu *Emulator) bool

// Emulator wraps Unicorn for ARM64 emulation.
type Emulator struct {
	mu uc.Unicorn

	heapPtr uint64

	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	stopped bool
}

// New creates a new ARM64 emulator with the fixed memory map mapped and the
// stack/TLS/link-register sentinels initialized.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// mapMemory sets up the memory layout: the loaded image, stack, heap,
// imports range (including the synthetic vtable slots), and TLS, then seeds
// SP, LR (to StackEnd, so an unconsumed top-level return lands there) and
// TPIDR_EL0.
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{NroBase, NroSize, "nro"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{ImportsBase, ImportsSize, "imports"},
		{TLSBase, TLSSize, "tls"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}
	if err := e.mu.RegWrite(uc.ARM64_REG_LR, uint64(StackEnd)); err != nil {
		return fmt.Errorf("set LR: %w", err)
	}
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}
	if err := e.mu.MemWrite(TLSBase, make([]byte, 256)); err != nil {
		return fmt.Errorf("init TLS: %w", err)
	}

	return nil
}

// VtableBase returns the base address of the synthetic agent vtable. Slots
// are left zero-filled: every call into one is intercepted by its address
// hook before the underlying (never-meaningful) bytes are executed, the
// same way an import slot is.
func (e *Emulator) VtableBase() uint64 { return vtableRegionBase }

// VtableSlotAddr returns the address of vtable entry n.
func (e *Emulator) VtableSlotAddr(n uint64) uint64 { return vtableRegionBase + n*4 }

// setupHooks installs the single Unicorn code hook that dispatches to
// per-address hooks (imports, vtable slots) and then to any registered
// generic code hooks.
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)

	return err
}

// Close releases resources.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes the loaded image at NroBase.
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(NroBase, code)
}

// MapRegion maps additional memory.
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory.
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian).
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian).
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian).
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian).
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadString reads a null-terminated string from memory.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	data, err := e.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// MemWriteString writes a null-terminated string to memory.
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// RegRead reads a register value.
func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.mu.RegRead(reg)
}

// RegWrite writes a register value.
func (e *Emulator) RegWrite(reg int, val uint64) error {
	return e.mu.RegWrite(reg, val)
}

// X reads general-purpose register X0-X30.
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_X0 + n)
	return val
}

// SetX writes general-purpose register X0-X30.
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_X0+n, val)
}

// PC returns the program counter.
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter.
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer.
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer.
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register.
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register.
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// S reads single-precision float register S0-S8, the AAPCS64 float
// argument registers.
func (e *Emulator) S(n int) float32 {
	if n < 0 || n > 8 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_S0 + n)
	return math.Float32frombits(uint32(val))
}

// SetS writes single-precision float register S0-S8.
func (e *Emulator) SetS(n int, val float32) error {
	if n < 0 || n > 8 {
		return fmt.Errorf("invalid register S%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_S0+n, uint64(math.Float32bits(val)))
}

// Clone creates an independent Emulator carrying a full copy of this one's
// memory and register state, isolating a forked Instance from the one it
// was forked from: the original driver forks by exploring both outcomes of
// a data-dependent comparison, and a copy this deep is the simplest way to
// keep one fork's writes from leaking into its sibling's.
func (e *Emulator) Clone() (*Emulator, error) {
	dst, err := New()
	if err != nil {
		return nil, fmt.Errorf("clone: create target: %w", err)
	}

	regions := []struct{ base, size uint64 }{
		{NroBase, NroSize},
		{StackBase, StackSize},
		{HeapBase, HeapSize},
		{ImportsBase, ImportsSize},
		{TLSBase, TLSSize},
	}
	for _, r := range regions {
		data, err := e.mu.MemRead(r.base, r.size)
		if err != nil {
			dst.Close()
			return nil, fmt.Errorf("clone: read 0x%x: %w", r.base, err)
		}
		if err := dst.mu.MemWrite(r.base, data); err != nil {
			dst.Close()
			return nil, fmt.Errorf("clone: write 0x%x: %w", r.base, err)
		}
	}

	for _, reg := range []int{
		uc.ARM64_REG_X0, uc.ARM64_REG_X1, uc.ARM64_REG_X2, uc.ARM64_REG_X3,
		uc.ARM64_REG_X4, uc.ARM64_REG_X5, uc.ARM64_REG_X6, uc.ARM64_REG_X7,
		uc.ARM64_REG_X8, uc.ARM64_REG_X9, uc.ARM64_REG_X10, uc.ARM64_REG_X11,
		uc.ARM64_REG_X12, uc.ARM64_REG_X13, uc.ARM64_REG_X14, uc.ARM64_REG_X15,
		uc.ARM64_REG_X16, uc.ARM64_REG_X17, uc.ARM64_REG_X18, uc.ARM64_REG_X19,
		uc.ARM64_REG_X20, uc.ARM64_REG_X21, uc.ARM64_REG_X22, uc.ARM64_REG_X23,
		uc.ARM64_REG_X24, uc.ARM64_REG_X25, uc.ARM64_REG_X26, uc.ARM64_REG_X27,
		uc.ARM64_REG_X28, uc.ARM64_REG_X29, uc.ARM64_REG_X30,
		uc.ARM64_REG_SP, uc.ARM64_REG_PC, uc.ARM64_REG_LR, uc.ARM64_REG_TPIDR_EL0,
		uc.ARM64_REG_S0, uc.ARM64_REG_S1, uc.ARM64_REG_S2, uc.ARM64_REG_S3,
		uc.ARM64_REG_S4, uc.ARM64_REG_S5, uc.ARM64_REG_S6, uc.ARM64_REG_S7,
		uc.ARM64_REG_S8,
	} {
		val, err := e.mu.RegRead(reg)
		if err != nil {
			dst.Close()
			return nil, fmt.Errorf("clone: read reg %d: %w", reg, err)
		}
		if err := dst.mu.RegWrite(reg, val); err != nil {
			dst.Close()
			return nil, fmt.Errorf("clone: write reg %d: %w", reg, err)
		}
	}

	dst.heapPtr = e.heapPtr

	e.addrHooksMu.RLock()
	for addr, fn := range e.addrHooks {
		dst.addrHooks[addr] = fn
	}
	e.addrHooksMu.RUnlock()
	dst.codeHooks = append(dst.codeHooks, e.codeHooks...)

	return dst, nil
}

// Malloc allocates memory from the auxiliary heap (bump allocator). Panics
// if the heap is exhausted; the Cluster Manager's import dispatcher recovers
// this and terminates only the calling Instance, since it indicates the
// current fork cannot continue rather than a programming bug.
func (e *Emulator) Malloc(size uint64) uint64 {
	size = (size + 15) &^ 15 // align to 16 bytes

	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("heap exhausted")
	}

	return addr
}

// HookCode adds a code hook called for every instruction.
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address: an import slot or a
// vtable slot.
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook.
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Run starts emulation from addr until it reaches end.
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// RunFrom starts emulation from start and runs until stopped.
func (e *Emulator) RunFrom(start uint64) error {
	e.stopped = false
	return e.mu.Start(start, 0)
}

// Stop stops emulation.
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// ARM64 register constants (re-exported for convenience).
const (
	RegX0  = uc.ARM64_REG_X0
	RegX1  = uc.ARM64_REG_X1
	RegX2  = uc.ARM64_REG_X2
	RegX3  = uc.ARM64_REG_X3
	RegX4  = uc.ARM64_REG_X4
	RegX5  = uc.ARM64_REG_X5
	RegX6  = uc.ARM64_REG_X6
	RegX7  = uc.ARM64_REG_X7
	RegX8  = uc.ARM64_REG_X8
	RegX29 = uc.ARM64_REG_X29
	RegX30 = uc.ARM64_REG_X30
	RegSP  = uc.ARM64_REG_SP
	RegPC  = uc.ARM64_REG_PC
	RegLR  = uc.ARM64_REG_LR
)
