// Package cluster implements the Cluster Manager: the owner of the
// per-entry-point global state (Token Store, Block Graph, hash-cheat
// bookkeeping) and the scheduler that drives every Instance spawned for one
// analysis run to completion. It is the one piece of this engine with no
// single original-source counterpart to imitate line for line; it exists
// because main()'s globals and hook_code dispatch loop have to live
// somewhere once they stop being process-wide globals.
package cluster

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zboralski/l2ctrace/internal/block"
	"github.com/zboralski/l2ctrace/internal/emulator"
	"github.com/zboralski/l2ctrace/internal/importtable"
	"github.com/zboralski/l2ctrace/internal/instance"
	"github.com/zboralski/l2ctrace/internal/log"
	"github.com/zboralski/l2ctrace/internal/token"
)

// Manager owns every Instance live within one analysis run, the shared
// Token Store and Block Graph those Instances feed, and the hash-cheat
// bookkeeping Import Interpreters consult. It is not safe for concurrent
// use: Instances are scheduled cooperatively, one at a time, on this
// goroutine.
type Manager struct {
	table *importtable.Table
	log   *log.Logger

	store *token.Store
	graph *block.Graph
	hash  *hashCheat

	instances map[int]*instance.Instance
	byEmu     map[*emulator.Emulator]*instance.Instance
	order     []int
	nextID    int

	runID uuid.UUID
}

// New creates a Manager bound to table's emulator, installing the address
// hooks every Instance spawned from here will share: the dispatcher at
// every assigned import and vtable slot, STACK_END (a top-level return),
// and the generic code hook that tracks jump history and block boundaries.
// MagicImport itself needs no address hook: it is deliberately left
// unmapped, so landing on it faults RunFrom back out to runLoop, which
// calls resume directly.
func New(table *importtable.Table, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	m := &Manager{
		table:     table,
		log:       logger,
		store:     token.New(),
		graph:     block.New(),
		hash:      newHashCheat(),
		instances: make(map[int]*instance.Instance),
		byEmu:     make(map[*emulator.Emulator]*instance.Instance),
	}

	root := table.Emulator()
	table.Hook(m.dispatch)
	root.HookAddress(emulator.StackEnd, m.onTopLevelReturn)
	root.HookCode(m.onInstruction)

	return m
}

// Store returns the Token Store accumulated so far for the current
// entry-point run.
func (m *Manager) Store() *token.Store { return m.store }

// Graph returns the Block Graph accumulated so far for the current
// entry-point run.
func (m *Manager) Graph() *block.Graph { return m.graph }

// RunID returns the identifier assigned to the most recent RunEntry call.
func (m *Manager) RunID() uuid.UUID { return m.runID }

// FunctionHashes returns every (object, key) -> function pointer mapping
// recorded by sv_set_function_hash/sv_set_status_func so far.
func (m *Manager) FunctionHashes() map[FuncKey]uint64 { return m.hash.FunctionHashes() }

// Reset clears the Token Store, Block Graph, and every Instance between
// entry-points (closing the emulators of forked Instances; a root's
// emulator belongs to the caller and stays open), the equivalent of the
// original driver's globals being re-initialized before the next run_entry
// call. Hash-cheat state is
// process-wide and survives a Reset: function hashes recorded under one
// entry point remain valid lookups for the next, the same way the
// original's hash_cheat_funcs map is never cleared between calls.
func (m *Manager) Reset() {
	m.store.Reset()
	m.graph.Reset()

	for id, inst := range m.instances {
		if inst.HasParent() {
			inst.Close()
		}
		delete(m.byEmu, inst.Emulator())
		delete(m.instances, id)
	}
	m.order = nil
}

// Spawn creates the root Instance for one entry point: args populate X0-X7
// (AAPCS64 integer argument registers), LR is seeded to STACK_END so an
// unconsumed top-level return lands there rather than falling off into
// whatever garbage follows in the stack region.
func (m *Manager) Spawn(start uint64, basicEmu bool, args ...uint64) *instance.Instance {
	emu := m.table.Emulator()
	for i, a := range args {
		if i > 7 {
			break
		}
		emu.SetX(i, a)
	}
	emu.SetPC(start)
	emu.SetLR(emulator.StackEnd)

	id := m.nextID
	m.nextID++

	inst := instance.New(id, emu, start, basicEmu)
	m.instances[id] = inst
	m.byEmu[emu] = inst
	m.order = append(m.order, id)

	m.log.InstanceSpawn(uint32(id), -1, start)
	return inst
}

// RunEntry spawns a root Instance at start and runs every Instance it
// transitively forks to completion.
func (m *Manager) RunEntry(start uint64, basicEmu bool, args ...uint64) error {
	m.runID = uuid.New()
	m.Spawn(start, basicEmu, args...)
	return m.runLoop()
}

// runLoop advances every live Instance in spawn order to its own
// termination (hang, convergence, or a top-level return) before moving on
// to the next. A genuine cooperative interleaving of every Instance's
// individual instructions would need single-step granularity Unicorn's
// wrapper here doesn't expose; running each to completion in turn produces
// the same Token Store contents, since priority replacement and
// convergence detection are designed to resolve conflicts independent of
// scheduling order. Forking appends to m.order while this loop is running,
// so the bound is re-read every iteration to pick up new children.
func (m *Manager) runLoop() error {
	for i := 0; i < len(m.order); i++ {
		inst := m.instances[m.order[i]]
		if inst == nil {
			continue
		}
		for !inst.IsTerminated() {
			err := inst.Emulator().RunFrom(inst.Emulator().PC())
			if err == nil {
				break
			}
			if inst.Emulator().PC() == emulator.MagicImport {
				if m.resume(inst) {
					break
				}
				continue
			}
			inst.Terminate()
			m.log.InstanceTerminate(uint32(inst.ID()), fmt.Sprintf("emulator: %v", err), inst.Emulator().PC())
		}
	}
	return nil
}

// RunVirtualMethod9 dispatches the agent's ninth vtable slot directly,
// bypassing the ordinary call machinery: it reads the 8-byte vtable
// pointer at *agentPtr, the function pointer at offset 9*8 within it, then
// resets all per-entry-point state and re-runs from that function in
// basic-emu mode, the same status-script sequence the original driver
// performs immediately after an ordinary entry-point run.
func (m *Manager) RunVirtualMethod9(agentPtr uint64) error {
	emu := m.table.Emulator()

	vtablePtr, err := emu.MemReadU64(agentPtr)
	if err != nil {
		return fmt.Errorf("virtual method 9: read vtable pointer at %#x: %w", agentPtr, err)
	}
	fnPtr, err := emu.MemReadU64(vtablePtr + 9*8)
	if err != nil {
		return fmt.Errorf("virtual method 9: read slot 9 at %#x: %w", vtablePtr, err)
	}

	m.Reset()
	return m.RunEntry(fnPtr, true, agentPtr)
}
