package cluster

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/l2ctrace/internal/emulator"
	"github.com/zboralski/l2ctrace/internal/instance"
	"github.com/zboralski/l2ctrace/internal/interp"
	"github.com/zboralski/l2ctrace/internal/token"
)

// dispatch is the single address hook installed at every import slot and
// every vtable slot. It implements the interpreter's six-step contract:
// read arguments, find the caller address a token should be attributed to,
// check for convergence, run the symbol's handler, write results back, and
// record the token. MagicImport itself is never reached through this hook:
// it is deliberately unmapped, so landing on it faults RunFrom back out to
// the Manager's scheduling loop, which calls resume directly.
func (m *Manager) dispatch(emu *emulator.Emulator) (stop bool) {
	inst, ok := m.byEmu[emu]
	if !ok || inst.IsTerminated() {
		return true
	}

	addr := emu.PC()
	// A handler that exhausts the auxiliary heap panics in emulator.Malloc;
	// that ends only this Instance.
	defer func() {
		if r := recover(); r != nil {
			inst.Terminate()
			m.log.InstanceTerminate(uint32(inst.ID()), fmt.Sprintf("panic: %v", r), addr)
			stop = true
		}
	}()
	origin, ok := inst.TopJump()
	if !ok {
		origin = inst.LastBlock()
	}

	if m.converge(inst, origin) {
		emu.SetPC(emulator.MagicImport)
		return false
	}

	name := m.resolveName(addr)
	ctx := m.buildContext(emu, inst)
	if handler, ok := interp.Lookup(name); ok {
		handler(ctx)
	} else {
		m.log.StubFallback(name)
	}
	m.writeBack(emu, ctx)

	if !inst.IsBasicEmu() {
		tok := token.Token{
			PC:            origin,
			ForkHierarchy: inst.ForkHierarchy(),
			Str:           name,
			Type:          token.Func,
			Args:          ctx.TokenArgs,
			FArgs:         ctx.TokenFArgs,
		}
		// Every import call's token replaces a stale SUB_BRANCH/SUB_GOTO
		// placeholder at origin, not just priority-compares against it: the
		// generic code hook may have tagged this address as a plain branch
		// before a call ever landed there.
		if m.store.AddSubReplace(inst.LastBlock(), tok) {
			inst.IncOutputtedTokens()
			m.log.Token(uint32(inst.ID()), tok.PC, tok.Str, tok.ForkHierarchy)
		}
	}
	m.store.SetConverged(origin)

	if ctx.Fork && !inst.IsBasicEmu() {
		m.fork(inst)
	}

	emu.SetPC(emulator.MagicImport)
	return false
}

// resolveName returns the demangled import name or synthetic vtable-slot
// name assigned to addr, or a generic placeholder if neither table knows
// it (which should not happen for an address this dispatcher is hooked on,
// but a placeholder beats a panic).
func (m *Manager) resolveName(addr uint64) string {
	if name, ok := m.table.NameAt(addr); ok {
		return name
	}
	if name, ok := m.table.VtableNameAt(addr); ok {
		return name
	}
	return "unknown_import"
}

// buildContext populates an interp.Context from the calling Instance's
// current AAPCS64 argument registers (X0-X8, S0-S8).
func (m *Manager) buildContext(emu *emulator.Emulator, inst *instance.Instance) *interp.Context {
	ctx := &interp.Context{
		Mem:      emu,
		Heap:     emu,
		Stack:    inst,
		Hash:     m.hash,
		BasicEmu: inst.IsBasicEmu(),
	}
	for i := 0; i <= 8; i++ {
		ctx.Args[i] = emu.X(i)
		ctx.FArgs[i] = emu.S(i)
	}
	return ctx
}

// writeBack copies a handler's possibly-mutated argument registers back
// onto the emulator, the return-value convention every handler uses (a
// result lands in Args[0]/FArgs[0]).
func (m *Manager) writeBack(emu *emulator.Emulator, ctx *interp.Context) {
	for i := 0; i <= 8; i++ {
		emu.SetX(i, ctx.Args[i])
		emu.SetS(i, ctx.FArgs[i])
	}
}

// resume is called by the Manager's scheduling loop after RunFrom faults on
// MagicImport: the interpreted call is done, so control returns to
// whatever real code address the original BL/BLR left in LR. LR ==
// STACK_END means the entry point itself has returned. Reports whether the
// Instance terminated.
func (m *Manager) resume(inst *instance.Instance) bool {
	emu := inst.Emulator()
	ret := emu.LR()
	if ret == emulator.StackEnd {
		inst.Terminate()
		m.log.InstanceTerminate(uint32(inst.ID()), "return", ret)
		return true
	}
	emu.SetPC(ret)
	return false
}

// converge checks whether origin has already been claimed by a
// higher-priority Instance: if so, this Instance's path is redundant and
// is terminated, leaving behind a CONV marker token only if it had already
// contributed at least one token of its own (an Instance that converges
// before producing anything leaves no trace).
func (m *Manager) converge(inst *instance.Instance, origin uint64) bool {
	if !m.store.Converged(origin) || !inst.HasParent() || inst.StartAddr() == 0 {
		return false
	}

	best, ok := m.store.SmallestAt(origin, token.Func, token.Branch)
	if !ok {
		return false
	}
	cand := inst.ForkHierarchy()
	if !notBetterThan(cand, best.ForkHierarchy) {
		return false
	}

	if inst.NumOutputtedTokens() > 0 {
		tok := token.Token{
			PC:            origin,
			ForkHierarchy: cand,
			Str:           token.Conv,
			Type:          token.Meta,
			Args:          []uint64{origin, inst.LastBlock()},
		}
		m.store.AddSubReplace(inst.LastBlock(), tok)
		m.log.Converge(uint32(inst.ID()), origin, inst.LastBlock())
	}

	inst.Terminate()
	m.log.InstanceTerminate(uint32(inst.ID()), "converged", origin)
	return true
}

// notBetterThan reports whether cand does not outrank best under the
// fork-hierarchy priority order (shorter wins, equal length and smaller
// leading id wins): the complement of the ordering internal/token.Store
// uses to pick a winner, used here to decide whether an Instance arriving
// at an already-converged origin is the one that should have won or a
// redundant latecomer.
func notBetterThan(cand, best []int) bool {
	if len(cand) != len(best) {
		return len(cand) > len(best)
	}
	if len(cand) == 0 {
		return true
	}
	return cand[0] >= best[0]
}

// fork splits inst at a data-dependent comparison: the parent continues on
// its own emulator with X0 already written to 0 by the comparison handler,
// the child gets a deep clone with X0 forced to 1 and its PC parked on
// MagicImport so its very next step resumes exactly where the parent's
// does, by way of LR. Both sides are marked as awaiting the conditional
// branch that consumes the compare result, so the next one either of them
// crosses records DIV_FALSE/DIV_TRUE instead of a generic SUB_BRANCH.
func (m *Manager) fork(parent *instance.Instance) {
	childID := m.nextID
	m.nextID++

	child, err := parent.Fork(childID)
	if err != nil {
		m.log.Warn("fork failed", zap.Error(err))
		return
	}
	child.Emulator().SetX(0, 1)
	child.Emulator().SetPC(emulator.MagicImport)

	parent.MarkDivergePending(false)
	child.MarkDivergePending(true)

	m.instances[childID] = child
	m.byEmu[child.Emulator()] = child
	m.order = append(m.order, childID)

	m.graph.MarkForkOrigin(parent.LastBlock())
	m.log.Fork(uint32(parent.ID()), uint32(childID), parent.LastBlock())
}
