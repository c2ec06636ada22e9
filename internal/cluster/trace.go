package cluster

import (
	"github.com/zboralski/l2ctrace/internal/block"
	"github.com/zboralski/l2ctrace/internal/emulator"
	"github.com/zboralski/l2ctrace/internal/instance"
	"github.com/zboralski/l2ctrace/internal/token"
)

// onInstruction is the generic code hook every Instance's emulator runs on
// top of the address-hook dispatcher: it feeds the hang detector, tracks
// the jump-history stack across real subroutine calls and returns, and
// records the placeholder SUB_GOTO/SUB_BRANCH edges the Block Graph walks,
// the same boundary detection the original's hook_code performs inline
// while single-stepping real code.
func (m *Manager) onInstruction(emu *emulator.Emulator, addr uint64, size uint32) {
	inst, ok := m.byEmu[emu]
	if !ok || inst.IsTerminated() {
		return
	}

	if branchPC, isTrue, waiting := inst.TakeDivergeWait(); waiting {
		m.recordDiverge(inst, branchPC, isTrue, addr)
	}

	inst.PollHang(addr)
	if inst.IsTerminated() {
		m.log.InstanceTerminate(uint32(inst.ID()), "hang", addr)
		emu.Stop()
		return
	}

	if addr == emulator.MagicImport || m.isSentinel(addr) {
		return
	}

	transfer, decoded, err := inst.ClassifyAt(addr)
	if err != nil {
		return
	}

	switch transfer {
	case block.Call:
		inst.PushJump(addr)
	case block.Return:
		ret := emu.LR()
		inst.PopJump()
		if ret != emulator.StackEnd {
			m.recordEdge(inst, addr, token.SubRetBranch, ret, block.Subroutine)
			inst.SetLastBlock(ret)
		}
	case block.UnconditionalJump, block.ConditionalBranch:
		target, ok := block.BranchTarget(addr, decoded)
		if !ok {
			return
		}
		if transfer == block.ConditionalBranch {
			if isTrue, pending := inst.TakeDivergePending(); pending {
				m.graph.MarkForkOrigin(addr)
				inst.BeginDivergeWait(addr, isTrue)
				return
			}
		}
		str := token.SubGoto
		typ := block.Goto
		if transfer == block.ConditionalBranch {
			str = token.SubBranch
			typ = block.Fork
			m.graph.MarkForkOrigin(addr)
		}
		m.recordEdge(inst, addr, str, target, typ)
		m.graph.MarkGotoDst(target)
		inst.SetLastBlock(target)
	}
}

// recordDiverge inserts a DIV_TRUE/DIV_FALSE token at branchPC, the
// conditional branch a pending comparison fork's result decided: target is
// whatever address the emulator actually lands on right after executing
// it, not the branch's statically-encoded target, so the two instances on
// either side of the fork record distinct targets even though they cross
// the identical branch instruction. Replaces any SUB_BRANCH/SUB_GOTO
// placeholder already recorded at branchPC, the same way every import call
// site's token does.
func (m *Manager) recordDiverge(inst *instance.Instance, branchPC uint64, isTrue bool, target uint64) {
	str := token.DivFalse
	if isTrue {
		str = token.DivTrue
	}
	tok := token.Token{
		PC:            branchPC,
		ForkHierarchy: inst.ForkHierarchy(),
		Str:           str,
		Type:          token.Branch,
		Args:          []uint64{target},
	}
	if m.store.AddSubReplace(inst.LastBlock(), tok) {
		inst.IncOutputtedTokens()
		m.log.Token(uint32(inst.ID()), tok.PC, tok.Str, tok.ForkHierarchy)
	}
	m.graph.Set(block.Block{
		Addr:          inst.LastBlock(),
		AddrEnd:       branchPC + 4,
		Type:          block.Fork,
		ForkHierarchy: inst.ForkHierarchy(),
	})
	m.graph.MarkGotoDst(target)
	inst.SetLastBlock(target)
}

// isSentinel reports whether addr belongs to the import or vtable ranges,
// which the code hook must never try to decode real instructions from.
func (m *Manager) isSentinel(addr uint64) bool {
	if _, ok := m.table.NameAt(addr); ok {
		return true
	}
	_, ok := m.table.VtableNameAt(addr)
	return ok
}

// recordEdge inserts a placeholder control-flow token at pc pointing at
// target, and updates the Block Graph with the block pc closes out.
func (m *Manager) recordEdge(inst *instance.Instance, pc uint64, str string, target uint64, typ block.Type) {
	tok := token.Token{
		PC:            pc,
		ForkHierarchy: inst.ForkHierarchy(),
		Str:           str,
		Type:          token.Branch,
		Args:          []uint64{target},
	}
	if !m.store.AddByPriority(inst.LastBlock(), tok) {
		return
	}
	m.graph.Set(block.Block{
		Addr:          inst.LastBlock(),
		AddrEnd:       pc + 4,
		Type:          typ,
		ForkHierarchy: inst.ForkHierarchy(),
	})
}

// onTopLevelReturn handles a real RET landing exactly on STACK_END: the
// entry point's own return, not an interpreted call's. It is installed
// separately from MagicImport's resume handler because it fires on a real
// executed RET rather than a faked one.
func (m *Manager) onTopLevelReturn(emu *emulator.Emulator) bool {
	inst, ok := m.byEmu[emu]
	if !ok {
		return true
	}
	inst.Terminate()
	m.log.InstanceTerminate(uint32(inst.ID()), "return", emulator.StackEnd)
	return true
}
