package block

import "golang.org/x/arch/arm64/arm64asm"

// Transfer classifies how a decoded instruction affects control flow, for
// the purpose of deciding where a block ends and whether the transfer is
// one this engine can resolve statically from the instruction alone.
type Transfer int

const (
	// NotTransfer means the instruction falls through normally.
	NotTransfer Transfer = iota
	// UnconditionalJump is a B (direct, PC-relative target) or a BR
	// (register target, not resolvable by BranchTarget): ends the block as
	// a Goto, no fork needed.
	UnconditionalJump
	// ConditionalBranch is a B.cond/CBZ/CBNZ/TBZ/TBNZ: a data-dependent
	// branch whose predicate is not known until it executes in the
	// emulator; ends the block as a Fork candidate.
	ConditionalBranch
	// Call is a BL/BLR: a subroutine call, not itself a block end, but the
	// hook installed at the call target fires the import/sub-call machinery.
	Call
	// Return is a RET: ends the block, terminates the Instance on return to
	// STACK_END or continues on a resolvable return address.
	Return
)

// ClassifyInstruction decodes a 4-byte AArch64 instruction and reports its
// control-flow effect, grounded on the same arm64asm-based mnemonic
// classification this codebase already uses to tag disassembly output.
func ClassifyInstruction(code []byte) (Transfer, arm64asm.Inst, error) {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return NotTransfer, arm64asm.Inst{}, err
	}
	switch inst.Op {
	case arm64asm.B:
		if _, isCond := inst.Args[0].(arm64asm.Cond); isCond {
			return ConditionalBranch, inst, nil
		}
		return UnconditionalJump, inst, nil
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return ConditionalBranch, inst, nil
	case arm64asm.BL, arm64asm.BLR:
		return Call, inst, nil
	case arm64asm.BR:
		return UnconditionalJump, inst, nil
	case arm64asm.RET, arm64asm.ERET:
		return Return, inst, nil
	default:
		return NotTransfer, inst, nil
	}
}

// IsBlockEnd reports whether a decoded transfer ends the current block.
func IsBlockEnd(t Transfer) bool {
	return t != NotTransfer && t != Call
}

// BranchTarget resolves the absolute target address of a direct branch
// decoded at pc, for UnconditionalJump and ConditionalBranch instructions
// whose target is PC-relative (B, B.cond, CBZ, CBNZ, TBZ, TBNZ). BR/BLR
// targets live in a register and are not resolvable from the instruction
// alone.
func BranchTarget(pc uint64, inst arm64asm.Inst) (uint64, bool) {
	for _, arg := range inst.Args {
		if arg == nil {
			continue
		}
		if rel, ok := arg.(arm64asm.PCRel); ok {
			return uint64(int64(pc) + int64(rel)), true
		}
	}
	return 0, false
}
