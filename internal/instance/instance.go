// Package instance implements an Instance: one line of symbolic execution
// through a loaded module, with its own emulator state, virtual lua stack,
// and place in the fork hierarchy a comparison on an unresolved value may
// have split it from. The Cluster Manager owns the cross-instance state
// (tokens, blocks, convergence); an Instance only knows about itself.
package instance

import (
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/l2ctrace/internal/block"
	"github.com/zboralski/l2ctrace/internal/emulator"
	"github.com/zboralski/l2ctrace/internal/value"
)

// Instance is one forked line of execution. ForkHierarchy is stored
// oldest-first, matching internal/token.Token's convention, so a Token cut
// from this Instance's current state can borrow the slice directly.
type Instance struct {
	id            int
	emu           *emulator.Emulator
	forkHierarchy []int
	hasParent     bool
	startAddr     uint64
	basicEmu      bool

	lastBlock       uint64
	blockStackDepth int
	jumpHistory     []uint64

	numOutputtedTokens int
	terminated         bool

	luaStack []value.Value

	lastPC [2]uint64

	divergePending  bool
	divergeIsTrue   bool
	divergeWaiting  bool
	divergeBranchPC uint64
}

// New creates a root Instance (no parent, empty fork hierarchy) starting
// execution at start.
func New(id int, emu *emulator.Emulator, start uint64, basicEmu bool) *Instance {
	return &Instance{
		id:        id,
		emu:       emu,
		startAddr: start,
		basicEmu:  basicEmu,
		lastBlock: start,
	}
}

// ID returns the Instance's identifier, unique within its Cluster.
func (i *Instance) ID() int { return i.id }

// Emulator returns the Instance's emulator, also usable directly as a
// value.Memory for reading/writing L2CValue payloads.
func (i *Instance) Emulator() *emulator.Emulator { return i.emu }

// ForkHierarchy returns a copy of the instance's fork lineage, oldest-first.
func (i *Instance) ForkHierarchy() []int {
	out := make([]int, len(i.forkHierarchy))
	copy(out, i.forkHierarchy)
	return out
}

// HasParent reports whether this Instance was produced by a fork.
func (i *Instance) HasParent() bool { return i.hasParent }

// StartAddr returns the entry point this Instance (or its root ancestor)
// began executing from.
func (i *Instance) StartAddr() uint64 { return i.startAddr }

// IsBasicEmu reports whether this Instance replays a single concrete path
// instead of forking at unresolved comparisons.
func (i *Instance) IsBasicEmu() bool { return i.basicEmu }

// HeapAlloc allocates size bytes from the Instance's own auxiliary heap.
func (i *Instance) HeapAlloc(size uint64) uint64 { return i.emu.Malloc(size) }

// IsTerminated reports whether the Instance has stopped for good (hang
// detection, convergence, or an explicit Terminate call).
func (i *Instance) IsTerminated() bool { return i.terminated }

// Terminate marks the Instance as finished; the Cluster Manager stops
// scheduling it once this is set.
func (i *Instance) Terminate() { i.terminated = true }

// LastBlock returns the address of the code block currently executing.
func (i *Instance) LastBlock() uint64 { return i.lastBlock }

// SetLastBlock updates the current block, called whenever execution crosses
// a block boundary.
func (i *Instance) SetLastBlock(addr uint64) { i.lastBlock = addr }

// BlockStackDepth returns how many nested branch/call blocks deep execution
// currently is.
func (i *Instance) BlockStackDepth() int { return i.blockStackDepth }

// EnterBlock increments the block stack depth on entering a branch or call.
func (i *Instance) EnterBlock() { i.blockStackDepth++ }

// ExitBlock decrements the block stack depth on returning from one.
func (i *Instance) ExitBlock() {
	if i.blockStackDepth > 0 {
		i.blockStackDepth--
	}
}

// PushJump records pc as the caller address of a subroutine call, the
// origin an import hit during that call attributes its token to.
func (i *Instance) PushJump(pc uint64) { i.jumpHistory = append(i.jumpHistory, pc) }

// PopJump discards the most recently pushed caller address, called when a
// subroutine call returns.
func (i *Instance) PopJump() {
	if len(i.jumpHistory) > 0 {
		i.jumpHistory = i.jumpHistory[:len(i.jumpHistory)-1]
	}
}

// TopJump returns the caller address an import hit right now should
// attribute its token to: the top of the jump history stack.
func (i *Instance) TopJump() (uint64, bool) {
	if len(i.jumpHistory) == 0 {
		return 0, false
	}
	return i.jumpHistory[len(i.jumpHistory)-1], true
}

// NumOutputtedTokens returns how many tokens this Instance has contributed.
func (i *Instance) NumOutputtedTokens() int { return i.numOutputtedTokens }

// IncOutputtedTokens records that this Instance produced one more token.
func (i *Instance) IncOutputtedTokens() { i.numOutputtedTokens++ }

// MarkDivergePending records that this Instance is one side of a
// data-dependent comparison fork: the next conditional branch it crosses
// belongs to the compare it just made, and should be tagged DIV_TRUE or
// DIV_FALSE rather than the generic SUB_BRANCH placeholder.
func (i *Instance) MarkDivergePending(isTrue bool) {
	i.divergePending = true
	i.divergeIsTrue = isTrue
}

// TakeDivergePending reports and clears whether a comparison fork is
// waiting for its branch, and which side of it this Instance is.
func (i *Instance) TakeDivergePending() (isTrue, ok bool) {
	if !i.divergePending {
		return false, false
	}
	i.divergePending = false
	return i.divergeIsTrue, true
}

// BeginDivergeWait records that the conditional branch at branchPC has just
// been reached on behalf of a pending comparison fork. The actual target
// block is not yet known: it is whatever address the emulator executes
// next, observed by the following instruction hook rather than guessed
// from the branch's static encoding.
func (i *Instance) BeginDivergeWait(branchPC uint64, isTrue bool) {
	i.divergeWaiting = true
	i.divergeBranchPC = branchPC
	i.divergeIsTrue = isTrue
}

// TakeDivergeWait reports and clears a pending divergence wait, if any.
func (i *Instance) TakeDivergeWait() (branchPC uint64, isTrue, ok bool) {
	if !i.divergeWaiting {
		return 0, false, false
	}
	i.divergeWaiting = false
	return i.divergeBranchPC, i.divergeIsTrue, true
}

// Clear empties the virtual lua stack (lib::L2CAgent::clear_lua_stack()).
func (i *Instance) Clear() { i.luaStack = nil }

// Push appends v to the top of the virtual lua stack.
func (i *Instance) Push(v value.Value) { i.luaStack = append(i.luaStack, v) }

// Pop removes and returns the top of the virtual lua stack.
func (i *Instance) Pop() (value.Value, bool) {
	if len(i.luaStack) == 0 {
		return value.Value{}, false
	}
	v := i.luaStack[len(i.luaStack)-1]
	i.luaStack = i.luaStack[:len(i.luaStack)-1]
	return v, true
}

// Len reports the current depth of the virtual lua stack.
func (i *Instance) Len() int { return len(i.luaStack) }

// PollHang feeds the Instance's hang detector the address about to execute.
// Three consecutive identical addresses terminate the Instance, the same
// window the original driver's hook_code checks.
func (i *Instance) PollHang(addr uint64) {
	if i.lastPC[0] == addr && i.lastPC[0] == i.lastPC[1] && !i.terminated {
		i.Terminate()
	}
	i.lastPC[1] = i.lastPC[0]
	i.lastPC[0] = addr
}

// ClassifyAt decodes the instruction at addr and reports what kind of
// control transfer, if any, it represents.
func (i *Instance) ClassifyAt(addr uint64) (block.Transfer, arm64asm.Inst, error) {
	code, err := i.emu.MemRead(addr, 4)
	if err != nil {
		return block.NotTransfer, arm64asm.Inst{}, err
	}
	return block.ClassifyInstruction(code)
}

// Fork creates a child Instance exploring the other outcome of a
// data-dependent comparison: a deep clone of this Instance's emulator state,
// with childID appended to its fork hierarchy. The parent continues on its
// own emulator, untouched by whatever the child subsequently does.
func (i *Instance) Fork(childID int) (*Instance, error) {
	clonedEmu, err := i.emu.Clone()
	if err != nil {
		return nil, err
	}

	hierarchy := make([]int, len(i.forkHierarchy)+1)
	copy(hierarchy, i.forkHierarchy)
	hierarchy[len(hierarchy)-1] = childID

	return &Instance{
		id:              childID,
		emu:             clonedEmu,
		forkHierarchy:   hierarchy,
		hasParent:       true,
		startAddr:       i.startAddr,
		basicEmu:        i.basicEmu,
		lastBlock:       i.lastBlock,
		blockStackDepth: i.blockStackDepth,
		jumpHistory:     append([]uint64(nil), i.jumpHistory...),
		luaStack:        append([]value.Value(nil), i.luaStack...),
	}, nil
}

// Close releases the Instance's emulator.
func (i *Instance) Close() error { return i.emu.Close() }
