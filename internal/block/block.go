// Package block implements the Block Graph: per-address block records, DFS
// traversal, cleaning of spurious singleton convergences, and invalidation
// for re-analysis.
package block

import (
	"sort"

	"github.com/zboralski/l2ctrace/internal/token"
)

// Type classifies how a Block ends.
type Type int

const (
	Invalid Type = iota
	Subroutine
	Goto
	Fork
)

func (t Type) String() string {
	switch t {
	case Subroutine:
		return "Subroutine"
	case Goto:
		return "Goto"
	case Fork:
		return "Fork"
	default:
		return "Invalid"
	}
}

// Block is a maximal run of instructions ending at a control-flow
// divergence, subroutine boundary, or goto.
type Block struct {
	Addr          uint64
	AddrEnd       uint64
	Type          Type
	ForkHierarchy []int
}

// Size returns the block's instruction-byte extent.
func (b Block) Size() uint64 { return b.AddrEnd - b.Addr }

// Creator identifies the fork that created this block: the youngest
// (last-appended) entry of its fork hierarchy, or "root" if the block was
// never created inside a fork.
func (b Block) Creator() string {
	if len(b.ForkHierarchy) == 0 {
		return "root"
	}
	return token.Token{ForkHierarchy: b.ForkHierarchy[len(b.ForkHierarchy)-1:]}.ForkHierarchyStr()
}

// controlFlowTags lists the meta-tags whose Args[0] is a target block
// address, the edges the graph traversal below follows.
var controlFlowTags = map[string]bool{
	token.SubBranch:    true,
	token.SubRetBranch: true,
	token.SubGoto:      true,
	token.DivTrue:      true,
	token.DivFalse:     true,
	token.Conv:         true,
	token.LoopConv:     true,
}

// Graph owns the set of known blocks and the per-pc goto-destination and
// fork-origin flags that accompany them.
type Graph struct {
	blocks     map[uint64]*Block
	isGotoDst  map[uint64]bool
	isForkOrig map[uint64]bool
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		blocks:     make(map[uint64]*Block),
		isGotoDst:  make(map[uint64]bool),
		isForkOrig: make(map[uint64]bool),
	}
}

// Reset discards every block and flag, used between entry-points.
func (g *Graph) Reset() {
	g.blocks = make(map[uint64]*Block)
	g.isGotoDst = make(map[uint64]bool)
	g.isForkOrig = make(map[uint64]bool)
}

// Set records or updates a block. A block's type is set on creation and
// thereafter only ever demoted to Invalid by Invalidate.
func (g *Graph) Set(b Block) {
	if old, ok := g.blocks[b.Addr]; ok && old.Type != Invalid {
		b.Type = old.Type
	}
	g.blocks[b.Addr] = &b
}

// Get returns the block at addr, if any.
func (g *Graph) Get(addr uint64) (Block, bool) {
	b, ok := g.blocks[addr]
	if !ok {
		return Block{}, false
	}
	return *b, true
}

// MarkGotoDst marks pc as the destination of a goto.
func (g *Graph) MarkGotoDst(pc uint64) { g.isGotoDst[pc] = true }

// MarkForkOrigin marks pc as the site of a fork.
func (g *Graph) MarkForkOrigin(pc uint64) { g.isForkOrig[pc] = true }

// IsGotoDst reports whether pc is a known goto destination.
func (g *Graph) IsGotoDst(pc uint64) bool { return g.isGotoDst[pc] }

// IsForkOrigin reports whether pc is a known fork origin.
func (g *Graph) IsForkOrigin(pc uint64) bool { return g.isForkOrig[pc] }

// Addrs returns every known block address, ascending.
func (g *Graph) Addrs() []uint64 {
	addrs := make([]uint64, 0, len(g.blocks))
	for a := range g.blocks {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// successors reads store's tokens at block and returns every control-flow
// token's target block address (Args[0]).
func successors(store *token.Store, block uint64) []uint64 {
	var next []uint64
	for _, t := range store.Tokens(block) {
		if controlFlowTags[t.Str] && len(t.Args) > 0 {
			next = append(next, t.Args[0])
		}
	}
	return next
}

// Traverse performs a DFS from entry, visiting each reachable block exactly
// once. The work list is sorted descending before each pop and popped from
// the front, a heuristic that visits fall-through paths (smaller
// addresses) last.
func (g *Graph) Traverse(store *token.Store, entry uint64, visit func(addr uint64)) {
	visited := map[uint64]bool{}
	work := []uint64{entry}
	for len(work) > 0 {
		sort.Slice(work, func(i, j int) bool { return work[i] > work[j] })
		cur := work[0]
		work = work[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		visit(cur)
		for _, next := range successors(store, cur) {
			if !visited[next] {
				work = append(work, next)
			}
		}
	}
}

// CleanBlocks performs the two-phase spurious-convergence prune: count how
// many tokens share each unique fork-hierarchy string reachable from entry,
// then remove every CONV token whose fork hierarchy appears exactly once
// (a singleton convergence is one that never had a competing sibling and is
// therefore noise).
func (g *Graph) CleanBlocks(store *token.Store, entry uint64) {
	counts := map[string]int{}
	g.Traverse(store, entry, func(addr uint64) {
		for _, t := range store.Tokens(addr) {
			counts[t.ForkHierarchyStr()]++
		}
	})

	g.Traverse(store, entry, func(addr uint64) {
		for _, t := range store.Tokens(addr) {
			if t.Str == token.Conv && counts[t.ForkHierarchyStr()] <= 1 {
				store.RemoveMatching(t.PC, token.Conv)
			}
		}
	})
}

// Invalidate clears every block, token, and flag reachable from entry,
// demoting each visited block's type to Invalid. Used when a driver decides
// to re-analyze an entry-point.
func (g *Graph) Invalidate(store *token.Store, entry uint64) {
	var visited []uint64
	g.Traverse(store, entry, func(addr uint64) { visited = append(visited, addr) })

	for _, addr := range visited {
		for _, t := range store.Tokens(addr) {
			store.ClearConverged(t.PC)
			delete(g.isGotoDst, t.PC)
			delete(g.isForkOrig, t.PC)
		}
		store.ClearBlock(addr)
		if b, ok := g.blocks[addr]; ok {
			b.Type = Invalid
		} else {
			g.blocks[addr] = &Block{Addr: addr, Type: Invalid}
		}
	}
}
