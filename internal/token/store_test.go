package token

import "testing"

func TestAddByPriorityShorterHierarchyWins(t *testing.T) {
	s := New()
	deep := Token{PC: 0x10, Str: "f", ForkHierarchy: []int{1, 2}}
	shallow := Token{PC: 0x10, Str: "f", ForkHierarchy: []int{1}}

	if !s.AddByPriority(0x10, deep) {
		t.Fatalf("expected deep token to be inserted first")
	}
	if !s.AddByPriority(0x10, shallow) {
		t.Fatalf("expected shallow token to supersede deep token")
	}

	toks := s.Tokens(0x10)
	if len(toks) != 1 {
		t.Fatalf("expected exactly one surviving token, got %d: %+v", len(toks), toks)
	}
	if len(toks[0].ForkHierarchy) != 1 {
		t.Errorf("surviving token should be the shallow one, got %+v", toks[0])
	}
}

func TestAddByPriorityDropsDeeperCandidate(t *testing.T) {
	s := New()
	shallow := Token{PC: 0x10, Str: "f", ForkHierarchy: []int{1}}
	deep := Token{PC: 0x10, Str: "f", ForkHierarchy: []int{1, 2}}

	s.AddByPriority(0x10, shallow)
	if s.AddByPriority(0x10, deep) {
		t.Fatalf("expected deeper candidate to be dropped, not inserted")
	}

	toks := s.Tokens(0x10)
	if len(toks) != 1 || len(toks[0].ForkHierarchy) != 1 {
		t.Errorf("shallow token should survive unchanged, got %+v", toks)
	}
}

func TestAddByPriorityEqualLengthSmallerHeadWins(t *testing.T) {
	s := New()
	headTwo := Token{PC: 0x10, Str: "f", ForkHierarchy: []int{2}}
	headOne := Token{PC: 0x10, Str: "f", ForkHierarchy: []int{1}}

	s.AddByPriority(0x10, headTwo)
	s.AddByPriority(0x10, headOne)

	toks := s.Tokens(0x10)
	if len(toks) != 1 || toks[0].ForkHierarchy[0] != 1 {
		t.Fatalf("expected only the smaller-head token to survive, got %+v", toks)
	}
}

func TestAddByPriorityIdempotent(t *testing.T) {
	s := New()
	tok := Token{PC: 0x10, Str: "f", ForkHierarchy: []int{1}, Args: []uint64{7}}
	s.AddByPriority(0x10, tok)
	s.AddByPriority(0x10, tok)
	if got := len(s.Tokens(0x10)); got != 1 {
		t.Errorf("re-adding an identical token must not duplicate it, got %d entries", got)
	}
}

func TestAddSubReplaceRemovesPlaceholders(t *testing.T) {
	s := New()
	s.AddByPriority(0x10, Token{PC: 0x20, Str: SubBranch, ForkHierarchy: []int{1}})
	s.AddByPriority(0x10, Token{PC: 0x20, Str: SubGoto, ForkHierarchy: []int{1}})

	real := Token{PC: 0x20, Str: Conv, Type: Meta, ForkHierarchy: []int{1}}
	s.AddSubReplace(0x10, real)

	toks := s.Tokens(0x10)
	if len(toks) != 1 || toks[0].Str != Conv {
		t.Fatalf("expected only the CONV token to survive, got %+v", toks)
	}
}

func TestRemoveMatchingScansAllBlocks(t *testing.T) {
	s := New()
	s.AddByPriority(0x10, Token{PC: 0x99, Str: "dead"})
	s.AddByPriority(0x20, Token{PC: 0x99, Str: "dead"})
	s.RemoveMatching(0x99, "dead")
	if s.Exists(0x99, "dead") {
		t.Errorf("expected token removed from every block")
	}
}

func TestSmallestAtPrefersShorterThenSmallerHead(t *testing.T) {
	s := New()
	s.AddByPriority(0x10, Token{PC: 0x30, Str: "a", Type: Func, ForkHierarchy: []int{5, 6}})
	s.AddByPriority(0x11, Token{PC: 0x30, Str: "b", Type: Func, ForkHierarchy: []int{1}})

	best, ok := s.SmallestAt(0x30, Func, Branch)
	if !ok {
		t.Fatalf("expected a match")
	}
	if len(best.ForkHierarchy) != 1 || best.ForkHierarchy[0] != 1 {
		t.Errorf("expected the shorter hierarchy to be smallest, got %+v", best)
	}
}

func TestResetClearsState(t *testing.T) {
	s := New()
	s.AddByPriority(0x10, Token{PC: 0x10, Str: "f"})
	s.SetConverged(0x10)
	s.Reset()
	if len(s.Blocks()) != 0 {
		t.Errorf("expected no blocks after Reset")
	}
	if s.Converged(0x10) {
		t.Errorf("expected convergence state cleared after Reset")
	}
}
