package token

import "testing"

func TestForkHierarchyStrYoungestFirst(t *testing.T) {
	tok := Token{ForkHierarchy: []int{1, 2, 3}} // oldest-first: root=1, then 2, youngest=3
	if got, want := tok.ForkHierarchyStr(), "3->2->1"; got != want {
		t.Errorf("ForkHierarchyStr() = %q, want %q", got, want)
	}
}

func TestForkHierarchyStrRoot(t *testing.T) {
	if got, want := (Token{}).ForkHierarchyStr(), "root"; got != want {
		t.Errorf("ForkHierarchyStr() = %q, want %q", got, want)
	}
}

func TestLessOrdersByPCFirst(t *testing.T) {
	a := Token{PC: 0x100}
	b := Token{PC: 0x200}
	if !Less(a, b) || Less(b, a) {
		t.Errorf("expected a < b by pc")
	}
}

func TestLessFallsThroughToForkHierarchy(t *testing.T) {
	a := Token{PC: 0x100, ForkHierarchy: []int{1}}
	b := Token{PC: 0x100, ForkHierarchy: []int{1, 2}}
	if !Less(a, b) {
		t.Errorf("shorter fork hierarchy should sort first when pc matches")
	}
}

func TestEqualIsReflexive(t *testing.T) {
	tok := Token{PC: 1, Str: "x", Args: []uint64{1, 2}}
	if !Equal(tok, tok) {
		t.Errorf("Equal(t, t) must hold")
	}
}
