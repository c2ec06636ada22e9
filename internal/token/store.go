package token

import "sort"

// Store holds the per-entry-point tokens map, keyed by the block address
// that owns each ordered set of tokens, plus the convergence-point map the
// priority and convergence rules consult.
//
// The store is not safe for concurrent use: the Cluster Manager advances
// Instances cooperatively and serializes all access to it, matching the
// single-threaded scheduling model this engine uses.
type Store struct {
	tokens         map[uint64][]Token
	convergePoints map[uint64]bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		tokens:         make(map[uint64][]Token),
		convergePoints: make(map[uint64]bool),
	}
}

// Reset clears all tokens and convergence state, used between entry-points.
func (s *Store) Reset() {
	s.tokens = make(map[uint64][]Token)
	s.convergePoints = make(map[uint64]bool)
}

// Tokens returns the ordered tokens for a block. The returned slice must not
// be mutated by the caller.
func (s *Store) Tokens(block uint64) []Token {
	return s.tokens[block]
}

// ClearBlock discards every token owned by block, used by block invalidation.
func (s *Store) ClearBlock(block uint64) {
	delete(s.tokens, block)
}

// Blocks returns every block address that currently owns at least one
// token, in ascending order.
func (s *Store) Blocks() []uint64 {
	addrs := make([]uint64, 0, len(s.tokens))
	for addr := range s.tokens {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// SetConverged marks pc as a convergence point.
func (s *Store) SetConverged(pc uint64) { s.convergePoints[pc] = true }

// Converged reports whether pc has been marked as a convergence point.
func (s *Store) Converged(pc uint64) bool { return s.convergePoints[pc] }

// ClearConverged resets a single pc's convergence marker, used by
// invalidate_blocktree.
func (s *Store) ClearConverged(pc uint64) { delete(s.convergePoints, pc) }

// Exists reports whether any block holds a token at pc with the given str.
func (s *Store) Exists(pc uint64, str string) bool {
	for _, toks := range s.tokens {
		for _, t := range toks {
			if t.PC == pc && t.Str == str {
				return true
			}
		}
	}
	return false
}

// RemoveMatching deletes every token (in every block) whose pc and str match.
func (s *Store) RemoveMatching(pc uint64, str string) {
	for addr, toks := range s.tokens {
		kept := toks[:0]
		changed := false
		for _, t := range toks {
			if t.PC == pc && t.Str == str {
				changed = true
				continue
			}
			kept = append(kept, t)
		}
		if changed {
			if len(kept) == 0 {
				delete(s.tokens, addr)
			} else {
				s.tokens[addr] = kept
			}
		}
	}
}

// AddByPriority inserts cand into tokens[block], first applying the
// fork-hierarchy priority rule across every block:
//
//   - any existing token t at the same (pc, str) with a longer fork
//     hierarchy than cand is removed;
//   - any existing token t at the same (pc, str) with an equal-length but
//     numerically larger leading fork id is removed;
//   - if any existing token t at the same (pc, str) has a strictly shorter
//     fork hierarchy than cand, cand is dropped without insertion and the
//     scan stops immediately, leaving any prior blocks' removals in place.
//
// Reports whether cand was inserted.
func (s *Store) AddByPriority(block uint64, cand Token) bool {
	for _, addr := range s.Blocks() {
		toks := s.tokens[addr]
		kept := make([]Token, 0, len(toks))
		for _, t := range toks {
			if t.PC == cand.PC && t.Str == cand.Str {
				switch {
				case len(cand.ForkHierarchy) < len(t.ForkHierarchy):
					continue // t is superseded, drop it
				case len(cand.ForkHierarchy) == len(t.ForkHierarchy) &&
					len(t.ForkHierarchy) > 0 && t.ForkHierarchy[0] > cand.ForkHierarchy[0]:
					continue // t is superseded, drop it
				case len(cand.ForkHierarchy) > len(t.ForkHierarchy):
					// cand is the deeper, later fork: drop it entirely.
					return false
				}
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(s.tokens, addr)
		} else {
			s.tokens[addr] = kept
		}
	}
	s.insertSorted(block, cand)
	return true
}

// AddSubReplace inserts cand via AddByPriority after first removing any
// SUB_BRANCH/SUB_GOTO placeholder tokens at cand.PC, since a concrete
// call/branch/convergence token always supersedes those pessimistic
// placeholders.
func (s *Store) AddSubReplace(block uint64, cand Token) bool {
	s.RemoveMatching(cand.PC, SubBranch)
	s.RemoveMatching(cand.PC, SubGoto)
	return s.AddByPriority(block, cand)
}

func (s *Store) insertSorted(block uint64, cand Token) {
	toks := s.tokens[block]
	i := sort.Search(len(toks), func(i int) bool { return !Less(toks[i], cand) })
	if i < len(toks) && Equal(toks[i], cand) {
		return // already present under the strict total order
	}
	toks = append(toks, Token{})
	copy(toks[i+1:], toks[i:])
	toks[i] = cand
	s.tokens[block] = toks
}

// SmallestAt scans every block for the token at pc whose fork hierarchy is
// smallest (by length, then leading id) among tokens with one of the given
// types. Used by convergence detection.
func (s *Store) SmallestAt(pc uint64, types ...Type) (Token, bool) {
	var best Token
	found := false
	matches := func(tt Type) bool {
		for _, want := range types {
			if tt == want {
				return true
			}
		}
		return false
	}
	for _, addr := range s.Blocks() {
		for _, t := range s.tokens[addr] {
			if t.PC != pc || !matches(t.Type) {
				continue
			}
			if !found || smaller(t.ForkHierarchy, best.ForkHierarchy) {
				best = t
				found = true
			}
		}
	}
	return best, found
}

func smaller(a, b []int) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	if len(a) == 0 {
		return false
	}
	return a[0] < b[0]
}
