package export

import (
	"strings"
	"testing"

	"github.com/zboralski/l2ctrace/internal/block"
	"github.com/zboralski/l2ctrace/internal/token"
)

func TestBuildAndMarshalRoundTripsBlocksAndTokens(t *testing.T) {
	graph := block.New()
	store := token.New()

	graph.Set(block.Block{Addr: 0x10000, AddrEnd: 0x10010, Type: block.Subroutine})
	store.AddByPriority(0x10000, token.Token{
		PC:   0x10004,
		Str:  "app::sv_animcmd::is_excute(lua_State*)",
		Type: token.Func,
		Args: []uint64{1, 2},
	})

	doc := Build(graph, store)
	if len(doc.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(doc.Blocks))
	}
	b := doc.Blocks[0]
	if b.Addr != "0x10000" || b.AddrEnd != "0x10010" {
		t.Errorf("unexpected block addresses: %+v", b)
	}
	if len(b.Tokens) != 1 || b.Tokens[0].Str != "app::sv_animcmd::is_excute(lua_State*)" {
		t.Fatalf("expected 1 token carried over, got %+v", b.Tokens)
	}
	if b.Tokens[0].Args[0] != "0x1" || b.Tokens[0].Args[1] != "0x2" {
		t.Errorf("expected hex-formatted args, got %+v", b.Tokens[0].Args)
	}

	data, err := Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), "is_excute") {
		t.Errorf("expected marshaled document to contain the token name, got:\n%s", data)
	}

	roundTripped, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(roundTripped.Blocks) != 1 || roundTripped.Blocks[0].Addr != "0x10000" {
		t.Fatalf("round trip lost data: %+v", roundTripped)
	}
}

func TestBuildOnEmptyGraphProducesNoBlocks(t *testing.T) {
	doc := Build(block.New(), token.New())
	if len(doc.Blocks) != 0 {
		t.Errorf("expected no blocks, got %+v", doc.Blocks)
	}
}
