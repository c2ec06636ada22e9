package viewer

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zboralski/l2ctrace/internal/export"
)

func testDoc() export.Document {
	return export.Document{
		Blocks: []export.BlockDoc{
			{Addr: "0x10000", AddrEnd: "0x10010", Type: "Subroutine", Tokens: []export.TokenDoc{
				{PC: "0x10004", Str: "is_excute", Type: "Func"},
			}},
			{Addr: "0x10010", AddrEnd: "0x10020", Type: "Goto"},
		},
	}
}

func TestNewPopulatesOneListItemPerBlock(t *testing.T) {
	m := New(testDoc())
	if got := len(m.list.Items()); got != 2 {
		t.Fatalf("expected 2 list items, got %d", got)
	}
}

func TestUpdateQuitsOnQ(t *testing.T) {
	m := New(testDoc())
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a quit command on 'q'")
	}
}

func TestViewIncludesSelectedBlockTokens(t *testing.T) {
	m := New(testDoc())
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	mm := updated.(Model)

	view := mm.View()
	if view == "" {
		t.Fatal("expected non-empty view")
	}
	if !strings.Contains(view, "is_excute") {
		t.Errorf("expected the selected block's token in the view, got:\n%s", view)
	}
}
