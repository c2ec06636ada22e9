// Package viewer implements an interactive terminal browser over a
// previously exported block graph: a list of blocks, with the selected
// block's token sequence below it.
package viewer

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/l2ctrace/internal/export"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	tokenStyle  = lipgloss.NewStyle().PaddingLeft(2)
)

// blockItem adapts a BlockDoc to bubbles/list's list.Item interface.
type blockItem struct {
	doc export.BlockDoc
}

func (b blockItem) FilterValue() string { return b.doc.Addr }
func (b blockItem) Title() string       { return fmt.Sprintf("%s  %s", b.doc.Addr, b.doc.Type) }
func (b blockItem) Description() string {
	return fmt.Sprintf("%d tokens, created by %s", len(b.doc.Tokens), b.doc.Creator)
}

// Model is the root bubbletea model for the block graph browser.
type Model struct {
	list   list.Model
	width  int
	height int
}

// New builds a Model over a previously exported Document.
func New(doc export.Document) Model {
	items := make([]list.Item, len(doc.Blocks))
	for i, b := range doc.Blocks {
		items[i] = blockItem{doc: b}
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "blocks"
	l.SetShowStatusBar(false)

	return Model{list: l}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		listHeight := m.height - 8
		if listHeight < 3 {
			listHeight = 3
		}
		m.list.SetSize(m.width, listHeight)
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.list.View())
	b.WriteString("\n\n")

	if item, ok := m.list.SelectedItem().(blockItem); ok {
		b.WriteString(titleStyle.Render(fmt.Sprintf("tokens @ %s", item.doc.Addr)))
		b.WriteString("\n")
		if len(item.doc.Tokens) == 0 {
			b.WriteString(tokenStyle.Render(detailStyle.Render("(none)")))
		}
		for _, tok := range item.doc.Tokens {
			line := fmt.Sprintf("%-6s %-10s %s %v", tok.Type, tok.PC, tok.Str, tok.ForkHierarchy)
			b.WriteString(tokenStyle.Render(line))
			b.WriteString("\n")
		}
	}

	return b.String()
}

// Run starts the interactive browser over doc and blocks until the user
// quits.
func Run(doc export.Document) error {
	_, err := tea.NewProgram(New(doc), tea.WithAltScreen()).Run()
	return err
}
