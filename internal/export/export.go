// Package export renders a finished Block Graph and its Token Store into a
// document an analyst can diff across runs or feed to another tool.
package export

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/l2ctrace/internal/block"
	"github.com/zboralski/l2ctrace/internal/token"
)

// Document is the top-level exported shape: one entry per known block,
// addresses rendered as hex strings so the document reads like the
// addresses an analyst would type into a disassembler.
type Document struct {
	Blocks []BlockDoc `yaml:"blocks"`
}

type BlockDoc struct {
	Addr    string     `yaml:"addr"`
	AddrEnd string     `yaml:"addr_end"`
	Type    string     `yaml:"type"`
	Creator string     `yaml:"creator,omitempty"`
	Tokens  []TokenDoc `yaml:"tokens,omitempty"`
}

type TokenDoc struct {
	PC            string    `yaml:"pc"`
	ForkHierarchy []int     `yaml:"fork,omitempty"`
	Str           string    `yaml:"str"`
	Type          string    `yaml:"type"`
	Args          []string  `yaml:"args,omitempty"`
	FArgs         []float32 `yaml:"fargs,omitempty"`
}

// Build walks every known block of graph, ascending by address, and
// attaches the tokens store holds for it.
func Build(graph *block.Graph, store *token.Store) Document {
	var doc Document
	for _, addr := range graph.Addrs() {
		b, ok := graph.Get(addr)
		if !ok {
			continue
		}
		doc.Blocks = append(doc.Blocks, BlockDoc{
			Addr:    fmt.Sprintf("%#x", b.Addr),
			AddrEnd: fmt.Sprintf("%#x", b.AddrEnd),
			Type:    b.Type.String(),
			Creator: b.Creator(),
			Tokens:  tokenDocs(store.Tokens(addr)),
		})
	}
	return doc
}

func tokenDocs(toks []token.Token) []TokenDoc {
	out := make([]TokenDoc, len(toks))
	for i, t := range toks {
		out[i] = TokenDoc{
			PC:            fmt.Sprintf("%#x", t.PC),
			ForkHierarchy: t.ForkHierarchy,
			Str:           t.Str,
			Type:          t.Type.String(),
			Args:          hexArgs(t.Args),
			FArgs:         t.FArgs,
		}
	}
	return out
}

func hexArgs(args []uint64) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = fmt.Sprintf("%#x", a)
	}
	return out
}

// Marshal renders doc as a YAML document.
func Marshal(doc Document) ([]byte, error) {
	return yaml.Marshal(doc)
}

// Unmarshal parses a previously exported YAML document, the input the view
// subcommand reads.
func Unmarshal(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse export document: %w", err)
	}
	return doc, nil
}
