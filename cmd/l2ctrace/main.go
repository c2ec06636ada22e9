package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zboralski/l2ctrace/internal/cluster"
	"github.com/zboralski/l2ctrace/internal/emulator"
	"github.com/zboralski/l2ctrace/internal/export"
	"github.com/zboralski/l2ctrace/internal/filterscript"
	"github.com/zboralski/l2ctrace/internal/importtable"
	"github.com/zboralski/l2ctrace/internal/loader"
	glog "github.com/zboralski/l2ctrace/internal/log"
	"github.com/zboralski/l2ctrace/internal/token"
	"github.com/zboralski/l2ctrace/internal/viewer"
)

var (
	verbose    bool
	basicEmu   bool
	runMethod9 bool
	entryFlag  string
	outPath    string
	filterPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "l2ctrace [binary]",
		Short: "Symbolically trace an L2C game-script entry point through controlled emulation",
		Long: `l2ctrace loads an AArch64 NSO/NRO-style module, relocates its external
references into a hooked import table, and symbolically runs a chosen entry
point.

Every call into an unresolved import is interpreted rather than executed:
a data-dependent comparison forks into two Instances, one per branch
outcome, and the resulting token stream and block graph describe every
path the entry point can take.

Examples:
  l2ctrace agent.nro --entry 0x710              # trace a single entry point
  l2ctrace agent.nro --entry is_enter -o out.yaml
  l2ctrace agent.nro --entry is_enter --filter drop_meta.js
  l2ctrace view out.yaml                        # browse a previously exported graph`,
		Args: cobra.ExactArgs(1),
		RunE: runTrace,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.Flags().BoolVar(&basicEmu, "basic-emu", false, "replay a single concrete path instead of forking at comparisons")
	rootCmd.Flags().BoolVar(&runMethod9, "method9", false, "after the entry point returns, also dispatch the agent's ninth vtable slot in basic-emu mode")
	rootCmd.Flags().StringVar(&entryFlag, "entry", "", "entry point address (0x...) or exported symbol name; defaults to the image's own entry point")
	rootCmd.Flags().StringVarP(&outPath, "output", "o", "", "write the exported block graph here instead of stdout")
	rootCmd.Flags().StringVar(&filterPath, "filter", "", "ECMAScript filter script run over the token list before export")

	viewCmd := &cobra.Command{
		Use:   "view <exported.yaml>",
		Short: "Browse a previously exported block graph interactively",
		Args:  cobra.ExactArgs(1),
		RunE:  runView,
	}
	rootCmd.AddCommand(viewCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runTrace loads the binary named by args[0], wires every external
// reference into a hooked import table, and runs the chosen entry point to
// completion.
//
// Wiring order matters: Table.Hook installs an address hook for every slot
// the table knows about at the moment it's called, a one-time snapshot
// rather than a live subscription. Every import and vtable slot this run
// will ever need must be assigned before cluster.New runs Hook, which is
// why import assignment, vtable population, relocation, and cluster
// construction happen in that fixed sequence below.
func runTrace(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)
	logger := glog.L

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read binary: %w", err)
	}

	img, err := loader.Parse(data)
	if err != nil {
		return fmt.Errorf("parse image: %w", err)
	}

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	if err := emu.LoadCode(data); err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	table := importtable.New(emu)
	for _, sym := range img.Symbols {
		if sym.Defined || !sym.Demangled {
			continue
		}
		if _, err := table.Assign(sym.Name); err != nil {
			return fmt.Errorf("assign import slot for %q: %w", sym.Name, err)
		}
	}
	for n := uint64(0); n < emulator.VtableSlotCount; n++ {
		if _, err := table.VtableSlot(n); err != nil {
			return fmt.Errorf("populate vtable slot %d: %w", n, err)
		}
	}

	if err := loader.Relocate(img, emulator.NroBase, emu, table.Resolve); err != nil {
		return fmt.Errorf("relocate image: %w", err)
	}

	mgr := cluster.New(table, logger)

	entry, err := resolveEntry(entryFlag, img)
	if err != nil {
		return err
	}

	agentPtr := emu.Malloc(8)
	if err := emu.MemWriteU64(agentPtr, emu.VtableBase()); err != nil {
		return fmt.Errorf("write synthetic agent vtable pointer: %w", err)
	}

	if err := mgr.RunEntry(entry, basicEmu, agentPtr); err != nil {
		return fmt.Errorf("run entry %#x: %w", entry, err)
	}

	if runMethod9 {
		if err := mgr.RunVirtualMethod9(agentPtr); err != nil {
			return fmt.Errorf("run virtual method 9: %w", err)
		}
	}

	doc := export.Build(mgr.Graph(), mgr.Store())

	if filterPath != "" {
		script, err := os.ReadFile(filterPath)
		if err != nil {
			return fmt.Errorf("read filter script: %w", err)
		}
		filtered, err := filterscript.Apply(string(script), flatten(mgr.Store()))
		if err != nil {
			return fmt.Errorf("apply filter %s: %w", filterPath, err)
		}
		doc = keepOnly(doc, filtered)
	}

	out, err := export.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}

	if outPath == "" {
		fmt.Println(string(out))
		return nil
	}
	return os.WriteFile(outPath, out, 0o644)
}

// runView loads a previously exported YAML document and opens the
// interactive block browser over it.
func runView(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read export: %w", err)
	}
	doc, err := export.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("parse export: %w", err)
	}
	return viewer.Run(doc)
}

// resolveEntry decides the start address for a run: an explicit hex
// address, an explicit symbol name looked up against img's defined
// symbols, or img's own entry point when raw is empty.
func resolveEntry(raw string, img *loader.Image) (uint64, error) {
	if raw == "" {
		return emulator.NroBase + img.Entry, nil
	}
	if addr, err := strconv.ParseUint(strings.TrimPrefix(raw, "0x"), 16, 64); err == nil {
		return emulator.NroBase + addr, nil
	}
	for _, sym := range img.Symbols {
		if sym.Defined && sym.Name == raw {
			return emulator.NroBase + sym.Value, nil
		}
	}
	return 0, fmt.Errorf("entry %q is neither a hex address nor a defined symbol in this image", raw)
}

// flatten collects every token recorded in store, in block order, for
// handing to a filter script as a flat list.
func flatten(store *token.Store) []token.Token {
	var all []token.Token
	for _, addr := range store.Blocks() {
		all = append(all, store.Tokens(addr)...)
	}
	return all
}

// keepOnly rebuilds doc's per-block token lists to include only the tokens
// present in kept, matched by address, fork hierarchy, and string since a
// filter script returns a subset of the original values rather than their
// block membership.
func keepOnly(doc export.Document, kept []token.Token) export.Document {
	keepSet := make(map[string]bool, len(kept))
	for _, t := range kept {
		keepSet[tokenKey(fmt.Sprintf("%#x", t.PC), t.Str, t.ForkHierarchy)] = true
	}

	out := doc
	out.Blocks = make([]export.BlockDoc, len(doc.Blocks))
	for i, b := range doc.Blocks {
		nb := b
		nb.Tokens = nil
		for _, td := range b.Tokens {
			if keepSet[tokenKey(td.PC, td.Str, td.ForkHierarchy)] {
				nb.Tokens = append(nb.Tokens, td)
			}
		}
		out.Blocks[i] = nb
	}
	return out
}

func tokenKey(pc, str string, fork []int) string {
	return fmt.Sprintf("%s|%s|%v", pc, str, fork)
}
