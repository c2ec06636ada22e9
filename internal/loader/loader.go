// Package loader parses an NSO/NRO-style AArch64 module: the {start,mod}
// header, the mod0 {magic,dynamic} header it points to, and the dynamic
// table reached from there. It does not use debug/elf, since this image
// format carries no section headers; symbols and relocations are read by
// hand out of the dynamic symbol/string/relocation tables the way a real
// loader for this format would.
package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/ianlancetaylor/demangle"

	glog "github.com/zboralski/l2ctrace/internal/log"
)

// AArch64 relocation types this loader understands.
const (
	RelAbs64    = 257  // R_AARCH64_ABS64
	RelGlobDat  = 1025 // R_AARCH64_GLOB_DAT
	RelJumpSlot = 1026 // R_AARCH64_JUMP_SLOT
	RelRelative = 1027 // R_AARCH64_RELATIVE
)

// Dynamic tags consumed from the module's dynamic table.
const (
	dtNull     = 0
	dtPLTRelSz = 2
	dtStrtab   = 5
	dtSymtab   = 6
	dtRela     = 7
	dtRelaSz   = 8
)

const symEntSize = 24  // sizeof(Elf64_Sym)
const dynEntSize = 16  // sizeof(Elf64_Dyn)
const relaEntSize = 24 // sizeof(Elf64_Rela)

// Symbol is one entry of the module's dynamic symbol table, demangled where
// possible, at the same index the symbol table and every relocation's
// symbol index refer to. A symbol with Defined == false has no home
// address in the image and, if Demangled, is a candidate for import-slot
// assignment; the original engine skips symbols it cannot demangle entirely
// rather than falling back to the raw name.
type Symbol struct {
	Name      string // demangled name; equal to Raw when !Demangled
	Raw       string
	Value     uint64 // st_value; meaningless when !Defined
	Defined   bool
	Demangled bool
}

// Rela is one relocation entry from .rela.dyn/.rela.plt.
type Rela struct {
	Offset uint64
	Type   uint32
	SymIdx uint32
	Addend int64
}

// Image is a parsed module: its entry point and the dynamic symbol and
// relocation tables needed to assign import slots and patch the image.
type Image struct {
	Entry     uint64
	Symbols   []Symbol
	Relocs    []Rela
	imageSize uint64
}

// Size returns the byte length of the data this image was parsed from.
func (img *Image) Size() uint64 { return img.imageSize }

// Parse reads the NSO/NRO header chain out of data and returns the parsed
// symbol and relocation tables. data is the raw module image, indexed from
// offset 0 (the eventual load base is applied by the caller).
func Parse(data []byte) (*Image, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("image too small for header")
	}
	start := binary.LittleEndian.Uint32(data[0:4])
	modRel := binary.LittleEndian.Uint32(data[4:8])

	modOff := uint64(modRel)
	if modOff+8 > uint64(len(data)) {
		return nil, fmt.Errorf("mod0 header out of range at 0x%x", modOff)
	}
	magic := binary.LittleEndian.Uint32(data[modOff : modOff+4])
	if magic != 0x30444f4d { // "MOD0"
		return nil, fmt.Errorf("bad mod0 magic 0x%x", magic)
	}
	dynRel := binary.LittleEndian.Uint32(data[modOff+4 : modOff+8])
	dynOff := modOff + uint64(dynRel)

	var symtabOff, strtabOff, relaOff uint64
	var relaCount uint64
	for off := dynOff; off+dynEntSize <= uint64(len(data)); off += dynEntSize {
		tag := int64(binary.LittleEndian.Uint64(data[off : off+8]))
		val := binary.LittleEndian.Uint64(data[off+8 : off+16])
		switch tag {
		case dtNull:
			goto dynDone
		case dtSymtab:
			symtabOff = val
		case dtStrtab:
			strtabOff = val
		case dtRela:
			relaOff = val
		case dtRelaSz:
			relaCount += val / relaEntSize
		case dtPLTRelSz:
			relaCount += val / relaEntSize
		}
	}
dynDone:

	if symtabOff == 0 || strtabOff == 0 || strtabOff <= symtabOff {
		return nil, fmt.Errorf("missing or malformed dynamic symbol table")
	}

	numSyms := (strtabOff - symtabOff) / symEntSize
	syms := make([]Symbol, numSyms)
	for i := uint64(0); i < numSyms; i++ {
		entOff := symtabOff + i*symEntSize
		if entOff+symEntSize > uint64(len(data)) {
			break
		}
		nameOff := binary.LittleEndian.Uint32(data[entOff : entOff+4])
		shndx := binary.LittleEndian.Uint16(data[entOff+6 : entOff+8])
		value := binary.LittleEndian.Uint64(data[entOff+8 : entOff+16])

		raw := readCString(data, strtabOff+uint64(nameOff))
		sym := Symbol{Raw: raw, Name: raw, Value: value, Defined: shndx != 0}
		if raw != "" {
			if demangled, err := demangle.ToString(raw); err == nil {
				sym.Name = demangled
				sym.Demangled = true
			}
		}
		syms[i] = sym
	}

	var relocs []Rela
	if relaOff != 0 {
		for i := uint64(0); i < relaCount; i++ {
			entOff := relaOff + i*relaEntSize
			if entOff+relaEntSize > uint64(len(data)) {
				break
			}
			rOffset := binary.LittleEndian.Uint64(data[entOff : entOff+8])
			rInfo := binary.LittleEndian.Uint64(data[entOff+8 : entOff+16])
			rAddend := int64(binary.LittleEndian.Uint64(data[entOff+16 : entOff+24]))
			relocs = append(relocs, Rela{
				Offset: rOffset,
				Type:   uint32(rInfo),
				SymIdx: uint32(rInfo >> 32),
				Addend: rAddend,
			})
		}
	}

	return &Image{
		Entry:     uint64(start),
		Symbols:   syms,
		Relocs:    relocs,
		imageSize: uint64(len(data)),
	}, nil
}

func readCString(data []byte, off uint64) string {
	if off >= uint64(len(data)) {
		return ""
	}
	end := off
	for end < uint64(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}

// Memory is the subset of the emulator's memory interface the relocator
// needs to patch GOT/data entries in place.
type Memory interface {
	MemWriteU64(addr uint64, val uint64) error
}

// ImportResolver maps a demangled, unresolved symbol name to the import
// slot address assigned to it.
type ImportResolver func(name string) (uint64, bool)

// Relocate applies every relocation in img against mem, with the image
// loaded at loadBase. Every external reference (GLOB_DAT, JUMP_SLOT, and
// ABS64 alike) resolves uniformly to the symbol's import-slot address via
// resolve: the original engine does not distinguish these three relocation
// types by purpose, it resolves all of them the same way.
func Relocate(img *Image, loadBase uint64, mem Memory, resolve ImportResolver) error {
	for _, r := range img.Relocs {
		target := loadBase + r.Offset

		switch r.Type {
		case RelRelative:
			if err := mem.MemWriteU64(target, loadBase+uint64(r.Addend)); err != nil {
				return fmt.Errorf("relocate RELATIVE at 0x%x: %w", target, err)
			}

		case RelGlobDat, RelJumpSlot, RelAbs64:
			if int(r.SymIdx) >= len(img.Symbols) {
				continue
			}
			sym := img.Symbols[r.SymIdx]
			slot, ok := resolve(sym.Name)
			if !ok {
				if glog.L != nil {
					glog.L.Warn("relocation symbol has no import slot; skipped", glog.Fn(sym.Name), glog.Addr(target))
				}
				continue
			}
			if err := mem.MemWriteU64(target, slot); err != nil {
				return fmt.Errorf("relocate symbol %q at 0x%x: %w", sym.Name, target, err)
			}

		default:
			if glog.L != nil {
				glog.L.Warn(fmt.Sprintf("unknown relocation type %d; skipped", r.Type), glog.Addr(target))
			}
		}
	}
	return nil
}
