package interp

func init() {
	Register("operator new(unsigned long)", allocNew)
}

// allocNew backs every heap allocation scripted code makes. Allocations
// larger than 0x48 bytes are flagged as the live hash-cheat candidate: the
// original runtime's larger objects are consistently the ones later indexed
// by a scripted hash via operator[].
func allocNew(ctx *Context) {
	size := ctx.Args[0]
	addr := ctx.Heap.Malloc(size)
	if size > 0x48 {
		ctx.Hash.SetCheatPtr(addr)
	}
	ctx.Args[0] = addr
}
