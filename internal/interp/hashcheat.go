package interp

import (
	"github.com/zboralski/l2ctrace/internal/hash40"
	"github.com/zboralski/l2ctrace/internal/value"
)

func init() {
	Register("lib::L2CValue::operator[](phx::Hash40) const", hashIndex)
	Register("lib::L2CValue::operator=(lib::L2CValue const&)", assign)
}

// hashIndex is the "hash cheating" trick: a table access keyed by a
// scripted Hash40 is backed by a real heap slot, so that a later write into
// the returned reference can be attributed back to the hash that produced
// it via HashCheat.ReverseOf.
func hashIndex(ctx *Context) {
	h := uint64(hash40.Truncate40(ctx.Args[1]))
	ctx.Args[0] = ctx.Hash.Slot(ctx.Heap, h)
}

// assign copies the right-hand L2CValue over the left, and if the left side
// is a hash-cheated slot, propagates the assigned value as the status
// function resolved for that hash.
func assign(ctx *Context) {
	in, err := value.ReadAt(ctx.Mem, ctx.Args[1])
	if err != nil {
		return
	}
	if err := value.WriteAt(ctx.Mem, ctx.Args[0], in); err != nil {
		return
	}
	if hash, ok := ctx.Hash.ReverseOf(ctx.Args[0]); ok {
		ctx.Hash.SetFunctionHash(ctx.Hash.CheatPtr(), hash, in.Payload)
	}
}
