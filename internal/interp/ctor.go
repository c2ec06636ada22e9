package interp

import (
	"github.com/zboralski/l2ctrace/internal/hash40"
	"github.com/zboralski/l2ctrace/internal/value"
)

func init() {
	Register("lib::L2CValue::L2CValue(int)", ctorInt)
	Register("lib::L2CValue::L2CValue(long)", ctorLong)
	Register("lib::L2CValue::L2CValue(unsigned int)", ctorUnsigned)
	Register("lib::L2CValue::L2CValue(unsigned long)", ctorUnsigned)
	Register("lib::L2CValue::L2CValue(bool)", ctorBool)
	Register("lib::L2CValue::L2CValue(phx::Hash40)", ctorHash)
	Register("lib::L2CValue::L2CValue(void*)", ctorPointer)
	Register("lib::L2CValue::L2CValue(float)", ctorFloat)
}

// Every L2CValue constructor hook writes the constructed value through the
// pointer in Args[0] and records what it constructed onto the token; a
// write failure (an unmapped this-pointer) is silent, matching the
// original's behavior of logging and continuing rather than aborting.

func ctorInt(ctx *Context) {
	n := int32(ctx.Args[1])
	_ = value.WriteAt(ctx.Mem, ctx.Args[0], value.NewInteger32(n))
	ctx.AppendArg(uint64(int64(n)))
}

func ctorLong(ctx *Context) {
	n := int64(ctx.Args[1])
	_ = value.WriteAt(ctx.Mem, ctx.Args[0], value.NewInteger64(n))
	ctx.AppendArg(ctx.Args[1])
}

func ctorUnsigned(ctx *Context) {
	_ = value.WriteAt(ctx.Mem, ctx.Args[0], value.NewInteger64(int64(ctx.Args[1])))
	ctx.AppendArg(ctx.Args[1])
}

func ctorBool(ctx *Context) {
	b := ctx.Args[1] != 0
	_ = value.WriteAt(ctx.Mem, ctx.Args[0], value.NewBool(b))
	if b {
		ctx.AppendArg(1)
	} else {
		ctx.AppendArg(0)
	}
}

func ctorHash(ctx *Context) {
	h := hash40.Truncate40(ctx.Args[1])
	_ = value.WriteAt(ctx.Mem, ctx.Args[0], value.NewHash(h))
	ctx.AppendArg(uint64(h))
}

func ctorPointer(ctx *Context) {
	_ = value.WriteAt(ctx.Mem, ctx.Args[0], value.NewPointer(ctx.Args[1]))
	ctx.AppendArg(ctx.Args[1])
}

func ctorFloat(ctx *Context) {
	f := ctx.FArgs[0]
	_ = value.WriteAt(ctx.Mem, ctx.Args[0], value.NewNumber(f))
	ctx.AppendFArg(f)
}
