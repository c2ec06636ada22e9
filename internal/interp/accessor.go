package interp

import "github.com/zboralski/l2ctrace/internal/value"

func init() {
	Register("lib::L2CValue::as_number() const", asNumber)
	Register("lib::L2CValue::as_bool() const", asBool)
	Register("lib::L2CValue::as_integer() const", asInteger)
	Register("lib::L2CValue::as_pointer() const", asPointer)
	Register("lib::L2CValue::as_table() const", asTable)
	Register("lib::L2CValue::as_inner_function() const", asInnerFunction)
	Register("lib::L2CValue::as_hash() const", asHash)
	Register("lib::L2CValue::as_string() const", asString)
	Register("lib::L2CValue::~L2CValue()", destructor)
}

// Every as_* accessor reads the L2CValue pointed to by Args[0], writes its
// interpretation back into Args[0] (the caller's return register; FArgs[0]
// for as_number), and records the same value onto the token. A dereference
// failure leaves the return register untouched and records nothing.

func asNumber(ctx *Context) {
	v, err := value.ReadAt(ctx.Mem, ctx.Args[0])
	if err != nil {
		return
	}
	n := v.AsNumber()
	ctx.FArgs[0] = n
	ctx.AppendFArg(n)
}

func asBool(ctx *Context) {
	withAccessed(ctx, func(v value.Value) uint64 { return boolToUint(v.AsBool()) })
}

func asInteger(ctx *Context) {
	withAccessed(ctx, func(v value.Value) uint64 { return uint64(v.AsInteger()) })
}

func asPointer(ctx *Context) {
	withAccessed(ctx, func(v value.Value) uint64 { return v.AsPointer() })
}

func asTable(ctx *Context) {
	withAccessed(ctx, func(v value.Value) uint64 { return v.AsTable() })
}

func asInnerFunction(ctx *Context) {
	withAccessed(ctx, func(v value.Value) uint64 { return v.AsInnerFunction() })
}

func asHash(ctx *Context) {
	withAccessed(ctx, func(v value.Value) uint64 { return uint64(v.AsHash()) })
}

func asString(ctx *Context) {
	withAccessed(ctx, func(v value.Value) uint64 { return v.AsString() })
}

func withAccessed(ctx *Context, extract func(value.Value) uint64) {
	v, err := value.ReadAt(ctx.Mem, ctx.Args[0])
	if err != nil {
		return
	}
	result := extract(v)
	ctx.Args[0] = result
	ctx.AppendArg(result)
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// destructor is a no-op: the original leaves it commented out entirely.
func destructor(ctx *Context) {}
