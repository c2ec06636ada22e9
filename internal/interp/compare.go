package interp

import "github.com/zboralski/l2ctrace/internal/value"

func init() {
	Register("lib::L2CValue::operator bool() const", compare)
	Register("lib::L2CValue::operator==(lib::L2CValue const&) const", compare)
	Register("lib::L2CValue::operator<=(lib::L2CValue const&) const", compare)
	Register("lib::L2CValue::operator<(lib::L2CValue const&) const", compare)
}

// compare is shared by every L2CValue comparison operator. Outside basic-emu
// replay, the actual comparison result is data-dependent and unknowable
// without running the scripted logic both ways, so the handler asks the
// driving Instance to fork: the current Instance continues down the false
// path with Args[0] := 0, and the caller performing the fork sets the
// forked child's Args[0] := 1, the same split the original driver makes
// around inst->fork_inst().
func compare(ctx *Context) {
	if ctx.BasicEmu {
		v, err := value.ReadAt(ctx.Mem, ctx.Args[0])
		if err != nil {
			ctx.Args[0] = 0
			return
		}
		ctx.Args[0] = boolToUint(v.AsBool())
		return
	}

	ctx.Fork = true
	ctx.Args[0] = 0
}
