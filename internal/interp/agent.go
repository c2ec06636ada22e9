package interp

import "github.com/zboralski/l2ctrace/internal/value"

func init() {
	Register("lib::L2CAgent::sv_set_function_hash(void*, phx::Hash40)", setFunctionHash)
	Register("lua2cpp::L2CAgentBase::sv_set_status_func(lib::L2CValue const&, lib::L2CValue const&, void*)", setStatusFunc)
	Register("lib::utility::Variadic::get_format() const", getFormat)
	Register("lib::L2CAgent::clear_lua_stack()", clearLuaStack)
	Register("app::sv_animcmd::is_excute(lua_State*)", isExcute)
	Register("app::sv_animcmd::frame(lua_State*, float)", frame)
	Register("lib::L2CAgent::pop_lua_stack(int)", popLuaStack)
	Register("lib::L2CAgent::push_lua_stack(lib::L2CValue const&)", pushLuaStack)
}

// setFunctionHash records that agent Args[0], keyed by hash Args[2],
// resolves to the status function at Args[1].
func setFunctionHash(ctx *Context) {
	ctx.Hash.SetFunctionHash(ctx.Args[0], ctx.Args[2], ctx.Args[1])
}

// setStatusFunc keys a status function by the pair of L2CValue hashes passed
// in, packed the same way the original combines them into one map key.
func setStatusFunc(ctx *Context) {
	a, errA := value.ReadAt(ctx.Mem, ctx.Args[1])
	b, errB := value.ReadAt(ctx.Mem, ctx.Args[2])
	if errA != nil || errB != nil {
		return
	}
	key := uint64(uint32(a.Payload))<<32 | uint64(uint32(b.Payload))
	ctx.Hash.SetFunctionHash(ctx.Args[0], key, ctx.Args[3])
}

func getFormat(ctx *Context) {
	ctx.Args[0] = 0
}

func clearLuaStack(ctx *Context) {
	ctx.Stack.Clear()
}

func isExcute(ctx *Context) {
	ctx.Stack.Push(value.NewBool(true))
}

// frame records the animation-frame advance call and pushes a synthetic
// true onto the lua stack, matching the original's literal (if odd) choice
// to record the "this" pointer in Args[0] alongside the float frame
// argument, rather than a second meaningful GPR argument.
func frame(ctx *Context) {
	ctx.AppendArg(ctx.Args[0])
	ctx.AppendFArg(ctx.FArgs[0])
	ctx.Stack.Push(value.NewBool(true))
}

// popLuaStack drains up to Args[1] values off the lua stack into the array
// pointed to by Args[8] (the AAPCS64 indirect-result register), writing a
// void value for any slot the stack can't satisfy.
func popLuaStack(ctx *Context) {
	n := ctx.Args[1]
	ctx.AppendArg(n)

	out := ctx.Args[8]
	if out == 0 {
		return
	}
	for i := uint64(0); i < n; i++ {
		addr := out + i*value.Size
		v, ok := ctx.Stack.Pop()
		if !ok {
			v = value.NewVoid()
		}
		_ = value.WriteAt(ctx.Mem, addr, v)
	}
}

// pushLuaStack records the pushed value's shape on the token; it does not
// mirror the value onto ctx.Stack, matching the original, where
// pop_lua_stack only ever drains values is_excute/frame synthesized.
func pushLuaStack(ctx *Context) {
	v, err := value.ReadAt(ctx.Mem, ctx.Args[1])
	if err != nil {
		return
	}
	ctx.AppendArg(uint64(v.Type))
	if v.Type != value.Number {
		ctx.AppendArg(v.Payload)
	} else {
		ctx.AppendFArg(v.AsNumber())
	}
}
