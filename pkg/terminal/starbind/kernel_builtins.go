package starbind

import (
	"go.starlark.net/starlark"

	"github.com/nucleo-dbg/nkd/service/api"
)

// kernelBuiltins returns the builtins wrapping the debugger queries and
// their documentation.
func (env *Env) kernelBuiltins() (starlark.StringDict, map[string]string) {
	r := starlark.StringDict{}
	doc := make(map[string]string)

	add := func(name, args, descr string, fn builtinFn) {
		r[name] = starlark.NewBuiltin(name, fn)
		doc[name] = name + args + "\n\n" + name + " " + descr
	}

	add("process_list", "(Filter)", `returns the list of process descriptors as dicts. Filter is "all" (default), "user" or "system".`, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		filter := "all"
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "filter?", &filter); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		rec, err := env.ctx.Debugger().ProcessList(filter, api.VerbosityFull)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return recordField(rec, "process"), nil
	})

	add("process", "(Pid)", "returns the descriptor of a process as a dict. Pid is a process id or the address of a descriptor, None for the running process.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		var pid starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pid?", &pid); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		expr, err := addressArg(b.Name(), "pid", pid)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		rec, err := env.ctx.Debugger().ProcessDump(expr)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return toStarlarkValue(rec), nil
	})

	add("semaphores", "(Filter)", `returns the allocated semaphores. Filter is "all" (default) or "waiting".`, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		filter := "all"
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "filter?", &filter); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		rec, err := env.ctx.Debugger().Semaphores(filter)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return recordField(rec, "semaphore"), nil
	})

	add("queues", "()", "returns the process queues as a dict.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		rec, err := env.ctx.Debugger().Queues()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return toStarlarkValue(rec), nil
	})

	add("a_p", "()", "returns the interrupt handler table.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		rec, err := env.ctx.Debugger().InterruptHandlers()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return recordField(rec, "a_p"), nil
	})

	add("v2p", "(Root, Addr)", "translates the virtual address Addr. Root is a process id or the physical address of a root table.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var root, va starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "root", &root, "addr", &va); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		space, err := addressArg(b.Name(), "root", root)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		addr, err := addressArg(b.Name(), "addr", va)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		rec, err := env.ctx.Debugger().V2P(space, addr)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return toStarlarkValue(rec), nil
	})

	add("sym", "(Addr)", "resolves a code address to its function and module.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &v); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		addr, err := addressArg(b.Name(), "addr", v)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		rec, err := env.ctx.Debugger().Sym(addr)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return toStarlarkValue(rec), nil
	})

	return r, doc
}
