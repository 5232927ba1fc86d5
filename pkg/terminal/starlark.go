package terminal

import (
	"github.com/nucleo-dbg/nkd/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Debugger() starbind.Debugger {
	return ctx.term.debugger
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	cmdfn := func(t *Term, ctx callContext, args string) error {
		return fn(args)
	}

	found := false
	for i := range ctx.term.cmds.cmds {
		cmd := &ctx.term.cmds.cmds[i]
		if cmd.match(name) {
			cmd.cmdFn = cmdfn
			cmd.helpMsg = helpMsg
			found = true
			break
		}
	}
	if !found {
		ctx.term.cmds.cmds = append(ctx.term.cmds.cmds, command{
			aliases: []string{name},
			helpMsg: helpMsg,
			cmdFn:   cmdfn,
		})
	}
	ctx.term.updateCompletions()
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}
