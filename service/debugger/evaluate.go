package debugger

import (
	"fmt"
	"strings"

	"github.com/nucleo-dbg/nkd/service/api"
)

// execPrefix is the prefix VS Code uses to send debugger commands through
// an evaluate request.
const execPrefix = "-exec "

// UnknownCommandError is returned by Evaluate for commands it does not know.
type UnknownCommandError struct {
	Command string
}

func (err *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", err.Command)
}

// Evaluate runs a query command given as text, for the front ends that
// only have a line of text: "process dump [pid|0xaddr]",
// "process list [all|user|system]", "semaphore [waiting]", "queues",
// "a_p", "v2p <pid|root> <va>" and "sym <addr>". Process lists are
// complete dumps, as the VS Code panel shows them.
func (d *Debugger) Evaluate(command string) (*api.Record, error) {
	command = strings.TrimSpace(command)
	command = strings.TrimSpace(strings.TrimPrefix(command, execPrefix))
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, &UnknownCommandError{Command: command}
	}
	cmd, args := fields[0], fields[1:]
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch cmd {
	case "process":
		switch arg(0) {
		case "dump":
			return d.ProcessDump(strings.Join(args[1:], " "))
		case "list":
			return d.ProcessList(arg(1), api.VerbosityFull)
		}
		return nil, &UnknownCommandError{Command: command}
	case "semaphore":
		return d.Semaphores(arg(0))
	case "queues":
		return d.Queues()
	case "a_p":
		return d.InterruptHandlers()
	case "v2p":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: v2p <pid|root> <address>")
		}
		return d.V2P(args[0], args[1])
	case "sym":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: sym <address>")
		}
		return d.Sym(args[0])
	}
	return nil, &UnknownCommandError{Command: command}
}
