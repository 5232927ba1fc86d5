// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/nucleo-dbg/nkd/service/api"
)

const jsonFlag = "--json"

type callContext struct {
	// json is set by --json or by Term.JSON.
	json bool
}

type cmdfunc func(t *Term, ctx callContext, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	// jsonOutput is set for the commands that accept --json.
	jsonOutput bool
	helpMsg    string
	cmdFn      cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the nkd terminal.
type Commands struct {
	cmds []command
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"process", "p"}, group: processCmds, jsonOutput: true, cmdFn: processCommand, helpMsg: `Shows process descriptors.

	process dump [pid|0xaddr] [--json]
	process list [all|user|system] [--json]

"process dump" shows every field of a des_proc: the interrupt frame on the
system stack, the saved registers, cr3, the next instruction and the extra
fields. The argument is a process id or the address of a descriptor, the
running process is shown when it is omitted.

"process list" shows a summary of every process in proc_table, only the
user or system processes when a filter is given. With --json the complete
descriptors are printed.`},
		{aliases: []string{"semaphore", "sem"}, group: processCmds, jsonOutput: true, cmdFn: semaphoreCommand, helpMsg: `Shows the allocated semaphores.

	semaphore [waiting] [--json]

Each semaphore is shown with its counter and the queue of waiting processes.
With "waiting" only the semaphores with waiting processes are shown.`},
		{aliases: []string{"queues"}, group: processCmds, jsonOutput: true, cmdFn: queuesCommand, helpMsg: `Shows the process queues.

	queues [--json]

Prints the number of user processes, the running process, the ready queue,
the semaphores with waiting processes and the processes waiting on the timer.`},
		{aliases: []string{"a_p"}, group: processCmds, jsonOutput: true, cmdFn: interruptHandlersCommand, helpMsg: `Shows the interrupt handlers.

	a_p [--json]

For each IRQ line prints DRIVER or the external process handling it.`},
		{aliases: []string{"v2p"}, group: memoryCmds, jsonOutput: true, cmdFn: v2pCommand, helpMsg: `Translates a virtual address.

	v2p <pid|root> <address> [--json]

The address space is the one of the process with the given pid, or the page
table at the physical address root. Every step of the page table walk is
shown together with the partition the address belongs to.`},
		{aliases: []string{"sym"}, group: memoryCmds, jsonOutput: true, cmdFn: symCommand, helpMsg: `Looks up a code address.

	sym <address> [--json]

Prints the function and the module containing address.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of nkd commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script.
If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit`},
	}

	return c
}

// Find will look up the command for the given command input.
func (c *Commands) Find(cmdstr string) (command, bool) {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v, true
		}
	}
	return command{}, false
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	if cmdname == "" {
		return nil
	}
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	cmd, ok := c.Find(cmdname)
	if !ok {
		return noCmdError
	}
	ctx := callContext{json: t.JSON}
	if cmd.jsonOutput {
		var found bool
		args, found = removeFlag(args, jsonFlag)
		ctx.json = ctx.json || found
	}
	return cmd.cmdFn(t, ctx, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		if cmd, ok := c.Find(args); ok {
			fmt.Fprintln(t.stdout, cmd.helpMsg)
			return nil
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits the arguments of a command the way a shell would,
// honoring quotes.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, errors.New("pipes are not supported")
	}
	return v[0], nil
}

// removeFlag removes every occurrence of flag from args.
func removeFlag(args, flag string) (string, bool) {
	fields := strings.Fields(args)
	out := fields[:0]
	found := false
	for _, f := range fields {
		if f == flag {
			found = true
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " "), found
}

func processCommand(t *Term, ctx callContext, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) == 0 {
		return errors.New("wrong number of arguments: process dump [pid|0xaddr] | process list [all|user|system]")
	}
	var rec *api.Record
	switch v[0] {
	case "dump":
		if len(v) > 2 {
			return errors.New("wrong number of arguments: process dump [pid|0xaddr]")
		}
		var expr string
		if len(v) == 2 {
			expr = v[1]
		}
		rec, err = t.debugger.ProcessDump(expr)
	case "list":
		if len(v) > 2 {
			return errors.New("wrong number of arguments: process list [all|user|system]")
		}
		var filter string
		if len(v) == 2 {
			filter = v[1]
		}
		verbosity := api.VerbosityBrief
		if ctx.json {
			verbosity = api.VerbosityFull
		}
		rec, err = t.debugger.ProcessList(filter, verbosity)
	default:
		return fmt.Errorf("unknown subcommand %q, expected dump or list", v[0])
	}
	if err != nil {
		return err
	}
	return t.printRecord(ctx, rec)
}

func semaphoreCommand(t *Term, ctx callContext, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) > 1 {
		return errors.New("wrong number of arguments: semaphore [waiting]")
	}
	var filter string
	if len(v) == 1 {
		filter = v[0]
	}
	rec, err := t.debugger.Semaphores(filter)
	if err != nil {
		return err
	}
	return t.printRecord(ctx, rec)
}

func queuesCommand(t *Term, ctx callContext, args string) error {
	if args != "" {
		return errors.New("queues does not take arguments")
	}
	rec, err := t.debugger.Queues()
	if err != nil {
		return err
	}
	return t.printRecord(ctx, rec)
}

func interruptHandlersCommand(t *Term, ctx callContext, args string) error {
	if args != "" {
		return errors.New("a_p does not take arguments")
	}
	rec, err := t.debugger.InterruptHandlers()
	if err != nil {
		return err
	}
	return t.printRecord(ctx, rec)
}

func v2pCommand(t *Term, ctx callContext, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments: v2p <pid|root> <address>")
	}
	rec, err := t.debugger.V2P(v[0], v[1])
	if err != nil {
		return err
	}
	return t.printRecord(ctx, rec)
}

func symCommand(t *Term, ctx callContext, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 1 {
		return errors.New("wrong number of arguments: sym <address>")
	}
	rec, err := t.debugger.Sym(v[0])
	if err != nil {
		return err
	}
	return t.printRecord(ctx, rec)
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

// ExitRequestError is returned when the user
// exits nkd.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
