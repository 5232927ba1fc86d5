package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/nucleo-dbg/nkd/pkg/config"
	"github.com/nucleo-dbg/nkd/pkg/terminal/starbind"
	"github.com/nucleo-dbg/nkd/service/api"
	"github.com/nucleo-dbg/nkd/service/debugger"
)

const historyFile string = ".nkd_history"

// Term represents the terminal running nkd.
type Term struct {
	debugger *debugger.Debugger
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   *pagingWriter
	InitFile string
	// JSON makes every query command print JSON, as if --json was passed.
	JSON bool

	style       api.Style
	completions *trie.Trie
	starlarkEnv *starbind.Env

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term.
func New(d *debugger.Debugger, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer = os.Stdout
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if !dumb {
		w = colorable.NewColorable(os.Stdout)
	}

	style := api.StylePlain
	if !dumb && !conf.NoColor && isatty.IsTerminal(os.Stdout.Fd()) {
		style = api.StyleColor
	}

	t := &Term{
		debugger: d,
		conf:     conf,
		prompt:   "(nkd) ",
		line:     liner.NewLiner(),
		cmds:     cmds,
		dumb:     dumb,
		stdout:   &pagingWriter{w: w},
		style:    style,
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	t.updateCompletions()
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.starlarkEnv.Cancel()
		fmt.Fprintf(os.Stderr, "received SIGINT, interrupting the current command\n")
	}
}

// argumentCompletions are the arguments offered after a command name.
var argumentCompletions = map[string][]string{
	"process":   {"dump", "list", "list all", "list user", "list system"},
	"semaphore": {"waiting"},
	"config":    {"-list", "-save", "alias", "max-queue-nodes", "no-color"},
}

// updateCompletions rebuilds the completion trie from the current
// command aliases.
func (t *Term) updateCompletions() {
	tr := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			tr.Add(alias, nil)
			for _, arg := range argumentCompletions[cmd.aliases[0]] {
				tr.Add(alias+" "+arg, nil)
			}
		}
	}
	t.completions = tr
}

func (t *Term) complete(line string) []string {
	c := t.completions.PrefixSearch(strings.ToLower(line))
	sort.Strings(c)
	return c
}

// Run begins running nkd in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		t.stdout.PageMaybe(t.starlarkEnv.Cancel)
		err = t.cmds.Call(cmdstr, t)
		t.stdout.Reset()
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	t.quittingMutex.Lock()
	defer t.quittingMutex.Unlock()
	if t.quitting {
		return 0, nil
	}
	t.quitting = true

	if t.debugger != nil {
		if err := t.debugger.Detach(); err != nil {
			return 1, err
		}
	}
	return 0, nil
}
