package starbind

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nucleo-dbg/nkd/pkg/kernel/kerneltest"
	"github.com/nucleo-dbg/nkd/service/debugger"
)

type fakeContext struct {
	d        *debugger.Debugger
	commands map[string]func(string) error
	helps    map[string]string
	called   []string
}

func (ctx *fakeContext) Debugger() Debugger { return ctx.d }

func (ctx *fakeContext) RegisterCommand(name, helpMsg string, cmdfn func(args string) error) {
	ctx.commands[name] = cmdfn
	ctx.helps[name] = helpMsg
}

func (ctx *fakeContext) CallCommand(cmdstr string) error {
	ctx.called = append(ctx.called, cmdstr)
	return nil
}

func newTestEnv(t *testing.T) (*Env, *fakeContext, *bytes.Buffer) {
	t.Helper()
	k, _ := kerneltest.Standard()
	d, err := debugger.Attach(k.Reader(), k, &debugger.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := &fakeContext{d: d, commands: map[string]func(string) error{}, helps: map[string]string{}}
	var out bytes.Buffer
	return New(ctx, &out), ctx, &out
}

func TestKernelBuiltins(t *testing.T) {
	env, _, _ := newTestEnv(t)
	const script = `
def main():
    procs = process_list()
    user = [p["pid"] for p in process_list("user")]
    running = process()
    q = queues()
    t = v2p(2, 0xffffff8000000050)
    return [len(procs), procs[0]["livello"], user, running["pid"], running["pila_dmp"]["cs"], q["pronti"], process(1)["corpo"], t["va"]]
`
	v, err := env.Execute("test.star", script, "main", nil)
	if err != nil {
		t.Fatal(err)
	}
	want := `[3, "sistema", ["2"], "2", "[SEL_CODICE_UTENTE]", ["[1, MAX_PRIO]", "[0, DUMMY]"], "sistema:main_sistema(7)", "0xffffff8000000050"]`
	if got := v.String(); got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestKernelBuiltinErrors(t *testing.T) {
	env, _, _ := newTestEnv(t)
	for _, tc := range []struct {
		script string
		want   string
	}{
		{`process_list("bogus")`, "bogus"},
		{`process(1.5)`, "process: pid must be an integer or a string, got float"},
		{`semaphores("sleeping")`, `invalid semaphore filter "sleeping"`},
		{`v2p(2)`, "v2p: missing argument for addr"},
		{`queues(1)`, "queues: got 1 arguments, want at most 0"},
	} {
		_, err := env.Execute("test.star", tc.script, "", nil)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: got error %v, want %q", tc.script, err, tc.want)
		}
	}
}

func TestCommandFunctions(t *testing.T) {
	env, ctx, out := newTestEnv(t)
	const script = `
def command_echo(args):
    "prints its arguments."
    print("echo:", args)

def command_sum(a, b):
    print(a + b)

def run(cmd):
    nkd_command("process", cmd)

Exported = 42
unexported = 1
`
	if _, err := env.Execute("cmds.star", script, "run", nil); err == nil {
		t.Error("expected an error calling run without arguments")
	}
	if _, ok := ctx.commands["echo"]; !ok {
		t.Fatalf("command echo not registered: %v", ctx.commands)
	}
	if ctx.helps["echo"] != "prints its arguments." || ctx.helps["sum"] != "user defined" {
		t.Errorf("unexpected help messages %v", ctx.helps)
	}
	if err := ctx.commands["echo"]("a b"); err != nil {
		t.Fatal(err)
	}
	if err := ctx.commands["sum"]("1, 2"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("echo: a b\n3\n", out.String()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}

	if _, err := env.Execute("use.star", `nkd_command("process", "list")`+"\nx = Exported\n", "", nil); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"process list"}, ctx.called); diff != "" {
		t.Errorf("called commands (-want +got):\n%s", diff)
	}
	if _, err := env.Execute("use.star", "x = unexported\n", "", nil); err == nil {
		t.Error("lowercase globals should not be exported")
	}
}

// scriptedLines replays lines as if typed at the prompt.
type scriptedLines struct {
	lines   []string
	prompts []string
	history []string
	err     error
}

func (s *scriptedLines) Prompt(prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.lines) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedLines) AppendHistory(item string) {
	s.history = append(s.history, item)
}

func TestREPL(t *testing.T) {
	env, ctx, out := newTestEnv(t)
	rl := &scriptedLines{lines: []string{
		"1 + 2",
		"def command_pids(args):",
		`    "prints the pids."`,
		"    print([p[\"pid\"] for p in process_list()])",
		"",
		"Answer = 42",
		"x = )",
		"undefined_name",
		"exit",
		"never read",
	}}
	if err := env.repl(rl); err != nil {
		t.Fatal(err)
	}
	want := []string{">>> ", ">>> ", "... ", "... ", "... ", ">>> ", ">>> ", ">>> ", ">>> "}
	if diff := cmp.Diff(want, rl.prompts); diff != "" {
		t.Errorf("prompts (-want +got):\n%s", diff)
	}
	if len(rl.lines) != 1 {
		t.Errorf("lines after exit were read: %q", rl.lines)
	}
	got := out.String()
	if !strings.HasPrefix(got, "3\n") {
		t.Errorf("the value of an expression should be printed: %q", got)
	}
	for _, want := range []string{"<stdin>:1:", "undefined_name"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
	if _, ok := ctx.commands["pids"]; !ok || ctx.helps["pids"] != "prints the pids." {
		t.Errorf("command_pids was not registered: %v", ctx.helps)
	}
	if env.env["Answer"] == nil {
		t.Error("capitalized globals should be exported")
	}
}

func TestREPLLineEditorError(t *testing.T) {
	env, _, _ := newTestEnv(t)
	aborted := errors.New("prompt aborted")
	rl := &scriptedLines{lines: []string{"1"}, err: aborted}
	if err := env.repl(rl); err != aborted {
		t.Errorf("got %v, want %v", err, aborted)
	}
}
