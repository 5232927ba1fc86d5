package cmds

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nucleo-dbg/nkd/pkg/config"
	"github.com/nucleo-dbg/nkd/service/debugger"
)

func newTestCommand(t *testing.T, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	t.Setenv("NKD_CONFIG_DIR", t.TempDir())
	cmd := New()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	return &out, cmd.Execute()
}

func TestVersion(t *testing.T) {
	out, err := newTestCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "nkd, the nucleo kernel debugger\nVersion: ") {
		t.Errorf("unexpected output %q", out.String())
	}
	if strings.Contains(out.String(), "Build Details") {
		t.Errorf("build details without --verbose: %q", out.String())
	}
}

func TestMissingArguments(t *testing.T) {
	for _, tc := range []struct {
		args []string
		err  string
	}{
		{[]string{"core"}, "you must provide a memory image"},
		{[]string{"core", "a.img", "b.img"}, "you must provide a memory image"},
		{[]string{"connect"}, "you must provide an address"},
		{[]string{"connect", "localhost:1234", "other"}, "too many arguments"},
	} {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			_, err := newTestCommand(t, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("got %v, want an error containing %q", err, tc.err)
			}
		})
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	if _, err := newTestCommand(t, "version",
		"--symbols", "build/sistema,build/io",
		"--max-nodes", "5",
		"--kernel-root", "0x1000",
		"--json"); err != nil {
		t.Fatal(err)
	}
	if !jsonOutput {
		t.Error("--json was not parsed")
	}

	constants := map[string]int64{"MAX_PROC": 32}
	c := &config.Config{
		SymbolFiles:   []string{"old"},
		ConstantsFile: "build/costanti.gdb",
		Constants:     constants,
		Gdbstub:       "localhost:1234",
	}
	applyFlags(c)
	root := uint64(0x1000)
	want := debugger.Config{
		Gdbstub:       "localhost:1234",
		SymbolFiles:   []string{"build/sistema", "build/io"},
		ConstantsFile: "build/costanti.gdb",
		Constants:     constants,
		KernelRoot:    &root,
		MaxQueueNodes: 5,
	}
	if diff := cmp.Diff(want, debuggerConfig(c)); diff != "" {
		t.Errorf("debugger configuration (-want +got):\n%s", diff)
	}
	if c.QueueNodes() != 5 {
		t.Errorf("the terminal configuration was not updated: %d", c.QueueNodes())
	}
}

func TestDefaultDebuggerConfig(t *testing.T) {
	if _, err := newTestCommand(t, "version"); err != nil {
		t.Fatal(err)
	}
	c := &config.Config{}
	applyFlags(c)
	got := debuggerConfig(c)
	if got.MaxQueueNodes != config.DefaultMaxQueueNodes || got.KernelRoot != nil || got.SymbolFiles != nil {
		t.Errorf("unexpected configuration %+v", got)
	}
}

func TestLogHelp(t *testing.T) {
	out, err := newTestCommand(t, "help", "log")
	if err != nil {
		t.Fatal(err)
	}
	for _, layer := range []string{"engine", "gdbwire", "image", "symbols", "dap"} {
		if !strings.Contains(out.String(), "\t"+layer+"\t") {
			t.Errorf("layer %s is not documented:\n%s", layer, out.String())
		}
	}
}
