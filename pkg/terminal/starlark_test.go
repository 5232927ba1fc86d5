package terminal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nucleo-dbg/nkd/pkg/kernel/kerneltest"
)

func writeStarFile(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStarlarkUserProcesses(t *testing.T) {
	k, _ := kerneltest.Standard()
	path := writeStarFile(t, "users.star", `
def command_users(args):
    "lists the bodies of the user processes."
    for p in process_list("user"):
        print(p["pid"], p["corpo"], p["pila_dmp"]["cs"])
`)
	withTestTerminal(t, k, func(term *FakeTerminal) {
		term.MustExec("source " + path)
		out := term.MustExec("users")
		if out != "2 utente:proc_main(1) [SEL_CODICE_UTENTE]\n" {
			t.Errorf("unexpected output %q", out)
		}
	})
}

func TestStarlarkCommandArguments(t *testing.T) {
	k, descs := kerneltest.Standard()
	k.SetGlobal("sem_allocati_utente", 2)
	k.SetSemaphore(1, -2, k.Queue(descs[1], descs[0]))
	path := writeStarFile(t, "waiters.star", `
def command_waiters(index, verbose=False):
    "prints the processes waiting on a semaphore."
    s = semaphores("waiting")
    for sem in s:
        if sem["index"] == str(index):
            if verbose:
                print(sem)
            else:
                print(len(sem["coda"]))
`)
	withTestTerminal(t, k, func(term *FakeTerminal) {
		term.MustExec("source " + path)
		if out := term.MustExec("waiters 1"); out != "2\n" {
			t.Errorf("waiters 1: %q", out)
		}
		if out := term.MustExec("waiters 0"); out != "" {
			t.Errorf("waiters 0: %q", out)
		}
		out := term.MustExec("waiters 1, True")
		if !strings.Contains(out, `"counter": "-2"`) {
			t.Errorf("waiters 1 verbose: %q", out)
		}
		term.AssertExecError("waiters", "missing 1 argument (index)")
	})
}

func TestStarlarkRunsCommands(t *testing.T) {
	k, _ := kerneltest.Standard()
	path := writeStarFile(t, "cfg.star", `
def main():
    nkd_command("config", "max-queue-nodes", "1")
    nkd_command("queues")
`)
	withTestTerminal(t, k, func(term *FakeTerminal) {
		out := term.MustExec("source " + path)
		if !strings.Contains(out, "pronti:     [1, MAX_PRIO] ➞ ...\n") {
			t.Errorf("unexpected output:\n%s", out)
		}
		if term.conf.QueueNodes() != 1 {
			t.Errorf("max-queue-nodes = %d", term.conf.QueueNodes())
		}
	})
}

func TestStarlarkErrors(t *testing.T) {
	k, _ := kerneltest.Standard()
	withTestTerminal(t, k, func(term *FakeTerminal) {
		path := writeStarFile(t, "bad.star", "def main():\n    v2p(2)\n")
		term.AssertExecError("source "+path, "missing argument for addr")

		path = writeStarFile(t, "fail.star", "def main():\n    nkd_command(\"bogus\")\n")
		term.AssertExecError("source "+path, "command not available")

		path = writeStarFile(t, "syntax.star", "def main(:\n")
		term.AssertExecError("source "+path, "syntax.star:1")
	})
}
