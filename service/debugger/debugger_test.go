package debugger

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nucleo-dbg/nkd/pkg/kernel"
	"github.com/nucleo-dbg/nkd/pkg/kernel/kerneltest"
	"github.com/nucleo-dbg/nkd/service/api"
)

func newTestDebugger(t *testing.T, k *kerneltest.Kernel) *Debugger {
	t.Helper()
	d, err := Attach(k.Reader(), k, &Config{MaxQueueNodes: 5})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestNewWithoutTarget(t *testing.T) {
	if _, err := New(&Config{}); err != ErrNoTarget {
		t.Fatalf("expected %v, got %v", ErrNoTarget, err)
	}
	if _, err := New(&Config{CoreFile: "/nonexistent/image"}); err == nil {
		t.Fatal("expected an error opening a missing image")
	}
}

func TestEvaluateProcessList(t *testing.T) {
	k, _ := kerneltest.Standard()
	d := newTestDebugger(t, k)

	rec, err := d.Evaluate("-exec process list")
	if err != nil {
		t.Fatal(err)
	}
	js, err := api.JSONString(rec, "")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Command string `json:"command"`
		Process []struct {
			PID     string            `json:"pid"`
			Livello string            `json:"livello"`
			Pila    map[string]string `json:"pila_dmp"`
			Regs    map[string]string `json:"reg_dmp"`
		} `json:"process"`
	}
	if err := json.Unmarshal([]byte(js), &out); err != nil {
		t.Fatalf("invalid JSON %s: %v", js, err)
	}
	if out.Command != "process_list" || len(out.Process) != 3 {
		t.Fatalf("unexpected output %s", js)
	}
	var livelli []string
	for i, p := range out.Process {
		if p.PID != fmt.Sprint(i) {
			t.Errorf("process %d has pid %s", i, p.PID)
		}
		if len(p.Regs) != kernel.NumRegisters || p.Pila["cs"] == "" {
			t.Errorf("process %d is not a complete dump: %+v", i, p)
		}
		livelli = append(livelli, p.Livello)
	}
	if diff := cmp.Diff([]string{"sistema", "sistema", "utente"}, livelli); diff != "" {
		t.Errorf("livello (-want +got):\n%s", diff)
	}

	rec, err = d.Evaluate("process list user")
	if err != nil {
		t.Fatal(err)
	}
	v, _ := rec.Get("process")
	if len(v.(api.List)) != 1 {
		t.Errorf("user processes: %v", v)
	}
}

func TestEvaluate(t *testing.T) {
	k, descs := kerneltest.Standard()
	d := newTestDebugger(t, k)

	for _, tc := range []struct {
		command string
		key     string
		want    string
	}{
		{"process dump", "pid", "2"},
		{"process dump 1", "pid", "1"},
		{fmt.Sprintf("process dump %#x", descs[0]), "pid", "0"},
		{"process dump des_p(1)", "precedenza", "MAX_PRIO"},
		{"semaphore", "command", "semaphore"},
		{"semaphore waiting", "command", "semaphore"},
		{"queues", "pronti", "[1, MAX_PRIO] ➞ [0, DUMMY]"},
		{"a_p", "command", "a_p"},
		{fmt.Sprintf("v2p 2 %#x", kerneltest.StackTop), "partizione", "sistema/privato"},
		{"sym 0x200100", "funzione", "main_sistema"},
		{"  -exec sym 0x200100", "modulo", "sistema"},
	} {
		t.Run(tc.command, func(t *testing.T) {
			rec, err := d.Evaluate(tc.command)
			if err != nil {
				t.Fatal(err)
			}
			v, ok := rec.Get(tc.key)
			if !ok {
				t.Fatalf("no key %s in %v", tc.key, rec.Keys())
			}
			if got := api.InlineString(v); got != tc.want {
				t.Errorf("%s = %q, want %q", tc.key, got, tc.want)
			}
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	k, _ := kerneltest.Standard()
	d := newTestDebugger(t, k)

	for _, command := range []string{"", "continue", "process kill 1"} {
		_, err := d.Evaluate(command)
		var uerr *UnknownCommandError
		if !errors.As(err, &uerr) {
			t.Errorf("Evaluate(%q): expected *UnknownCommandError, got %v", command, err)
		}
	}
	for _, command := range []string{"process list zombie", "semaphore sleeping", "v2p 1", "v2p x 0x10", "sym", "process dump 9"} {
		if _, err := d.Evaluate(command); err == nil {
			t.Errorf("Evaluate(%q) succeeded", command)
		}
	}
	_, err := d.Evaluate("process dump esecuzione")
	var derr *kernel.DecodeAmbiguousError
	if !errors.As(err, &derr) {
		t.Errorf("expected *kernel.DecodeAmbiguousError, got %v", err)
	}
}

func TestQueuesTruncated(t *testing.T) {
	k, _ := kerneltest.Standard()
	var procs []uint64
	for i := 3; i < 10; i++ {
		procs = append(procs, k.AddProcess(kerneltest.Proc{ID: uint16(i), Priority: uint32(i)}))
	}
	k.SetGlobal("pronti", k.Queue(procs...))
	d := newTestDebugger(t, k)

	rec, err := d.Queues()
	if err != nil {
		t.Fatal(err)
	}
	v, _ := rec.Get("pronti")
	l := v.(api.List)
	if len(l) != 6 || l[5] != api.String("...") {
		t.Errorf("pronti = %q", api.InlineString(v))
	}
}
