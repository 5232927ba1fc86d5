package api

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nucleo-dbg/nkd/pkg/kernel"
	"github.com/nucleo-dbg/nkd/pkg/kernel/kerneltest"
)

func newConverter(t *testing.T, k *kerneltest.Kernel) (*kernel.Session, *Converter) {
	t.Helper()
	s, err := kernel.NewSession(k.Reader(), k, kernel.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return s, NewConverter(s)
}

func str(t *testing.T, r *Record, key string) string {
	t.Helper()
	v, ok := r.Get(key)
	if !ok {
		t.Fatalf("missing key %s in %v", key, r.Keys())
	}
	s, ok := v.(String)
	if !ok {
		t.Fatalf("%s is %#v, not a string", key, v)
	}
	return string(s)
}

func TestConvertQueue(t *testing.T) {
	elem := func(v int) Value { return String(fmt.Sprint(v)) }
	nodes := []kernel.Node[int]{{Addr: 0x10, Value: 1}, {Addr: 0x20, Value: 2}}
	for _, tc := range []struct {
		name string
		q    kernel.Queue[int]
		want string
	}{
		{"empty", kernel.Queue[int]{}, ""},
		{"complete", kernel.Queue[int]{Nodes: nodes}, "1 ➞ 2"},
		{"truncated", kernel.Queue[int]{Nodes: nodes, Truncated: true}, "1 ➞ 2 ➞ ..."},
		{"cycle", kernel.Queue[int]{Nodes: nodes, CycleDetected: true}, "1 ➞ 2 ➞ LOOP!"},
		{"error", kernel.Queue[int]{Nodes: nodes[:1], Err: errors.New("bad")}, "1 ➞ <error: bad>"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := InlineString(ConvertQueue(tc.q, elem)); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestConvertProcessFull(t *testing.T) {
	k, descs := kerneltest.Standard()
	s, c := newConverter(t, k)
	p, err := s.Process(2)
	if err != nil {
		t.Fatal(err)
	}
	r := c.ConvertProcess(p, VerbosityFull)

	wantKeys := []string{"pid", "livello", "precedenza", "corpo", "rip", "pila_dmp", "reg_dmp", "cr3", "prossima_istruzione", "campi_aggiuntivi"}
	if diff := cmp.Diff(wantKeys, r.Keys()); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	for key, want := range map[string]string{
		"pid":        "2",
		"livello":    "utente",
		"precedenza": "20",
		"corpo":      "utente:proc_main(1)",
		"rip":        "0xffffff8000000050",
		"cr3":        fmt.Sprintf("0x%08x", k.CR3(descs[2])),
	} {
		if got := str(t, r, key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}

	v, _ := r.Get("pila_dmp")
	pila := v.(*Record)
	want := map[string]string{
		"start":  fmt.Sprintf("%016x ➞ %x", kerneltest.StackTop, p.Frame.PStack),
		"cs":     "[SEL_CODICE_UTENTE]",
		"rflags": "[IF IOPL=utente]",
		"rsp":    "0xffffffffffff0000",
		"ss":     "[SEL_DATI_UTENTE]",
	}
	for key, w := range want {
		if got := str(t, pila, key); got != w {
			t.Errorf("pila_dmp.%s = %q, want %q", key, got, w)
		}
	}
	if diff := cmp.Diff([]string{"start", "cs", "rflags", "rsp", "ss"}, pila.Keys()); diff != "" {
		t.Errorf("pila_dmp keys (-want +got):\n%s", diff)
	}

	v, _ = r.Get("reg_dmp")
	regs := v.(*Record)
	if diff := cmp.Diff(kernel.RegisterNames[:], regs.Keys()); diff != "" {
		t.Errorf("reg_dmp keys (-want +got):\n%s", diff)
	}
	if str(t, regs, "rax") != "0xaa" || str(t, regs, "r15") != "0xff" || str(t, regs, "rsp") != fmt.Sprintf("%#x", kerneltest.StackTop) {
		t.Errorf("registers %v", regs)
	}

	// user code is not mapped in the fake machine
	if got := str(t, r, "prossima_istruzione"); !strings.HasPrefix(got, "<error: ") {
		t.Errorf("prossima_istruzione = %q", got)
	}

	v, _ = r.Get("campi_aggiuntivi")
	if got := str(t, v.(*Record), "barrier_id"); got != "4294967295" {
		t.Errorf("barrier_id = %q", got)
	}
}

func TestConvertProcessBrief(t *testing.T) {
	k, _ := kerneltest.Standard()
	s, c := newConverter(t, k)
	p, err := s.Process(1)
	if err != nil {
		t.Fatal(err)
	}
	r := c.ConvertProcess(p, VerbosityBrief)
	if diff := cmp.Diff([]string{"pid", "livello", "corpo", "rip", "campi_aggiuntivi"}, r.Keys()); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
	if got := str(t, r, "corpo"); got != "sistema:main_sistema(7)" {
		t.Errorf("corpo = %q", got)
	}
	if got := str(t, r, "rip"); got != "          0x200120" {
		t.Errorf("rip = %q", got)
	}
}

func TestConvertProcessWithoutFrame(t *testing.T) {
	k := kerneltest.New()
	k.AddProcess(kerneltest.Proc{ID: 4, Level: 3, Priority: 5, NoStack: true})
	s, c := newConverter(t, k)
	p, err := s.Process(4)
	if err != nil {
		t.Fatal(err)
	}
	r := c.ConvertProcess(p, VerbosityFull)
	if got := str(t, r, "rip"); !strings.HasPrefix(got, "<error: ") {
		t.Errorf("rip = %q", got)
	}
	if got := str(t, r, "pila_dmp"); !strings.HasPrefix(got, "<error: ") {
		t.Errorf("pila_dmp = %q", got)
	}
	if v, _ := r.Get("corpo"); !IsNull(v) {
		t.Errorf("corpo of a process without entry point = %#v", v)
	}
	if v, _ := r.Get("prossima_istruzione"); !IsNull(v) {
		t.Errorf("prossima_istruzione = %#v", v)
	}
}

func TestConvertProcessList(t *testing.T) {
	k, _ := kerneltest.Standard()
	k.AddProcess(kerneltest.Proc{ID: 3, Level: 3, Priority: 10})
	// descriptor of process 3 out of memory
	k.SetWord(k.Symbols["proc_table"]+3*8, kerneltest.MemSize+0x100)
	s, c := newConverter(t, k)

	entries, err := s.Processes(kernel.FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	r := c.ConvertProcessList(entries, VerbosityBrief)
	if str(t, r, "command") != "process_list" {
		t.Errorf("command %q", str(t, r, "command"))
	}
	v, _ := r.Get("process")
	procs := v.(List)
	var livelli []string
	for _, p := range procs[:3] {
		livelli = append(livelli, str(t, p.(*Record), "livello"))
	}
	if diff := cmp.Diff([]string{"sistema", "sistema", "utente"}, livelli); diff != "" {
		t.Errorf("livello (-want +got):\n%s", diff)
	}
	bad := procs[3].(*Record)
	if str(t, bad, "pid") != "3" || !strings.HasPrefix(str(t, bad, "errore"), "<error: ") {
		t.Errorf("corrupt entry %v", bad)
	}

	js, err := JSONString(r, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(js, `{"command":"process_list","process":[{"pid":"0","livello":"sistema","corpo":"sistema:dummy(0)","rip":"          0x200210"`) {
		t.Errorf("unexpected JSON %s", js)
	}
}

func TestConvertSemaphoresAndQueues(t *testing.T) {
	k, descs := kerneltest.Standard()
	k.SetGlobal("sem_allocati_utente", 2)
	k.SetSemaphore(1, -2, k.Queue(descs[1], descs[0]))
	k.SetGlobal("pronti", 0)
	k.SetGlobal("sospesi", k.AddWaitRequest(15, 0, descs[0]))
	s, c := newConverter(t, k)

	sems, err := s.Semaphores(false)
	if err != nil {
		t.Fatal(err)
	}
	r := c.ConvertSemaphoreList(sems, nil)
	v, _ := r.Get("semaphore")
	l := v.(List)
	if len(l) != 2 {
		t.Fatalf("semaphores %v", l)
	}
	if got := InlineString(l[1]); got != "{1, -2, [1, MAX_PRIO] ➞ [0, DUMMY]}" {
		t.Errorf("semaphore 1 = %q", got)
	}

	q, err := s.Queues()
	if err != nil {
		t.Fatal(err)
	}
	r = c.ConvertQueues(q)
	if diff := cmp.Diff([]string{"command", "processi", "esecuzione", "pronti", "sospesi", "semafori"}, r.Keys()); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
	for key, want := range map[string]string{
		"processi":   "1",
		"esecuzione": "[2, 20]",
		"pronti":     "",
		"sospesi":    "{15, [0, DUMMY]}",
	} {
		v, _ := r.Get(key)
		if got := InlineString(v); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	v, _ = r.Get("semafori")
	if len(v.(List)) != 1 {
		t.Errorf("semafori %v", v)
	}
}

func TestConvertSemaphoreErrors(t *testing.T) {
	k, _ := kerneltest.Standard()
	k.SetGlobal("sem_allocati_utente", 2)
	k.Symbols["array_dess"] = kerneltest.MemSize - 16
	s, c := newConverter(t, k)

	sems, err := s.Semaphores(false)
	if err != nil {
		t.Fatal(err)
	}
	r := c.ConvertSemaphoreList(sems, errors.New("corrupt semaphore counts"))
	v, _ := r.Get("semaphore")
	l := v.(List)
	if len(l) != 3 {
		t.Fatalf("semaphores %v", l)
	}
	if _, ok := l[0].(*Record).Get("errore"); ok {
		t.Errorf("semaphore 0 should be readable: %v", l[0])
	}
	e, ok := l[1].(*Record).Get("errore")
	if !ok || !strings.HasPrefix(InlineString(e), "<error: semaphore at ") {
		t.Errorf("semaphore 1: %v", l[1])
	}
	if got := InlineString(l[2]); got != "<error: corrupt semaphore counts>" {
		t.Errorf("count error %q", got)
	}

	q := &kernel.QueuesRecord{ProcessesErr: errors.New("reading processi: bad")}
	r = c.ConvertQueues(q)
	v, _ = r.Get("processi")
	if got := InlineString(v); got != "<error: reading processi: bad>" {
		t.Errorf("processi = %q", got)
	}
}

func TestConvertInterruptHandlers(t *testing.T) {
	k, descs := kerneltest.Standard()
	ap := k.Symbols["a_p"]
	k.SetWord(ap+2*8, 1)
	k.SetWord(ap+10*8, descs[1])
	s, c := newConverter(t, k)

	hs, err := s.InterruptHandlers()
	if err != nil {
		t.Fatal(err)
	}
	r := c.ConvertInterruptHandlers(hs)
	v, _ := r.Get("a_p")
	l := v.(List)
	if len(l) != 2 {
		t.Fatalf("a_p %v", l)
	}
	if got := str(t, l[0].(*Record), "gestore"); got != "DRIVER" {
		t.Errorf("irq 2: %q", got)
	}
	want := fmt.Sprintf(`proc %x ➞ { id: 1, corpo: "sistema:main_sistema(7)", prec: 1023, rax: 0, barrier_id: 0 }`, descs[1])
	if got := str(t, l[1].(*Record), "gestore"); got != want {
		t.Errorf("irq 10:\ngot  %q\nwant %q", got, want)
	}
	if got := c.ProcessSummary(0, nil, nil); got != "null" {
		t.Errorf("summary of null = %q", got)
	}
}

func TestConvertTranslation(t *testing.T) {
	k, descs := kerneltest.Standard()
	s, c := newConverter(t, k)
	cr3 := k.CR3(descs[2])

	tr, err := s.V2P(cr3, kerneltest.StackTop)
	if err != nil {
		t.Fatal(err)
	}
	r := c.ConvertTranslation(tr)
	if str(t, r, "pa") != fmt.Sprintf("%#x", tr.PA) || str(t, r, "partizione") != "sistema/privato" {
		t.Errorf("translation %v", r)
	}
	v, _ := r.Get("livelli")
	if len(v.(List)) != kerneltest.MaxLiv {
		t.Errorf("livelli %v", v)
	}

	tr, err = s.V2P(cr3, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	r = c.ConvertTranslation(tr)
	if v, _ := r.Get("pa"); !IsNull(v) {
		t.Errorf("pa of an unmapped address = %#v", v)
	}
}
