package symbols

import (
	"errors"
	"strings"
	"testing"

	"github.com/nucleo-dbg/nkd/pkg/mem"
)

type fakeLookup struct {
	text  map[uint64]string
	calls int
}

func (l *fakeLookup) LookupSymbol(addr uint64) (string, error) {
	l.calls++
	s, ok := l.text[addr]
	if !ok {
		return "", errors.New("no symbol table is loaded")
	}
	return s, nil
}

func TestParseInfoSymbol(t *testing.T) {
	for _, tc := range []struct {
		text string
		want Info
	}{
		{"foo in section .text of /path/mod.ko", Info{"foo", "mod.ko"}},
		{"bar in section .text", Info{"bar", ""}},
		{"c_sem_wait(unsigned int) in section .text of /home/studente/build/sistema", Info{"c_sem_wait", "sistema"}},
		{"main in section .text\n", Info{"main", ""}},
		{"bar + 12 in section .text", Info{"bar + 12 in section .text", ""}},
		{"esecuzione in section .data", Info{"esecuzione in section .data", ""}},
		{"No symbol matches 0x1234.", Info{"No symbol matches 0x1234.", ""}},
	} {
		t.Run(tc.text, func(t *testing.T) {
			if got := ParseInfoSymbol(tc.text); got != tc.want {
				t.Errorf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	l := &fakeLookup{text: map[uint64]string{
		0x200100: "main_sistema in section .text of /build/sistema",
		0x300000: "hello in section .text",
	}}
	r := NewResolver(l)

	if got := r.Resolve(0x200100); got != (Info{"main_sistema", "sistema"}) {
		t.Errorf("Resolve = %#v", got)
	}
	if got := r.Resolve(0x200100); got.Function != "main_sistema" || l.calls != 1 {
		t.Errorf("second lookup was not cached (calls=%d)", l.calls)
	}
	if got := r.Resolve(0xdead); got != (Info{"0xdead", ""}) {
		t.Errorf("failed lookup = %#v", got)
	}
}

func TestFormatBody(t *testing.T) {
	l := &fakeLookup{text: map[uint64]string{
		0x200100: "proc_main in section .text of /build/utente",
		0x300000: "hello in section .text",
	}}
	r := NewResolver(l)
	for _, tc := range []struct {
		addr, param uint64
		want        string
	}{
		{0x200100, 3, "utente:proc_main(3)"},
		{0x300000, 0, "hello(0)"},
		{0, 5, ""},
	} {
		if got := r.FormatBody(tc.addr, tc.param); got != tc.want {
			t.Errorf("FormatBody(%#x, %d) = %q, want %q", tc.addr, tc.param, got, tc.want)
		}
	}
}

type fakeSymbols struct{}

func (fakeSymbols) Symbol(addr uint64) (string, uint64, bool) {
	if addr >= 0x1000 && addr < 0x1100 {
		return "start", 0x1000, true
	}
	return "", 0, false
}

func TestDisassemble(t *testing.T) {
	code := []byte{
		0x55,             // push %rbp
		0x48, 0x89, 0xe5, // mov %rsp,%rbp
		0xc3, // ret
	}
	m := &mem.ByteReader{Base: 0x1000, Data: code}
	insts, err := Disassemble(m, fakeSymbols{}, 0x1000, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 3 {
		t.Fatalf("decoded %d instructions: %v", len(insts), insts)
	}
	wantPC := []uint64{0x1000, 0x1001, 0x1004}
	wantLen := []int{1, 3, 1}
	for i, inst := range insts {
		if inst.PC != wantPC[i] || len(inst.Bytes) != wantLen[i] {
			t.Errorf("instruction %d: pc %#x len %d", i, inst.PC, len(inst.Bytes))
		}
	}
	if !strings.Contains(insts[0].Text, "push") || !strings.Contains(insts[0].Text, "%rbp") {
		t.Errorf("unexpected text %q", insts[0].Text)
	}

	one, err := Disassemble(m, nil, 0x1001, 1)
	if err != nil || len(one) != 1 || one[0].PC != 0x1001 {
		t.Errorf("Disassemble(n=1) = %v, %v", one, err)
	}

	if _, err := Disassemble(m, nil, 0x2000, 1); err == nil {
		t.Error("expected error disassembling unreadable memory")
	}
}
