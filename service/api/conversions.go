package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nucleo-dbg/nkd/pkg/kernel"
	"github.com/nucleo-dbg/nkd/pkg/symbols"
)

// Arrow separates the elements of a queue and an address from what it
// points to.
const Arrow = " \u279e "

const (
	truncatedMark = "..."
	loopMark      = "LOOP!"
	driverMark    = "DRIVER"
)

// Source is what the conversions need from the kernel session.
// *kernel.Session implements it.
type Source interface {
	Config() kernel.Config
	Resolver() *symbols.Resolver
	Symbol(addr uint64) (string, uint64, bool)
	Disassemble(cr3, pc uint64, n int) ([]symbols.Instruction, error)
}

// Converter turns kernel records into output records.
type Converter struct {
	src Source
	cfg kernel.Config
}

// NewConverter returns a converter using src for constants and symbols.
func NewConverter(src Source) *Converter {
	return &Converter{src: src, cfg: src.Config()}
}

func errorString(err error) String {
	return String(fmt.Sprintf("<error: %v>", err))
}

// ConvertQueue converts a traversal result. Elements are converted by
// elem, in order; a truncated queue ends with "...", a cycle with
// "LOOP!" and a decode error with "<error: …>".
func ConvertQueue[T any](q kernel.Queue[T], elem func(T) Value) List {
	l := make(List, 0, len(q.Nodes)+1)
	for _, n := range q.Nodes {
		l = append(l, elem(n.Value))
	}
	switch {
	case q.Err != nil:
		l = append(l, errorString(q.Err))
	case q.CycleDetected:
		l = append(l, String(loopMark))
	case q.Truncated:
		l = append(l, String(truncatedMark))
	}
	return l
}

// ConvertProcessElem renders a queue element as "[id, priority]".
func (c *Converter) ConvertProcessElem(e kernel.ProcessElem) Value {
	return String(fmt.Sprintf("[%s, %s]", e.IDString(), c.cfg.PriorityLabel(e.Priority)))
}

// ConvertProcessQueue converts a queue of descriptors.
func (c *Converter) ConvertProcessQueue(q kernel.Queue[kernel.ProcessElem]) List {
	return ConvertQueue(q, c.ConvertProcessElem)
}

// ConvertWaitRequest converts a richiesta: the delay and the process
// waiting for it.
func (c *Converter) ConvertWaitRequest(r kernel.WaitRequestRecord) Value {
	return NewRecord().
		AddString("d_attesa", strconv.FormatUint(r.Delay, 10)).
		Add("pp", c.ConvertProcessQueue(r.Procs))
}

// ConvertSemaphore converts a des_sem.
func (c *Converter) ConvertSemaphore(s *kernel.SemaphoreRecord) *Record {
	r := NewRecord()
	if s.Index >= 0 {
		r.AddString("index", strconv.Itoa(s.Index))
	} else {
		r.Add("index", Null)
	}
	if s.Err != nil {
		return r.Add("errore", errorString(s.Err))
	}
	return r.
		AddString("counter", strconv.FormatInt(int64(s.Counter), 10)).
		Add("coda", c.ConvertProcessQueue(s.Waiting))
}

// FormatBody renders the entry point of a process as module:function(param).
func (c *Converter) FormatBody(p *kernel.ProcessRecord) Value {
	if p.Body == 0 {
		return Null
	}
	return String(c.src.Resolver().FormatBody(p.Body, p.Param))
}

// FormatCodeAddr renders a code address the way gdb prints a void
// pointer: right aligned address followed by <function+offset>.
func (c *Converter) FormatCodeAddr(addr uint64) string {
	s := fmt.Sprintf("%#x", addr)
	if name, base, ok := c.src.Symbol(addr); ok {
		if addr == base {
			s += " <" + name + ">"
		} else {
			s += fmt.Sprintf(" <%s+%d>", name, addr-base)
		}
	}
	first, rest, ok := strings.Cut(s, " ")
	if !ok {
		return fmt.Sprintf("%18s", first)
	}
	return fmt.Sprintf("%18s %s", first, rest)
}

// ConvertProcess converts a process descriptor.
func (c *Converter) ConvertProcess(p *kernel.ProcessRecord, verbosity VerbosityLevel) *Record {
	r := NewRecord()
	r.AddString("pid", p.IDString())
	r.AddString("livello", p.Level.String())
	if verbosity.full() {
		r.AddString("precedenza", c.cfg.PriorityLabel(p.Priority))
	}
	r.Add("corpo", c.FormatBody(p))
	if p.Frame != nil {
		r.AddString("rip", c.FormatCodeAddr(p.Frame.RIP))
	} else {
		r.Add("rip", errorString(p.FrameErr))
	}

	if verbosity.full() {
		if f := p.Frame; f != nil {
			r.Add("pila_dmp", NewRecord().
				AddString("start", fmt.Sprintf("%016x%s%x", f.VStack, Arrow, f.PStack)).
				AddString("cs", c.cfg.FormatSelector(f.CS)).
				AddString("rflags", kernel.FormatFlags(f.RFlags)).
				AddString("rsp", fmt.Sprintf("%#18x", f.RSP)).
				AddString("ss", c.cfg.FormatSelector(f.SS)))
		} else {
			r.Add("pila_dmp", errorString(p.FrameErr))
		}

		regs := NewRecord()
		for i, name := range kernel.RegisterNames {
			regs.AddString(name, fmt.Sprintf("%#x", p.Context[i]))
		}
		r.Add("reg_dmp", regs)
		r.AddString("cr3", fmt.Sprintf("0x%08x", p.CR3))
		r.Add("prossima_istruzione", c.nextInstruction(p))
	}

	if len(p.Extra) > 0 {
		extra := NewRecord()
		for _, f := range p.Extra {
			extra.AddString(f.Name, f.String())
		}
		r.Add("campi_aggiuntivi", extra)
	}
	return r
}

func (c *Converter) nextInstruction(p *kernel.ProcessRecord) Value {
	if p.Frame == nil {
		return Null
	}
	insts, err := c.src.Disassemble(p.CR3, p.Frame.RIP, 1)
	if err != nil {
		return errorString(err)
	}
	if len(insts) == 0 {
		return Null
	}
	return String(fmt.Sprintf("%#x:\t%s", insts[0].PC, insts[0].Text))
}

// ConvertProcessEntry converts an element of a process list. Descriptors
// that could not be decoded become a pid and an errore key.
func (c *Converter) ConvertProcessEntry(e kernel.ProcessEntry, verbosity VerbosityLevel) *Record {
	if e.Err != nil {
		return NewRecord().
			AddString("pid", strconv.Itoa(e.PID)).
			Add("errore", errorString(e.Err))
	}
	r := c.ConvertProcess(e.Record, verbosity)
	if e.Record.ID != uint16(e.PID) {
		// proc_table index and des_proc.id disagree
		r.Entries[0].Value = String(strconv.Itoa(e.PID))
	}
	return r
}

// ConvertProcessList builds the output of "process list".
func (c *Converter) ConvertProcessList(entries []kernel.ProcessEntry, verbosity VerbosityLevel) *Record {
	procs := make(List, 0, len(entries))
	for _, e := range entries {
		procs = append(procs, c.ConvertProcessEntry(e, verbosity))
	}
	return NewRecord().AddString("command", "process_list").Add("process", procs)
}

// ConvertSemaphoreList builds the output of "semaphore". A non nil err
// is appended to the list, like the error that stops a queue.
func (c *Converter) ConvertSemaphoreList(sems []*kernel.SemaphoreRecord, err error) *Record {
	return NewRecord().AddString("command", "semaphore").Add("semaphore", c.convertSemaphores(sems, err))
}

func (c *Converter) convertSemaphores(sems []*kernel.SemaphoreRecord, err error) List {
	l := make(List, 0, len(sems)+1)
	for _, s := range sems {
		l = append(l, c.ConvertSemaphore(s))
	}
	if err != nil {
		l = append(l, errorString(err))
	}
	return l
}

// ConvertQueues builds the output of "queues".
func (c *Converter) ConvertQueues(q *kernel.QueuesRecord) *Record {
	var processi Value = String(strconv.FormatUint(q.Processes, 10))
	if q.ProcessesErr != nil {
		processi = errorString(q.ProcessesErr)
	}
	sems := c.convertSemaphores(q.Semaphores, q.SemaphoresErr)
	return NewRecord().
		AddString("command", "queues").
		Add("processi", processi).
		Add("esecuzione", c.ConvertProcessQueue(q.Running)).
		Add("pronti", c.ConvertProcessQueue(q.Ready)).
		Add("sospesi", ConvertQueue(q.Suspended, c.ConvertWaitRequest)).
		Add("semafori", sems)
}

// ProcessSummary renders a descriptor pointer on one line:
// addr ➞ { id: 1, corpo: "mod:fun(0)", prec: 20, rax: 0 }.
func (c *Converter) ProcessSummary(addr uint64, p *kernel.ProcessRecord, err error) string {
	if addr == 0 {
		return "null"
	}
	if err != nil {
		return fmt.Sprintf("%x invalid", addr)
	}
	body := ""
	if p.Body != 0 {
		body = c.src.Resolver().FormatBody(p.Body, p.Param)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d, corpo: %q, prec: %d, rax: %d", p.ID, body, p.Priority, p.Context[0])
	for _, f := range p.Extra {
		fmt.Fprintf(&b, ", %s: %s", f.Name, f.String())
	}
	return fmt.Sprintf("%x%s{ %s }", addr, Arrow, b.String())
}

// ConvertInterruptHandlers builds the output of "a_p".
func (c *Converter) ConvertInterruptHandlers(hs []kernel.InterruptHandler) *Record {
	l := make(List, 0, len(hs))
	for _, h := range hs {
		r := NewRecord().AddString("irq", strconv.Itoa(h.IRQ))
		if h.Kind == kernel.HandlerDriver {
			r.AddString("gestore", driverMark)
		} else {
			r.AddString("gestore", "proc "+c.ProcessSummary(h.Addr, h.Process, h.Err))
		}
		l = append(l, r)
	}
	return NewRecord().AddString("command", "a_p").Add("a_p", l)
}

// ConvertTranslation builds the output of "v2p".
func (c *Converter) ConvertTranslation(t *kernel.Translation) *Record {
	r := NewRecord().
		AddString("command", "v2p").
		AddString("root", fmt.Sprintf("0x%08x", t.Root)).
		AddString("va", fmt.Sprintf("%#x", t.VA))
	if t.Mapped {
		r.AddString("pa", fmt.Sprintf("%#x", t.PA))
	} else {
		r.Add("pa", Null)
	}
	if t.Partition != "" {
		r.AddString("partizione", t.Partition)
	} else {
		r.Add("partizione", Null)
	}
	steps := make(List, 0, len(t.Steps))
	for _, st := range t.Steps {
		steps = append(steps, NewRecord().
			AddString("livello", strconv.Itoa(st.Level)).
			AddString("indice", strconv.FormatUint(st.Index, 10)).
			AddString("indirizzo", fmt.Sprintf("%#x", st.Addr)).
			AddString("entrata", fmt.Sprintf("%#x", st.Entry)).
			AddString("P", strconv.FormatBool(st.Present)))
	}
	return r.Add("livelli", steps)
}
