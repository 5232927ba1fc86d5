package kernel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nucleo-dbg/nkd/pkg/mem"
	"github.com/nucleo-dbg/nkd/pkg/paging"
	"github.com/nucleo-dbg/nkd/pkg/symbols"
)

// NoProcessError is returned looking up a pid with no process.
type NoProcessError struct {
	PID int
}

func (err *NoProcessError) Error() string {
	return fmt.Sprintf("no such process %d", err.PID)
}

// ProcessAddr returns the address of the descriptor of process pid,
// proc_table[pid].
func (s *Session) ProcessAddr(pid int) (uint64, error) {
	if pid < 0 || pid >= s.cfg.MaxProc {
		return 0, fmt.Errorf("process id %d out of range [0, %d)", pid, s.cfg.MaxProc)
	}
	addr, err := mem.ReadWord(s.kmem, s.g.procTable+uint64(pid)*mem.WordSize)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, &NoProcessError{PID: pid}
	}
	return addr, nil
}

// Process decodes the descriptor of process pid.
func (s *Session) Process(pid int) (*ProcessRecord, error) {
	addr, err := s.ProcessAddr(pid)
	if err != nil {
		return nil, err
	}
	return s.ProcessAt(addr)
}

// CurrentPID returns esecuzione->id.
func (s *Session) CurrentPID() (int, error) {
	p, err := mem.ReadWord(s.kmem, s.g.esecuzione)
	if err != nil {
		return 0, err
	}
	if p == 0 {
		return 0, fmt.Errorf("no process is running (esecuzione is null)")
	}
	id, err := readField(s.kmem, p, s.proc.id)
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// ResolveProcess interprets the argument of "process dump": an empty
// string is the running process, a number below MAX_PROC is a process id,
// a larger one the address of a descriptor.
func (s *Session) ResolveProcess(expr string) (*ProcessRecord, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "esecuzione->id" {
		pid, err := s.CurrentPID()
		if err != nil {
			return nil, err
		}
		return s.Process(pid)
	}
	if strings.HasPrefix(expr, "des_p(") && strings.HasSuffix(expr, ")") {
		expr = expr[len("des_p(") : len(expr)-1]
	}
	v, err := strconv.ParseUint(expr, 0, 64)
	if err != nil {
		return nil, &DecodeAmbiguousError{What: strconv.Quote(expr), Reason: "expression must be a process id or the address of a des_proc"}
	}
	if v < uint64(s.cfg.MaxProc) {
		return s.Process(int(v))
	}
	return s.ProcessAt(v)
}

// ProcessFilter selects the processes shown by Processes.
type ProcessFilter string

const (
	FilterAll    ProcessFilter = "all"
	FilterUser   ProcessFilter = "user"
	FilterSystem ProcessFilter = "system"
)

// ParseProcessFilter parses the argument of "process list".
func ParseProcessFilter(s string) (ProcessFilter, error) {
	switch f := ProcessFilter(strings.TrimSpace(s)); f {
	case "", FilterAll:
		return FilterAll, nil
	case FilterUser, FilterSystem:
		return f, nil
	}
	return "", fmt.Errorf("invalid process filter %q, expected all, user or system", s)
}

// Processes lists the processes in proc_table in pid order. A descriptor
// that cannot be decoded is listed with its error so that one corrupt
// process does not hide the others. Its level is unknown, so it is
// listed whatever the filter.
func (s *Session) Processes(filter ProcessFilter) ([]ProcessEntry, error) {
	tableSize := s.cfg.MaxProc * mem.WordSize
	table := make([]byte, tableSize)
	if err := mem.Read(s.kmem, table, s.g.procTable); err != nil {
		return nil, fmt.Errorf("reading proc_table: %w", err)
	}
	var r []ProcessEntry
	for pid := 0; pid < s.cfg.MaxProc; pid++ {
		addr := mem.Uint(table[pid*mem.WordSize : (pid+1)*mem.WordSize])
		if addr == 0 {
			continue
		}
		p, err := s.ProcessAt(addr)
		if err != nil {
			s.log.Debugf("process %d: %v", pid, err)
			r = append(r, ProcessEntry{PID: pid, Addr: addr, Err: err})
			continue
		}
		switch {
		case filter == FilterUser && p.Level != LevelUser:
			continue
		case filter == FilterSystem && p.Level == LevelUser:
			continue
		}
		r = append(r, ProcessEntry{PID: pid, Addr: addr, Record: p})
	}
	return r, nil
}

// Semaphores returns the allocated semaphores, user ones first. If
// waitingOnly is set only semaphores with waiting processes are returned.
// A semaphore that cannot be read is returned with its Err set. Counts
// larger than MAX_SEM are clamped: the semaphores in range are returned
// together with a *CorruptCountError.
func (s *Session) Semaphores(waitingOnly bool) ([]*SemaphoreRecord, error) {
	nuser, err := mem.ReadUint(s.kmem, s.g.semUtente, s.g.semUtenteSize)
	if err != nil {
		return nil, fmt.Errorf("reading sem_allocati_utente: %w", err)
	}
	nsys, err := mem.ReadUint(s.kmem, s.g.semSistema, s.g.semSistemaSize)
	if err != nil {
		return nil, fmt.Errorf("reading sem_allocati_sistema: %w", err)
	}
	maxSem := uint64(s.cfg.MaxSem)
	var countErr error
	if nuser > maxSem || nsys > maxSem {
		countErr = &CorruptCountError{User: nuser, System: nsys, Max: maxSem}
		s.log.Debugf("%v", countErr)
		nuser, nsys = min(nuser, maxSem), min(nsys, maxSem)
	}

	var r []*SemaphoreRecord
	add := func(index int) {
		addr := s.g.arrayDess + uint64(index)*s.sem.size
		sem, err := s.semaphoreAt(index, addr)
		if err != nil {
			s.log.Debugf("semaphore %d: %v", index, err)
			r = append(r, &SemaphoreRecord{Index: index, Addr: addr, Err: err})
			return
		}
		if waitingOnly && sem.Head == 0 {
			return
		}
		r = append(r, sem)
	}
	for i := 0; i < int(nuser); i++ {
		add(i)
	}
	for i := 0; i < int(nsys); i++ {
		add(s.cfg.MaxSem + i)
	}
	return r, countErr
}

// CorruptCountError is returned when sem_allocati_utente or
// sem_allocati_sistema exceed MAX_SEM.
type CorruptCountError struct {
	User, System, Max uint64
}

func (err *CorruptCountError) Error() string {
	return fmt.Sprintf("corrupt semaphore counts %d/%d (MAX_SEM is %d)", err.User, err.System, err.Max)
}

// Semaphore decodes array_dess[index].
func (s *Session) Semaphore(index int) (*SemaphoreRecord, error) {
	if index < 0 || index >= 2*s.cfg.MaxSem {
		return nil, fmt.Errorf("semaphore index %d out of range [0, %d)", index, 2*s.cfg.MaxSem)
	}
	return s.semaphoreAt(index, s.g.arrayDess+uint64(index)*s.sem.size)
}

// Queues returns the state of all process queues. A part that cannot be
// read is reported in its own field and does not hide the others.
func (s *Session) Queues() (*QueuesRecord, error) {
	q := &QueuesRecord{}
	var err error
	if q.Processes, err = mem.ReadUint(s.kmem, s.g.processi, s.g.processiSize); err != nil {
		q.ProcessesErr = fmt.Errorf("reading processi: %w", err)
	}
	head := func(name string, addr uint64) (uint64, error) {
		p, err := mem.ReadWord(s.kmem, addr)
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", name, err)
		}
		return p, nil
	}

	if p, err := head("esecuzione", s.g.esecuzione); err != nil {
		q.Running.Err = err
	} else {
		q.Running = s.processQueue(p, 1)
	}
	if p, err := head("pronti", s.g.pronti); err != nil {
		q.Ready.Err = err
	} else {
		q.Ready = s.processQueue(p, s.cfg.MaxQueueNodes)
	}
	q.Semaphores, q.SemaphoresErr = s.Semaphores(true)
	if p, err := head("sospesi", s.g.sospesi); err != nil {
		q.Suspended.Err = err
	} else {
		q.Suspended = Traverse(p, s.cfg.MaxQueueNodes, func(addr uint64) (WaitRequestRecord, uint64, error) {
			r, err := s.waitRequestAt(addr)
			if err != nil {
				return WaitRequestRecord{}, 0, err
			}
			return *r, r.Next, nil
		})
	}
	return q, nil
}

// InterruptHandlers returns the non empty entries of a_p.
func (s *Session) InterruptHandlers() ([]InterruptHandler, error) {
	if s.g.aP == 0 {
		return nil, fmt.Errorf("the kernel has no a_p table")
	}
	table := make([]byte, s.cfg.MaxIRQ*mem.WordSize)
	if err := mem.Read(s.kmem, table, s.g.aP); err != nil {
		return nil, fmt.Errorf("reading a_p: %w", err)
	}
	var r []InterruptHandler
	for irq := 0; irq < s.cfg.MaxIRQ; irq++ {
		p := mem.Uint(table[irq*mem.WordSize : (irq+1)*mem.WordSize])
		switch p {
		case 0:
			continue
		case 1: // ESTERN_BUSY
			r = append(r, InterruptHandler{IRQ: irq, Kind: HandlerDriver, Addr: p})
		default:
			h := InterruptHandler{IRQ: irq, Kind: HandlerProcess, Addr: p}
			h.Process, h.Err = s.ProcessAt(p)
			r = append(r, h)
		}
	}
	return r, nil
}

// V2P translates va through the page table at root.
func (s *Session) V2P(root, va uint64) (*Translation, error) {
	steps, err := s.tr.Walk(root, va)
	if err != nil {
		return nil, err
	}
	t := &Translation{Root: root, VA: va, Partition: s.parts.Partition(va)}
	for _, st := range steps {
		t.Steps = append(t.Steps, TranslationStep{
			Level:   st.Level,
			Index:   st.Index,
			Addr:    st.Addr,
			Entry:   uint64(st.Entry),
			Present: st.Entry.Present(),
		})
	}
	if len(steps) == s.cfg.Levels && steps[len(steps)-1].Entry.Present() {
		t.Mapped = true
		t.PA = steps[len(steps)-1].Entry.Base() | (va & (paging.PageSize - 1))
	}
	return t, nil
}

// Disassemble decodes n instructions at pc in the address space of the
// page table at cr3.
func (s *Session) Disassemble(cr3, pc uint64, n int) ([]symbols.Instruction, error) {
	vm := &paging.VirtualMemory{Translator: s.tr, Root: cr3}
	return symbols.Disassemble(vm, s.bi, pc, n)
}

// Symbol returns the function containing addr and its start address.
func (s *Session) Symbol(addr uint64) (string, uint64, bool) {
	return s.bi.Symbol(addr)
}

// ReadPhysical reads the physical memory of the target.
func (s *Session) ReadPhysical(buf []byte, addr uint64) error {
	return mem.Read(s.phys, buf, addr)
}
