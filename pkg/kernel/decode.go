package kernel

import (
	"fmt"

	"github.com/nucleo-dbg/nkd/pkg/mem"
	"github.com/nucleo-dbg/nkd/pkg/paging"
)

// Kind selects the kernel structure Decode interprets memory as.
type Kind uint8

const (
	KindProcess Kind = iota + 1
	KindSemaphore
	KindWaitRequest
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "des_proc"
	case KindSemaphore:
		return "des_sem"
	case KindWaitRequest:
		return "richiesta"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// DecodeAmbiguousError is returned when a value cannot be interpreted as
// any of the known kernel structures.
type DecodeAmbiguousError struct {
	What   string
	Reason string
}

func (err *DecodeAmbiguousError) Error() string {
	return fmt.Sprintf("cannot decode %s: %s", err.What, err.Reason)
}

// Decode decodes the structure of the given kind at addr. The result is a
// *ProcessRecord, *SemaphoreRecord or *WaitRequestRecord.
func (s *Session) Decode(kind Kind, addr uint64) (interface{}, error) {
	switch kind {
	case KindProcess:
		return s.ProcessAt(addr)
	case KindSemaphore:
		return s.semaphoreAt(-1, addr)
	case KindWaitRequest:
		return s.waitRequestAt(addr)
	}
	return nil, &DecodeAmbiguousError{What: fmt.Sprintf("%#x", addr), Reason: fmt.Sprintf("unknown structure kind %v", kind)}
}

func readField(m mem.MemoryReader, base uint64, f field) (uint64, error) {
	return mem.ReadUint(m, base+f.off, f.size)
}

// ProcessAt decodes the descriptor at addr. The interrupt frame and the
// extra fields are decoded on a best effort basis: their failures are
// recorded in the record instead of being returned.
func (s *Session) ProcessAt(addr uint64) (*ProcessRecord, error) {
	if addr == 0 {
		return nil, &DecodeAmbiguousError{What: "null pointer", Reason: "not a process descriptor"}
	}
	m := mem.CacheMemory(s.kmem, addr, int(s.proc.size))
	p := &ProcessRecord{Addr: addr}

	var err error
	read := func(f field) uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = readField(m, addr, f)
		return v
	}
	p.ID = uint16(read(s.proc.id))
	p.Level = LevelOf(read(s.proc.livello))
	p.Priority = read(s.proc.precedenza)
	p.CR3 = read(s.proc.cr3)
	p.Next = read(s.proc.puntatore)
	p.Body = read(s.proc.corpo)
	p.Param = read(s.proc.parametro)
	for i := range p.Context {
		p.Context[i] = read(field{off: s.proc.contesto.off + uint64(i)*mem.WordSize, size: mem.WordSize})
	}
	if err != nil {
		return nil, fmt.Errorf("process descriptor at %#x: %w", addr, err)
	}

	for _, f := range s.proc.extra {
		ef := ExtraField{Name: f.Name, Raw: make([]byte, f.Size)}
		if rerr := mem.Read(m, ef.Raw, addr+f.Offset); rerr != nil {
			ef.Raw = nil
			ef.Err = rerr
			s.log.Debugf("extra field %s of %#x: %v", f.Name, addr, rerr)
		}
		p.Extra = append(p.Extra, ef)
	}

	p.Frame, p.FrameErr = s.interruptFrame(p.CR3, p.Context[regSP])
	if p.FrameErr != nil {
		s.log.Debugf("interrupt frame of %#x: %v", addr, p.FrameErr)
	}
	return p, nil
}

// interruptFrame reads the frame at the top of the system stack of a
// process, translating the saved stack pointer through the process' own
// page table.
func (s *Session) interruptFrame(cr3, vstack uint64) (*InterruptFrame, error) {
	pstack, ok, err := s.tr.Translate(cr3, vstack)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &paging.UnmappedError{Root: cr3, Addr: vstack}
	}
	vm := &paging.VirtualMemory{Translator: s.tr, Root: cr3}
	var buf [frameSize]byte
	if err := mem.Read(vm, buf[:], vstack); err != nil {
		return nil, err
	}
	return &InterruptFrame{
		VStack: vstack,
		PStack: pstack,
		RIP:    mem.Uint(buf[frameRIP : frameRIP+8]),
		CS:     mem.Uint(buf[frameCS : frameCS+8]),
		RFlags: mem.Uint(buf[frameRFlags : frameRFlags+8]),
		RSP:    mem.Uint(buf[frameRSP : frameRSP+8]),
		SS:     mem.Uint(buf[frameSS : frameSS+8]),
	}, nil
}

// processElem decodes the fields of the descriptor at addr shown in queues.
func (s *Session) processElem(addr uint64) (ProcessElem, uint64, error) {
	m := mem.CacheMemory(s.kmem, addr, int(s.proc.size))
	e := ProcessElem{Addr: addr}
	id, err := readField(m, addr, s.proc.id)
	if err != nil {
		return e, 0, err
	}
	e.ID = uint16(id)
	if e.Priority, err = readField(m, addr, s.proc.precedenza); err != nil {
		return e, 0, err
	}
	next, err := readField(m, addr, s.proc.puntatore)
	if err != nil {
		return e, 0, err
	}
	return e, next, nil
}

// processQueue walks a list of descriptors linked by puntatore.
func (s *Session) processQueue(head uint64, maxNodes int) Queue[ProcessElem] {
	q := Traverse(head, maxNodes, s.processElem)
	if q.Err != nil {
		s.log.Debugf("process queue at %#x: %v", head, q.Err)
	}
	return q
}

// semaphoreAt decodes the des_sem at addr. index is its position in
// array_dess, or -1 if not known.
func (s *Session) semaphoreAt(index int, addr uint64) (*SemaphoreRecord, error) {
	m := mem.CacheMemory(s.kmem, addr, int(s.sem.size))
	counter, err := readField(m, addr, s.sem.counter)
	if err != nil {
		return nil, fmt.Errorf("semaphore at %#x: %w", addr, err)
	}
	head, err := readField(m, addr, s.sem.pointer)
	if err != nil {
		return nil, fmt.Errorf("semaphore at %#x: %w", addr, err)
	}
	return &SemaphoreRecord{
		Index:   index,
		Addr:    addr,
		Counter: signExtend(counter, s.sem.counter.size),
		Head:    head,
		Waiting: s.processQueue(head, s.cfg.MaxQueueNodes),
	}, nil
}

func signExtend(v uint64, size int) int32 {
	switch size {
	case 1:
		return int32(int8(v))
	case 2:
		return int32(int16(v))
	}
	return int32(v)
}

// waitRequestAt decodes the richiesta at addr.
func (s *Session) waitRequestAt(addr uint64) (*WaitRequestRecord, error) {
	m := mem.CacheMemory(s.kmem, addr, int(s.rich.size))
	r := &WaitRequestRecord{Addr: addr}
	var err error
	if r.Delay, err = readField(m, addr, s.rich.dAttesa); err != nil {
		return nil, fmt.Errorf("wait request at %#x: %w", addr, err)
	}
	if r.Next, err = readField(m, addr, s.rich.pRich); err != nil {
		return nil, fmt.Errorf("wait request at %#x: %w", addr, err)
	}
	if r.Proc, err = readField(m, addr, s.rich.pp); err != nil {
		return nil, fmt.Errorf("wait request at %#x: %w", addr, err)
	}
	r.Procs = s.processQueue(r.Proc, 1)
	return r, nil
}
