package kernel

import (
	"fmt"
	"strconv"
	"strings"
)

// NoID is the value of des_proc.id for a descriptor without a process id.
const NoID = 0xFFFF

// userLevel is the value of des_proc.livello for user processes.
const userLevel = 3

// Level is the privilege level of a process.
type Level uint8

const (
	LevelSystem Level = iota
	LevelUser
)

// LevelOf decodes the livello field: 3 is user, anything else is system.
func LevelOf(raw uint64) Level {
	if raw == userLevel {
		return LevelUser
	}
	return LevelSystem
}

func (l Level) String() string {
	if l == LevelUser {
		return "utente"
	}
	return "sistema"
}

// Register names in the order they are saved in des_proc.contesto.
var RegisterNames = [NumRegisters]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

const (
	NumRegisters = 16
	// regSP is the slot of contesto holding the system stack pointer.
	regSP = 4
)

// InterruptFrame is the frame the processor pushed on the system stack of
// a process when it was last interrupted.
type InterruptFrame struct {
	VStack uint64 // virtual address of the top of the stack
	PStack uint64 // physical address of the top of the stack
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Offsets of the frame words from the top of the stack.
const (
	frameRIP = 8 * iota
	frameCS
	frameRFlags
	frameRSP
	frameSS
	frameSize
)

// ExtraField is a des_proc member outside the fields every version of
// nucleo has. Exam variants of the kernel add their own.
type ExtraField struct {
	Name string
	Raw  []byte
	Err  error
}

// String renders the value as an unsigned decimal for integer sizes, as
// hex bytes otherwise.
func (f ExtraField) String() string {
	if f.Err != nil {
		return fmt.Sprintf("<error: %v>", f.Err)
	}
	switch len(f.Raw) {
	case 1, 2, 4, 8:
		var v uint64
		for i := len(f.Raw) - 1; i >= 0; i-- {
			v = v<<8 | uint64(f.Raw[i])
		}
		return strconv.FormatUint(v, 10)
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, c := range f.Raw {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	b.WriteByte(']')
	return b.String()
}

// ProcessRecord is a snapshot of a process descriptor.
type ProcessRecord struct {
	Addr     uint64
	ID       uint16
	Level    Level
	Priority uint64
	Context  [NumRegisters]uint64
	CR3      uint64
	Body     uint64
	Param    uint64
	Next     uint64
	Extra    []ExtraField

	Frame    *InterruptFrame
	FrameErr error
}

// IDString renders the id, NoID as 0xFFFF.
func (p *ProcessRecord) IDString() string {
	if p.ID == NoID {
		return "0xFFFF"
	}
	return strconv.Itoa(int(p.ID))
}

// ProcessElem is the part of a descriptor shown in queues.
type ProcessElem struct {
	Addr     uint64
	ID       uint16
	Priority uint64
}

// IDString renders the id, NoID as 0xFFFF.
func (p ProcessElem) IDString() string {
	if p.ID == NoID {
		return "0xFFFF"
	}
	return strconv.Itoa(int(p.ID))
}

// ProcessEntry is an element of a process list. Record is nil if the
// descriptor could not be decoded, Err says why.
type ProcessEntry struct {
	PID    int
	Addr   uint64
	Record *ProcessRecord
	Err    error
}

// SemaphoreRecord is a snapshot of a des_sem.
type SemaphoreRecord struct {
	Index   int
	Addr    uint64
	Counter int32
	Head    uint64
	Waiting Queue[ProcessElem]
	// Err is set when des_sem could not be read.
	Err error
}

// System reports whether the semaphore was allocated by the system.
func (s *SemaphoreRecord) System(maxSem int) bool {
	return s.Index >= maxSem
}

// WaitRequestRecord is a snapshot of a richiesta, an element of the list
// of processes suspended by delay.
type WaitRequestRecord struct {
	Addr  uint64
	Delay uint64
	Next  uint64
	Proc  uint64
	Procs Queue[ProcessElem]
}

// QueuesRecord is the state of all the process queues of the kernel.
type QueuesRecord struct {
	Processes    uint64 // number of live user processes
	ProcessesErr error
	Running      Queue[ProcessElem]
	Ready        Queue[ProcessElem]
	// Semaphores are the semaphores with waiting processes.
	Semaphores    []*SemaphoreRecord
	SemaphoresErr error
	Suspended     Queue[WaitRequestRecord]
}

// HandlerKind is the state of an entry of a_p.
type HandlerKind uint8

const (
	HandlerProcess HandlerKind = iota
	HandlerDriver
)

// InterruptHandler is a non empty entry of a_p.
type InterruptHandler struct {
	IRQ     int
	Kind    HandlerKind
	Addr    uint64
	Process *ProcessRecord
	Err     error
}

// Translation is the result of a v2p query.
type Translation struct {
	Root      uint64
	VA        uint64
	PA        uint64
	Mapped    bool
	Partition string
	Steps     []TranslationStep
}

// TranslationStep is a level of the page table walk of a Translation.
type TranslationStep struct {
	Level   int
	Index   uint64
	Addr    uint64
	Entry   uint64
	Present bool
}
