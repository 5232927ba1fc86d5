// Package kerneltest builds the physical memory of a fake nucleo machine
// for tests: page tables, process descriptors, semaphores and wait
// requests, together with the symbols, layouts and constants describing
// them.
package kerneltest

import (
	"encoding/binary"
	"fmt"

	"github.com/nucleo-dbg/nkd/pkg/bininfo"
	"github.com/nucleo-dbg/nkd/pkg/mem"
)

// Constants of the fake kernel.
const (
	MaxLiv        = 4
	MaxProc       = 16
	MaxSem        = 8
	MaxIRQ        = 24
	SelSysCode    = 0x08
	SelUserCode   = 0x13
	SelUserData   = 0x1b
	MaxPriority   = 1023
	MinPriority   = 1
	DummyPriority = 0

	MemSize = 4 << 20

	pageSize  = 0x1000
	globals   = 0x10000
	heapStart = 0x100000
)

// StackVA is the virtual address of the system stack page of every
// process. It lies in the sistema/privato partition.
const StackVA = uint64(1)<<39 + 0xf000

// StackTop is the value of contesto[4] of the processes: room for an
// interrupt frame is left at the end of the stack page.
const StackTop = StackVA + pageSize - 40

// Offsets of the des_proc fields.
const (
	offID        = 0
	offLivello   = 2
	offPrec      = 4
	offPuntNucl  = 8
	offContesto  = 16
	offCR3       = 144
	offBarrierID = 152
	offPuntatore = 160
	offCorpo     = 168
	offParametro = 176
	desProcSize  = 184

	desSemSize    = 16
	richiestaSize = 24
)

// Kernel is a fake machine. It implements the BinaryInfo interface used
// by kernel.NewSession.
type Kernel struct {
	Mem       []byte
	Symbols   map[string]uint64
	Sizes     map[string]uint64
	Layouts   map[string]*bininfo.Layout
	Constants map[string]int64
	Text      map[uint64]string // "info symbol" text for code addresses

	next uint64
}

// New returns an empty machine: no processes, no semaphores.
func New() *Kernel {
	k := &Kernel{
		Mem:     make([]byte, MemSize),
		Symbols: make(map[string]uint64),
		Sizes:   make(map[string]uint64),
		Text:    make(map[uint64]string),
		next:    heapStart,
		Constants: map[string]int64{
			"MAX_LIV":            MaxLiv,
			"MAX_PROC":           MaxProc,
			"MAX_SEM":            MaxSem,
			"SEL_CODICE_SISTEMA": SelSysCode,
			"SEL_CODICE_UTENTE":  SelUserCode,
			"SEL_DATI_UTENTE":    SelUserData,
			"MAX_PRIORITY":       MaxPriority,
			"MIN_PRIORITY":       MinPriority,
			"DUMMY_PRIORITY":     DummyPriority,
			"I_SIS_C":            0,
			"I_SIS_P":            1,
			"I_MIO_C":            2,
			"I_UTN_C":            256,
			"I_UTN_P":            384,
		},
		Layouts: map[string]*bininfo.Layout{
			"des_proc": {Name: "des_proc", Size: desProcSize, Fields: []bininfo.Field{
				{Name: "id", Offset: offID, Size: 2},
				{Name: "livello", Offset: offLivello, Size: 2},
				{Name: "precedenza", Offset: offPrec, Size: 4},
				{Name: "punt_nucleo", Offset: offPuntNucl, Size: 8},
				{Name: "contesto", Offset: offContesto, Size: 128},
				{Name: "cr3", Offset: offCR3, Size: 8},
				{Name: "barrier_id", Offset: offBarrierID, Size: 4},
				{Name: "puntatore", Offset: offPuntatore, Size: 8},
				{Name: "corpo", Offset: offCorpo, Size: 8},
				{Name: "parametro", Offset: offParametro, Size: 8},
			}},
			"des_sem": {Name: "des_sem", Size: desSemSize, Fields: []bininfo.Field{
				{Name: "counter", Offset: 0, Size: 4},
				{Name: "pointer", Offset: 8, Size: 8},
			}},
			"richiesta": {Name: "richiesta", Size: richiestaSize, Fields: []bininfo.Field{
				{Name: "d_attesa", Offset: 0, Size: 4},
				{Name: "p_rich", Offset: 8, Size: 8},
				{Name: "pp", Offset: 16, Size: 8},
			}},
		},
	}

	addr := uint64(globals)
	global := func(name string, size uint64) {
		k.Symbols[name] = addr
		k.Sizes[name] = size
		addr += (size + 15) &^ 15
	}
	global("proc_table", MaxProc*8)
	global("esecuzione", 8)
	global("pronti", 8)
	global("sospesi", 8)
	global("processi", 4)
	global("array_dess", 2*MaxSem*desSemSize)
	global("sem_allocati_utente", 4)
	global("sem_allocati_sistema", 4)
	global("a_p", MaxIRQ*8)
	return k
}

// Reader returns the physical memory of the machine.
func (k *Kernel) Reader() mem.MemoryReader {
	return &mem.ByteReader{Data: k.Mem}
}

// Alloc reserves size bytes of physical memory, page aligned.
func (k *Kernel) Alloc(size uint64) uint64 {
	p := k.next
	k.next += (size + pageSize - 1) &^ (pageSize - 1)
	if k.next > MemSize {
		panic("kerneltest: out of memory")
	}
	return p
}

// Word returns the word at addr.
func (k *Kernel) Word(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(k.Mem[addr:])
}

// SetWord writes the word at addr.
func (k *Kernel) SetWord(addr, v uint64) {
	binary.LittleEndian.PutUint64(k.Mem[addr:], v)
}

func (k *Kernel) setUint32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(k.Mem[addr:], v)
}

func (k *Kernel) setUint16(addr uint64, v uint16) {
	binary.LittleEndian.PutUint16(k.Mem[addr:], v)
}

// SetGlobal writes the word (or natl, depending on its size) global name.
func (k *Kernel) SetGlobal(name string, v uint64) {
	addr, ok := k.Symbols[name]
	if !ok {
		panic("kerneltest: unknown global " + name)
	}
	if k.Sizes[name] == 4 {
		k.setUint32(addr, uint32(v))
		return
	}
	k.SetWord(addr, v)
}

// NewAddressSpace allocates an empty root table.
func (k *Kernel) NewAddressSpace() uint64 {
	return k.Alloc(pageSize)
}

// Map maps the page containing va to frame in the tree at root.
func (k *Kernel) Map(root, va, frame uint64) {
	tab := root
	for level := MaxLiv; level > 1; level-- {
		addr := tab + ((va>>(12+uint(level-1)*9))&0x1ff)*8
		e := k.Word(addr)
		if e&1 == 0 {
			e = k.Alloc(pageSize) | 0x7
			k.SetWord(addr, e)
		}
		tab = e &^ 0xfff
	}
	k.SetWord(tab+((va>>12)&0x1ff)*8, frame|0x3)
}

// Proc describes a process to add to the machine.
type Proc struct {
	ID        uint16
	Level     uint16 // 3 for user processes
	Priority  uint32
	Context   [16]uint64 // Context[4] is set to StackTop
	BarrierID uint32
	Body      uint64
	Param     uint64

	// Interrupt frame at the top of the system stack.
	RIP, CS, RFlags, RSP, SS uint64

	// NoStack leaves the system stack unmapped.
	NoStack bool
	// NoTable does not register the process in proc_table.
	NoTable bool
}

// AddProcess creates the address space and the descriptor of a process
// and returns the address of the descriptor.
func (k *Kernel) AddProcess(p Proc) uint64 {
	root := k.NewAddressSpace()
	p.Context[4] = StackTop
	if !p.NoStack {
		frame := k.Alloc(pageSize)
		k.Map(root, StackVA, frame)
		top := frame + (StackTop - StackVA)
		k.SetWord(top, p.RIP)
		k.SetWord(top+8, p.CS)
		k.SetWord(top+16, p.RFlags)
		k.SetWord(top+24, p.RSP)
		k.SetWord(top+32, p.SS)
	}

	d := k.Alloc(desProcSize)
	k.setUint16(d+offID, p.ID)
	k.setUint16(d+offLivello, p.Level)
	k.setUint32(d+offPrec, p.Priority)
	k.SetWord(d+offPuntNucl, StackVA+pageSize)
	for i, r := range p.Context {
		k.SetWord(d+offContesto+uint64(i)*8, r)
	}
	k.SetWord(d+offCR3, root)
	k.setUint32(d+offBarrierID, p.BarrierID)
	k.SetWord(d+offCorpo, p.Body)
	k.SetWord(d+offParametro, p.Param)

	if !p.NoTable && p.ID < MaxProc {
		k.SetWord(k.Symbols["proc_table"]+uint64(p.ID)*8, d)
	}
	return d
}

// CR3 returns the root table of the process with descriptor d.
func (k *Kernel) CR3(d uint64) uint64 {
	return k.Word(d + offCR3)
}

// Link sets the puntatore field of the descriptor d.
func (k *Kernel) Link(d, next uint64) {
	k.SetWord(d+offPuntatore, next)
}

// Queue links the descriptors in order and returns the head.
func (k *Kernel) Queue(procs ...uint64) uint64 {
	for i, d := range procs {
		next := uint64(0)
		if i+1 < len(procs) {
			next = procs[i+1]
		}
		k.Link(d, next)
	}
	if len(procs) == 0 {
		return 0
	}
	return procs[0]
}

// SetSemaphore writes array_dess[index].
func (k *Kernel) SetSemaphore(index int, counter int32, head uint64) uint64 {
	addr := k.Symbols["array_dess"] + uint64(index)*desSemSize
	k.setUint32(addr, uint32(counter))
	k.SetWord(addr+8, head)
	return addr
}

// AddWaitRequest allocates a richiesta.
func (k *Kernel) AddWaitRequest(delay uint32, next, pp uint64) uint64 {
	r := k.Alloc(richiestaSize)
	k.setUint32(r, delay)
	k.SetWord(r+8, next)
	k.SetWord(r+16, pp)
	return r
}

// LookupSymbol implements symbols.Lookup.
func (k *Kernel) LookupSymbol(addr uint64) (string, error) {
	if s, ok := k.Text[addr]; ok {
		return s, nil
	}
	return fmt.Sprintf("No symbol matches %#x.", addr), nil
}

// Symbol implements symbols.SymbolTable.
func (k *Kernel) Symbol(addr uint64) (string, uint64, bool) {
	return "", 0, false
}

// SymbolAddress returns the address of a global.
func (k *Kernel) SymbolAddress(name string) (uint64, error) {
	if a, ok := k.Symbols[name]; ok {
		return a, nil
	}
	return 0, &bininfo.UnknownSymbolError{Name: name}
}

// SymbolSize returns the size of a global.
func (k *Kernel) SymbolSize(name string) (uint64, error) {
	if s, ok := k.Sizes[name]; ok {
		return s, nil
	}
	return 0, &bininfo.UnknownSymbolError{Name: name}
}

// TypeLayout returns the layout of a kernel structure.
func (k *Kernel) TypeLayout(name string) (*bininfo.Layout, error) {
	if l, ok := k.Layouts[name]; ok {
		return l, nil
	}
	return nil, &bininfo.UnknownTypeError{Name: name}
}

// Constant returns the value of a kernel constant.
func (k *Kernel) Constant(name string) (int64, error) {
	if v, ok := k.Constants[name]; ok {
		return v, nil
	}
	return 0, &bininfo.UnknownConstantError{Name: name}
}

// Standard builds the machine used by most tests: three processes with
// ids 0, 1 and 2, the first two system processes and the third a user
// process, with process 2 running and process 1 ready.
func Standard() (*Kernel, []uint64) {
	k := New()
	k.Text[0x200100] = "main_sistema(unsigned long) in section .text of /nucleo/build/sistema"
	k.Text[0x200200] = "dummy(unsigned long) in section .text of /nucleo/build/sistema"
	k.Text[0xffff_ff80_0000_0040] = "proc_main(unsigned long) in section .text of /nucleo/build/utente"

	p0 := k.AddProcess(Proc{
		ID: 0, Level: 0, Priority: DummyPriority, Body: 0x200200,
		RIP: 0x200210, CS: SelSysCode, RFlags: 0x202, RSP: StackTop, SS: 0,
	})
	p1 := k.AddProcess(Proc{
		ID: 1, Level: 0, Priority: MaxPriority, Body: 0x200100, Param: 7,
		RIP: 0x200120, CS: SelSysCode, RFlags: 0x246, RSP: StackTop, SS: 0,
	})
	p2 := k.AddProcess(Proc{
		ID: 2, Level: 3, Priority: 20, Body: 0xffff_ff80_0000_0040, Param: 1,
		BarrierID: 0xffffffff,
		Context:   [16]uint64{0: 0xaa, 15: 0xff},
		RIP:       0xffff_ff80_0000_0050, CS: SelUserCode, RFlags: 0x3202, RSP: 0xffff_ffff_ffff_0000, SS: SelUserData,
	})
	k.SetGlobal("esecuzione", p2)
	k.SetGlobal("pronti", k.Queue(p1, p0))
	k.SetGlobal("processi", 1)
	return k, []uint64{p0, p1, p2}
}
