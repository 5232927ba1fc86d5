// Package paging translates virtual addresses of the nucleo kernel to
// physical ones by walking the x86-64 style page tables stored in the
// target's physical memory.
package paging

import (
	"fmt"

	"github.com/nucleo-dbg/nkd/pkg/mem"
)

const (
	PageShift   = 12
	PageSize    = 1 << PageShift
	pageMask    = PageSize - 1
	indexBits   = 9
	indexMask   = 1<<indexBits - 1
	EntrySize   = 8
	presentFlag = 1
)

// Entry is a page table entry.
type Entry uint64

// Present reports whether the entry maps something.
func (e Entry) Present() bool { return e&presentFlag != 0 }

// Base returns the physical address of the frame or table the entry
// points to.
func (e Entry) Base() uint64 { return uint64(e) &^ pageMask }

// Translator walks page tables of a fixed depth.
type Translator struct {
	Mem    mem.MemoryReader
	Levels int
}

// New returns a Translator for trees of the given depth.
func New(m mem.MemoryReader, levels int) (*Translator, error) {
	if levels < 1 {
		return nil, fmt.Errorf("invalid page table depth %d", levels)
	}
	return &Translator{Mem: m, Levels: levels}, nil
}

// Index returns the index into the table of the given level used to
// translate va. Level 1 tables map pages, level Levels is the root.
func Index(va uint64, level int) uint64 {
	return (va >> (PageShift + uint(level-1)*indexBits)) & indexMask
}

// Step is one level of a page table walk.
type Step struct {
	Level int
	Index uint64
	Addr  uint64 // physical address of the entry
	Entry Entry
}

// Walk returns the entries visited translating va starting at the table
// root. The walk stops at the first entry that is not present, which is
// then the last element of the result.
func (t *Translator) Walk(root, va uint64) ([]Step, error) {
	steps := make([]Step, 0, t.Levels)
	tab := root
	for level := t.Levels; level >= 1; level-- {
		idx := Index(va, level)
		addr := tab + idx*EntrySize
		w, err := mem.ReadWord(t.Mem, addr)
		if err != nil {
			return steps, err
		}
		e := Entry(w)
		steps = append(steps, Step{Level: level, Index: idx, Addr: addr, Entry: e})
		if !e.Present() {
			break
		}
		tab = e.Base()
	}
	return steps, nil
}

// Translate returns the physical address va maps to in the tree rooted at
// root. If any entry along the way is not present ok is false and pa is
// zero. A non-nil error is always a *mem.ReadError.
func (t *Translator) Translate(root, va uint64) (pa uint64, ok bool, err error) {
	tab := root
	for level := t.Levels; level >= 1; level-- {
		w, err := mem.ReadWord(t.Mem, tab+Index(va, level)*EntrySize)
		if err != nil {
			return 0, false, err
		}
		e := Entry(w)
		if !e.Present() {
			return 0, false, nil
		}
		tab = e.Base()
	}
	return tab | (va & pageMask), true, nil
}

// UnmappedError is returned reading a virtual address that the page
// tables do not map.
type UnmappedError struct {
	Root uint64
	Addr uint64
}

func (err *UnmappedError) Error() string {
	return fmt.Sprintf("address %#x is not mapped by the page table at %#x", err.Addr, err.Root)
}

// VirtualMemory is a mem.MemoryReader over the address space described by
// the tree at Root.
type VirtualMemory struct {
	*Translator
	Root uint64
}

// ReadMemory implements mem.MemoryReader. Reads are split at page
// boundaries since contiguous virtual pages need not be contiguous in
// physical memory.
func (v *VirtualMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for n < len(buf) {
		va := addr + uint64(n)
		sz := int(PageSize - va&pageMask)
		if sz > len(buf)-n {
			sz = len(buf) - n
		}
		pa, ok, err := v.Translate(v.Root, va)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, &mem.ReadError{Addr: addr, Len: len(buf), Err: &UnmappedError{Root: v.Root, Addr: va}}
		}
		if err := mem.Read(v.Mem, buf[n:n+sz], pa); err != nil {
			return n, err
		}
		n += sz
	}
	return n, nil
}
