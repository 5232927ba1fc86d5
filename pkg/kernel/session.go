// Package kernel decodes the state of the nucleo kernel from the physical
// memory of the machine running it.
package kernel

import (
	"errors"
	"fmt"

	"github.com/nucleo-dbg/nkd/pkg/bininfo"
	"github.com/nucleo-dbg/nkd/pkg/logflags"
	"github.com/nucleo-dbg/nkd/pkg/mem"
	"github.com/nucleo-dbg/nkd/pkg/paging"
	"github.com/nucleo-dbg/nkd/pkg/symbols"
	"github.com/sirupsen/logrus"
)

// BinaryInfo is what the session needs to know about the kernel binaries.
// *bininfo.BinaryInfo implements it.
type BinaryInfo interface {
	ConstantSource
	symbols.Lookup
	symbols.SymbolTable
	SymbolAddress(name string) (uint64, error)
	SymbolSize(name string) (uint64, error)
	TypeLayout(name string) (*bininfo.Layout, error)
}

// Options configures a Session.
type Options struct {
	// MaxQueueNodes is the number of elements shown for each queue.
	MaxQueueNodes int
	// KernelRoot, if not nil, is the physical address of a page table used
	// to translate the addresses of kernel data. Otherwise kernel addresses
	// are physical addresses, which holds for the identity mapped
	// sistema/condiviso partition where nucleo keeps its data.
	KernelRoot *uint64
}

// field is a member of a kernel structure.
type field struct {
	off  uint64
	size int
}

type procLayout struct {
	size                                   uint64
	id, livello, precedenza, contesto, cr3 field
	puntatore, corpo, parametro            field
	extra                                  []bininfo.Field
}

type semLayout struct {
	size             uint64
	counter, pointer field
}

type richLayout struct {
	size               uint64
	dAttesa, pRich, pp field
}

// knownProcFields are the des_proc members decoded explicitly, the others
// are shown as extra fields.
var knownProcFields = map[string]bool{
	"id": true, "cr3": true, "contesto": true, "livello": true, "precedenza": true,
	"puntatore": true, "punt_nucleo": true, "corpo": true, "parametro": true,
}

type globals struct {
	procTable, esecuzione, pronti, sospesi, processi uint64
	arrayDess, semUtente, semSistema, aP             uint64
	processiSize, semUtenteSize, semSistemaSize      int
}

// Session decodes kernel data structures. Its state is set up by
// NewSession and read only afterwards, except for the queue bound changed
// by SetMaxQueueNodes; every query reads the target memory again. A
// Session is not safe for concurrent use.
type Session struct {
	phys     mem.MemoryReader
	kmem     mem.MemoryReader
	bi       BinaryInfo
	tr       *paging.Translator
	parts    *paging.Layout
	resolver *symbols.Resolver
	cfg      Config

	proc procLayout
	sem  semLayout
	rich richLayout
	g    globals

	log *logrus.Entry
}

// NewSession reads constants, structure layouts and global addresses from
// bi. Anything missing is a fatal error.
func NewSession(phys mem.MemoryReader, bi BinaryInfo, opts Options) (*Session, error) {
	cfg, err := LoadConfig(bi, opts.MaxQueueNodes)
	if err != nil {
		return nil, err
	}
	tr, err := paging.New(phys, cfg.Levels)
	if err != nil {
		return nil, err
	}
	s := &Session{
		phys:     phys,
		kmem:     phys,
		bi:       bi,
		tr:       tr,
		parts:    paging.NewLayout(cfg.Levels, cfg.Partitions),
		resolver: symbols.NewResolver(bi),
		cfg:      cfg,
		log:      logflags.EngineLogger(),
	}
	if opts.KernelRoot != nil {
		s.kmem = &paging.VirtualMemory{Translator: tr, Root: *opts.KernelRoot}
	}
	if err := s.loadLayouts(); err != nil {
		return nil, err
	}
	if err := s.loadGlobals(); err != nil {
		return nil, err
	}
	s.log.Debugf("session ready: MAX_LIV=%d MAX_PROC=%d MAX_SEM=%d, %d extra des_proc fields", cfg.Levels, cfg.MaxProc, cfg.MaxSem, len(s.proc.extra))
	return s, nil
}

// Config returns the kernel constants.
func (s *Session) Config() Config {
	return s.cfg
}

// SetMaxQueueNodes changes the number of elements decoded for each queue
// by the following queries. A bound n <= 0 restores the default.
func (s *Session) SetMaxQueueNodes(n int) {
	if n <= 0 {
		n = DefaultMaxQueueNodes
	}
	s.cfg.MaxQueueNodes = n
}

// Resolver returns the symbol resolver of the session.
func (s *Session) Resolver() *symbols.Resolver {
	return s.resolver
}

// ExtraFields returns the names of the des_proc members shown as extra
// fields.
func (s *Session) ExtraFields() []string {
	r := make([]string, len(s.proc.extra))
	for i, f := range s.proc.extra {
		r[i] = f.Name
	}
	return r
}

func lookupField(l *bininfo.Layout, name string, maxSize uint64) (field, error) {
	f, ok := l.Field(name)
	if !ok {
		return field{}, fmt.Errorf("struct %s has no field %s", l.Name, name)
	}
	if f.Size == 0 || f.Size > maxSize {
		return field{}, fmt.Errorf("unexpected size %d of %s.%s", f.Size, l.Name, name)
	}
	return field{off: f.Offset, size: int(f.Size)}, nil
}

func (s *Session) loadLayouts() error {
	var err error
	layout := func(name string) *bininfo.Layout {
		if err != nil {
			return nil
		}
		var l *bininfo.Layout
		l, err = s.bi.TypeLayout(name)
		if err != nil {
			err = fmt.Errorf("type %s: %w", name, err)
		}
		return l
	}
	fld := func(l *bininfo.Layout, name string, maxSize uint64) field {
		if err != nil {
			return field{}
		}
		var f field
		f, err = lookupField(l, name, maxSize)
		return f
	}

	dp := layout("des_proc")
	s.proc = procLayout{
		id:         fld(dp, "id", mem.WordSize),
		livello:    fld(dp, "livello", mem.WordSize),
		precedenza: fld(dp, "precedenza", mem.WordSize),
		contesto:   fld(dp, "contesto", NumRegisters*mem.WordSize),
		cr3:        fld(dp, "cr3", mem.WordSize),
		puntatore:  fld(dp, "puntatore", mem.WordSize),
		corpo:      fld(dp, "corpo", mem.WordSize),
		parametro:  fld(dp, "parametro", mem.WordSize),
	}
	if err != nil {
		return err
	}
	if s.proc.contesto.size != NumRegisters*mem.WordSize {
		return fmt.Errorf("des_proc.contesto has size %d, expected %d", s.proc.contesto.size, NumRegisters*mem.WordSize)
	}
	s.proc.size = dp.Size
	for _, f := range dp.Fields {
		if !knownProcFields[f.Name] {
			s.proc.extra = append(s.proc.extra, f)
		}
	}

	ds := layout("des_sem")
	s.sem = semLayout{
		counter: fld(ds, "counter", mem.WordSize),
		pointer: fld(ds, "pointer", mem.WordSize),
	}
	if err != nil {
		return err
	}
	s.sem.size = ds.Size
	if s.sem.size == 0 {
		return errors.New("struct des_sem has size 0")
	}

	r := layout("richiesta")
	s.rich = richLayout{
		size:    sizeOf(r),
		dAttesa: fld(r, "d_attesa", mem.WordSize),
		pRich:   fld(r, "p_rich", mem.WordSize),
		pp:      fld(r, "pp", mem.WordSize),
	}
	return err
}

func sizeOf(l *bininfo.Layout) uint64 {
	if l == nil {
		return 0
	}
	return l.Size
}

func (s *Session) loadGlobals() error {
	var err error
	addr := func(name string) uint64 {
		if err != nil {
			return 0
		}
		var a uint64
		a, err = s.bi.SymbolAddress(name)
		if err != nil {
			err = fmt.Errorf("kernel variable %s: %w", name, err)
		}
		return a
	}
	s.g = globals{
		procTable:  addr("proc_table"),
		esecuzione: addr("esecuzione"),
		pronti:     addr("pronti"),
		sospesi:    addr("sospesi"),
		processi:   addr("processi"),
		arrayDess:  addr("array_dess"),
		semUtente:  addr("sem_allocati_utente"),
		semSistema: addr("sem_allocati_sistema"),
	}
	if err != nil {
		return err
	}
	s.g.processiSize = s.intSize("processi")
	s.g.semUtenteSize = s.intSize("sem_allocati_utente")
	s.g.semSistemaSize = s.intSize("sem_allocati_sistema")

	// a_p only exists in kernels with the I/O module.
	if a, err := s.bi.SymbolAddress("a_p"); err == nil {
		s.g.aP = a
		if sz, err := s.bi.SymbolSize("a_p"); err == nil && sz >= mem.WordSize {
			if _, cerr := s.bi.Constant("MAX_IRQ"); cerr != nil {
				s.cfg.MaxIRQ = int(sz / mem.WordSize)
			}
		}
	}
	return nil
}

// intSize returns the size of an integer global, natl when unknown.
func (s *Session) intSize(name string) int {
	sz, err := s.bi.SymbolSize(name)
	if err != nil || sz == 0 || sz > mem.WordSize {
		return 4
	}
	return int(sz)
}
