// Package bininfo provides what nkd knows about the kernel binaries:
// ELF symbols, DWARF structure layouts and the values of the kernel
// constants.
package bininfo

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/nucleo-dbg/nkd/pkg/config"
	"github.com/nucleo-dbg/nkd/pkg/logflags"
	"github.com/sirupsen/logrus"
)

// ErrNoSymbols is returned by symbol lookups when no symbol file was loaded.
var ErrNoSymbols = errors.New("no symbol files loaded")

// UnknownSymbolError is returned by SymbolAddress for a missing global.
type UnknownSymbolError struct {
	Name string
}

func (err *UnknownSymbolError) Error() string {
	return fmt.Sprintf("could not find symbol %q", err.Name)
}

type section struct {
	name string
	addr uint64
	size uint64
	sec  *elf.Section
}

type symbol struct {
	name  string // demangled
	value uint64
	size  uint64
	kind  elf.SymType
	sect  *section
}

// Module is one kernel module (sistema, io, utente) loaded from an ELF
// file.
type Module struct {
	Path string

	elf      *elf.File
	dwarf    *dwarf.Data
	sections []*section
	symbols  []symbol // sorted by value
	byName   map[string]*symbol
}

// Options configures Load.
type Options struct {
	SymbolFiles   []string
	ConstantsFile string
	Constants     map[string]int64
	Layouts       map[string]config.TypeLayout
}

// BinaryInfo holds the information extracted from all kernel modules.
type BinaryInfo struct {
	Modules []*Module

	constants       map[string]int64 // overrides from the configuration
	scriptConstants map[string]int64 // from the constants script
	layoutOverrides map[string]config.TypeLayout
	layouts         map[string]*Layout

	log *logrus.Entry
}

// Load opens the symbol files and the constants script.
func Load(opts Options) (*BinaryInfo, error) {
	bi := &BinaryInfo{
		constants:       opts.Constants,
		layoutOverrides: opts.Layouts,
		layouts:         make(map[string]*Layout),
		log:             logflags.SymbolsLogger(),
	}
	for _, path := range opts.SymbolFiles {
		m, err := openModule(path)
		if err != nil {
			bi.Close()
			return nil, err
		}
		bi.log.Debugf("loaded %s: %d symbols, dwarf=%v", path, len(m.symbols), m.dwarf != nil)
		bi.Modules = append(bi.Modules, m)
	}
	if opts.ConstantsFile != "" {
		consts, err := ReadConstantsScript(opts.ConstantsFile)
		if err != nil {
			bi.Close()
			return nil, err
		}
		bi.log.Debugf("read %d constants from %s", len(consts), opts.ConstantsFile)
		bi.scriptConstants = consts
	}
	return bi, nil
}

// Close closes all the ELF files.
func (bi *BinaryInfo) Close() error {
	var err error
	for _, m := range bi.Modules {
		if m.elf != nil {
			if cerr := m.elf.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}

func openModule(path string) (*Module, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open symbol file %s: %w", path, err)
	}
	m := &Module{Path: path, elf: f, byName: make(map[string]*symbol)}

	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		m.sections = append(m.sections, &section{name: s.Name, addr: s.Addr, size: s.Size, sec: s})
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		f.Close()
		return nil, fmt.Errorf("could not read symbols of %s: %w", path, err)
	}
	for _, s := range syms {
		kind := elf.ST_TYPE(s.Info)
		if kind != elf.STT_FUNC && kind != elf.STT_OBJECT && kind != elf.STT_NOTYPE {
			continue
		}
		if s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		sect := m.sectionFor(s.Value)
		if sect == nil {
			continue
		}
		m.symbols = append(m.symbols, symbol{name: demangle.Filter(s.Name), value: s.Value, size: s.Size, kind: kind, sect: sect})
	}
	m.sortSymbols()

	// Kernel modules are always built with -g, but a stripped one is still
	// useful for symbols.
	if d, err := f.DWARF(); err == nil {
		m.dwarf = d
	}
	return m, nil
}

func (m *Module) sortSymbols() {
	sort.SliceStable(m.symbols, func(i, j int) bool {
		return m.symbols[i].value < m.symbols[j].value
	})
	m.byName = make(map[string]*symbol, len(m.symbols))
	for i := range m.symbols {
		s := &m.symbols[i]
		if _, dup := m.byName[s.name]; !dup {
			m.byName[s.name] = s
		}
		// C++ functions are also found by their name without the
		// parameter list.
		if idx := strings.Index(s.name, "("); idx > 0 {
			if _, dup := m.byName[s.name[:idx]]; !dup {
				m.byName[s.name[:idx]] = s
			}
		}
	}
}

func (m *Module) sectionFor(addr uint64) *section {
	for _, s := range m.sections {
		if addr >= s.addr && addr < s.addr+s.size {
			return s
		}
	}
	return nil
}

// symbolFor returns the closest symbol preceding addr in the same section.
func (m *Module) symbolFor(addr uint64) (*section, *symbol) {
	sect := m.sectionFor(addr)
	if sect == nil {
		return nil, nil
	}
	i := sort.Search(len(m.symbols), func(i int) bool { return m.symbols[i].value > addr }) - 1
	if i < 0 || m.symbols[i].sect != sect {
		return sect, nil
	}
	return sect, &m.symbols[i]
}

// LookupSymbol describes addr the way gdb's "info symbol" command does:
//
//	foo in section .text of /path/to/module
//	foo + 12 in section .data
//	No symbol matches 0x1234.
//
// The module path is only shown when more than one module is loaded.
func (bi *BinaryInfo) LookupSymbol(addr uint64) (string, error) {
	if len(bi.Modules) == 0 {
		return "", ErrNoSymbols
	}
	for _, m := range bi.Modules {
		sect, sym := m.symbolFor(addr)
		if sym == nil {
			continue
		}
		var buf strings.Builder
		buf.WriteString(sym.name)
		if off := addr - sym.value; off != 0 {
			fmt.Fprintf(&buf, " + %d", off)
		}
		fmt.Fprintf(&buf, " in section %s", sect.name)
		if len(bi.Modules) > 1 {
			fmt.Fprintf(&buf, " of %s", m.Path)
		}
		return buf.String(), nil
	}
	return fmt.Sprintf("No symbol matches %#x.", addr), nil
}

// Symbol returns the name and start address of the symbol containing
// addr, used to annotate disassembly.
func (bi *BinaryInfo) Symbol(addr uint64) (name string, base uint64, ok bool) {
	for _, m := range bi.Modules {
		if _, sym := m.symbolFor(addr); sym != nil {
			name = sym.name
			if idx := strings.Index(name, "("); idx > 0 {
				name = name[:idx]
			}
			return name, sym.value, true
		}
	}
	return "", 0, false
}

func (bi *BinaryInfo) findSymbol(name string) (*Module, *symbol, error) {
	if len(bi.Modules) == 0 {
		return nil, nil, ErrNoSymbols
	}
	for _, m := range bi.Modules {
		if s, ok := m.byName[name]; ok {
			return m, s, nil
		}
	}
	return nil, nil, &UnknownSymbolError{Name: name}
}

// SymbolAddress returns the address of the global symbol name.
func (bi *BinaryInfo) SymbolAddress(name string) (uint64, error) {
	_, s, err := bi.findSymbol(name)
	if err != nil {
		return 0, err
	}
	return s.value, nil
}

// SymbolSize returns the size of the global symbol name, as recorded in
// the ELF symbol table.
func (bi *BinaryInfo) SymbolSize(name string) (uint64, error) {
	_, s, err := bi.findSymbol(name)
	if err != nil {
		return 0, err
	}
	return s.size, nil
}
