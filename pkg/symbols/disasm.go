package symbols

import (
	"fmt"

	"github.com/nucleo-dbg/nkd/pkg/mem"
	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the maximum length of an x86-64 instruction.
const maxInstLen = 15

// Instruction is a decoded machine instruction.
type Instruction struct {
	PC    uint64
	Bytes []byte
	Text  string // GNU syntax, "?" if the bytes do not decode
}

func (inst Instruction) String() string {
	return fmt.Sprintf("%#x: %s", inst.PC, inst.Text)
}

// SymbolTable resolves branch targets while disassembling.
type SymbolTable interface {
	Symbol(addr uint64) (name string, base uint64, ok bool)
}

// Disassemble decodes up to n instructions starting at pc. Code is read
// through m, which must map the address space pc belongs to. The result is
// shorter than n if memory stops being readable.
func Disassemble(m mem.MemoryReader, syms SymbolTable, pc uint64, n int) ([]Instruction, error) {
	if n <= 0 {
		return nil, nil
	}
	code := make([]byte, n*maxInstLen)
	read, err := m.ReadMemory(code, pc)
	if read == 0 {
		if err == nil {
			err = &mem.ReadError{Addr: pc, Len: len(code)}
		}
		return nil, err
	}
	truncated := read < len(code) || err != nil
	code = code[:read]

	symLookup := func(addr uint64) (string, uint64) {
		if syms == nil {
			return "", 0
		}
		name, base, ok := syms.Symbol(addr)
		if !ok {
			return "", 0
		}
		return name, base
	}

	r := make([]Instruction, 0, n)
	for len(r) < n && len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			if truncated && len(code) < maxInstLen {
				break
			}
			r = append(r, Instruction{PC: pc, Bytes: code[:1], Text: "?"})
			code = code[1:]
			pc++
			continue
		}
		r = append(r, Instruction{PC: pc, Bytes: code[:inst.Len], Text: x86asm.GNUSyntax(inst, pc, symLookup)})
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	return r, nil
}
