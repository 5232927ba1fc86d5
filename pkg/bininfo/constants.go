package bininfo

import (
	"bufio"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// UnknownConstantError is returned by Constant when no source defines the
// constant.
type UnknownConstantError struct {
	Name string
}

func (err *UnknownConstantError) Error() string {
	return fmt.Sprintf("unknown constant %s", err.Name)
}

// ReadConstantsScript reads the gdb script the kernel build generates with
// the values of its constants.
func ReadConstantsScript(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open constants file: %w", err)
	}
	defer f.Close()
	consts, err := ParseConstantsScript(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return consts, nil
}

// ParseConstantsScript parses lines of the form
//
//	set $NAME=VALUE
//
// Comments, blank lines and other gdb commands are ignored.
func ParseConstantsScript(r io.Reader) (map[string]int64, error) {
	consts := make(map[string]int64)
	s := bufio.NewScanner(r)
	lineno := 0
	for s.Scan() {
		lineno++
		line := strings.TrimSpace(s.Text())
		if !strings.HasPrefix(line, "set ") {
			continue
		}
		assign := strings.TrimSpace(line[len("set "):])
		if !strings.HasPrefix(assign, "$") {
			continue
		}
		eq := strings.Index(assign, "=")
		if eq < 0 {
			return nil, fmt.Errorf("line %d: malformed assignment %q", lineno, line)
		}
		name := strings.TrimSpace(assign[1:eq])
		v, err := strconv.ParseInt(strings.TrimSpace(assign[eq+1:]), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: value of %s: %w", lineno, name, err)
		}
		consts[name] = v
	}
	return consts, s.Err()
}

// Constant returns the value of a kernel constant. The sources are, in
// order: the configuration, the constants script, DW_AT_const_value
// attributes in the debug information and finally the initial value of a
// read only global with that name.
func (bi *BinaryInfo) Constant(name string) (int64, error) {
	if v, ok := bi.constants[name]; ok {
		return v, nil
	}
	if v, ok := bi.scriptConstants[name]; ok {
		return v, nil
	}
	for _, m := range bi.Modules {
		if m.dwarf == nil {
			continue
		}
		if v, ok := dwarfConstant(m.dwarf, name); ok {
			bi.log.Debugf("constant %s = %d from the debug info of %s", name, v, m.Path)
			return v, nil
		}
	}
	for _, m := range bi.Modules {
		if v, ok := m.readOnlyValue(name); ok {
			bi.log.Debugf("constant %s = %d from the data of %s", name, v, m.Path)
			return v, nil
		}
	}
	return 0, &UnknownConstantError{Name: name}
}

func dwarfConstant(d *dwarf.Data, name string) (int64, bool) {
	rdr := d.Reader()
	for {
		e, err := rdr.Next()
		if err != nil || e == nil {
			return 0, false
		}
		switch e.Tag {
		case dwarf.TagVariable, dwarf.TagConstant, dwarf.TagEnumerator:
		default:
			continue
		}
		if n, _ := e.Val(dwarf.AttrName).(string); n != name {
			continue
		}
		switch v := e.Val(dwarf.AttrConstValue).(type) {
		case int64:
			return v, true
		case uint64:
			return int64(v), true
		}
	}
}

// readOnlyValue reads the value of an initialized object symbol stored in
// a non writable section of the file.
func (m *Module) readOnlyValue(name string) (int64, bool) {
	s, ok := m.byName[name]
	if !ok || s.kind != elf.STT_OBJECT {
		return 0, false
	}
	sec := s.sect.sec
	if sec == nil || sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_WRITE != 0 {
		return 0, false
	}
	var buf [8]byte
	switch s.size {
	case 1, 2, 4, 8:
	default:
		return 0, false
	}
	if _, err := sec.ReadAt(buf[:s.size], int64(s.value-sec.Addr)); err != nil {
		return 0, false
	}
	switch s.size {
	case 1:
		return int64(int8(buf[0])), true
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf[:]))), true
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf[:]))), true
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), true
}
