package bininfo

import (
	"debug/dwarf"
	"fmt"
)

// Field is a member of a structure.
type Field struct {
	Name   string
	Offset uint64
	Size   uint64
}

// Layout is the memory layout of a structure type.
type Layout struct {
	Name   string
	Size   uint64
	Fields []Field
}

// Field returns the member called name.
func (l *Layout) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// UnknownTypeError is returned by TypeLayout for a structure that is
// neither in the debug information nor in the configuration.
type UnknownTypeError struct {
	Name string
}

func (err *UnknownTypeError) Error() string {
	return fmt.Sprintf("could not find the layout of struct %s", err.Name)
}

// TypeLayout returns the layout of the named structure. A layout from the
// configuration takes precedence over the debug information.
func (bi *BinaryInfo) TypeLayout(name string) (*Layout, error) {
	if l, ok := bi.layouts[name]; ok {
		return l, nil
	}
	if o, ok := bi.layoutOverrides[name]; ok {
		l := &Layout{Name: name, Size: o.Size}
		for _, f := range o.Fields {
			l.Fields = append(l.Fields, Field{Name: f.Name, Offset: f.Offset, Size: f.Size})
		}
		bi.layouts[name] = l
		return l, nil
	}
	for _, m := range bi.Modules {
		if m.dwarf == nil {
			continue
		}
		l, err := structLayout(m.dwarf, name)
		if err != nil {
			return nil, fmt.Errorf("reading debug info of %s: %w", m.Path, err)
		}
		if l != nil {
			bi.log.Debugf("layout of %s from %s: %d fields, size %d", name, m.Path, len(l.Fields), l.Size)
			bi.layouts[name] = l
			return l, nil
		}
	}
	return nil, &UnknownTypeError{Name: name}
}

// structLayout looks for the definition of a structure or class called
// name. It returns nil, nil if there is none.
func structLayout(d *dwarf.Data, name string) (*Layout, error) {
	rdr := d.Reader()
	for {
		e, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, nil
		}
		if e.Tag != dwarf.TagStructType && e.Tag != dwarf.TagClassType {
			continue
		}
		if n, _ := e.Val(dwarf.AttrName).(string); n != name {
			continue
		}
		if decl, _ := e.Val(dwarf.AttrDeclaration).(bool); decl {
			continue
		}
		typ, err := d.Type(e.Offset)
		if err != nil {
			return nil, err
		}
		st, ok := typ.(*dwarf.StructType)
		if !ok || st.Incomplete {
			continue
		}
		l := &Layout{Name: name, Size: uint64(st.ByteSize)}
		for _, f := range st.Field {
			if f.Name == "" {
				continue
			}
			l.Fields = append(l.Fields, Field{Name: f.Name, Offset: uint64(f.ByteOffset), Size: uint64(f.Type.Size())})
		}
		return l, nil
	}
}
