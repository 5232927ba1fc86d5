package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// indentString is one level of indentation of nested records.
const indentString = "    "

// Style selects the decorations of the text output.
type Style uint8

const (
	StylePlain Style = iota
	// StyleColor colors section headers with ANSI escapes.
	StyleColor
)

func (s Style) header(str string) string {
	if s == StyleColor {
		return "\x1b[33m" + str + "\x1b[m"
	}
	return str
}

// WriteText writes rec as "key: value" lines. Nested records are written
// under a "-- key:" header, one level further indented; lists of strings
// are joined with arrows like queues.
func WriteText(w io.Writer, rec *Record, indent string, style Style) error {
	ew := &errWriter{w: w}
	writeRecordText(ew, rec, indent, style)
	return ew.err
}

func writeRecordText(w io.Writer, rec *Record, indent string, style Style) {
	for _, e := range rec.Entries {
		switch v := e.Value.(type) {
		case *Record:
			fmt.Fprintf(w, "%s%s\n", indent, style.header("-- "+e.Key+":"))
			writeRecordText(w, v, indent+indentString, style)
		case List:
			if !hasRecords(v) {
				fmt.Fprintf(w, "%s%-16s: %s\n", indent, e.Key, InlineString(v))
				continue
			}
			for i, elem := range v {
				fmt.Fprintf(w, "%s%s\n", indent, style.header(fmt.Sprintf("-- %s[%d]:", e.Key, i)))
				if r, ok := elem.(*Record); ok {
					writeRecordText(w, r, indent+indentString, style)
				} else {
					fmt.Fprintf(w, "%s%s%s\n", indent, indentString, InlineString(elem))
				}
			}
		default:
			fmt.Fprintf(w, "%s%-16s: %s\n", indent, e.Key, InlineString(v))
		}
	}
}

func hasRecords(l List) bool {
	for _, v := range l {
		if _, ok := v.(*Record); ok {
			return true
		}
	}
	return false
}

// InlineString renders v on a single line: lists are joined with arrows,
// records are written as "{v1, v2}".
func InlineString(v Value) string {
	var buf bytes.Buffer
	writeInline(&buf, v)
	return buf.String()
}

func writeInline(buf *bytes.Buffer, v Value) {
	switch v := v.(type) {
	case String:
		buf.WriteString(string(v))
	case List:
		for i, elem := range v {
			if i > 0 {
				buf.WriteString(Arrow)
			}
			writeInline(buf, elem)
		}
	case *Record:
		buf.WriteByte('{')
		for i, e := range v.Entries {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeInline(buf, e.Value)
		}
		buf.WriteByte('}')
	default:
		buf.WriteString("null")
	}
}

// MarshalJSON writes the record as a JSON object, keeping the order of
// the keys.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range r.Entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := marshalString(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := marshalValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", e.Key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON writes the list as a JSON array.
func (l List) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		v, err := marshalValue(elem)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (nullValue) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

func marshalValue(v Value) ([]byte, error) {
	switch v := v.(type) {
	case String:
		return marshalString(string(v))
	case List:
		return v.MarshalJSON()
	case *Record:
		return v.MarshalJSON()
	}
	return []byte("null"), nil
}

// marshalString encodes s without escaping the angle brackets of
// "<error: …>" and of symbol names.
func marshalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// JSONString returns rec as indented JSON text, or compact text if indent
// is empty.
func JSONString(rec *Record, indent string) (string, error) {
	b, err := rec.MarshalJSON()
	if err != nil {
		return "", err
	}
	if indent == "" {
		return string(b), nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, b, "", indent); err != nil {
		return "", err
	}
	return out.String(), nil
}

// errWriter keeps the first error of a sequence of writes.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) Write(p []byte) (int, error) {
	if ew.err != nil {
		return len(p), nil
	}
	n, err := ew.w.Write(p)
	ew.err = err
	return n, err
}
