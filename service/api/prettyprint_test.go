package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleRecord() *Record {
	return NewRecord().
		AddString("a", "1").
		Add("sub", NewRecord().AddString("x", "2")).
		Add("q", List{String("[1, MAX_PRIO]"), String("...")}).
		Add("n", Null).
		AddString("zero", "0")
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, sampleRecord(), "", StylePlain); err != nil {
		t.Fatal(err)
	}
	want := "a               : 1\n" +
		"-- sub:\n" +
		"    x               : 2\n" +
		"q               : [1, MAX_PRIO] \u279e ...\n" +
		"n               : null\n" +
		"zero            : 0\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("text output (-want +got):\n%s", diff)
	}

	buf.Reset()
	WriteText(&buf, NewRecord().AddString("k", "v"), "  ", StyleColor)
	if got := buf.String(); got != "  k               : v\n" {
		t.Errorf("indented output %q", got)
	}
	buf.Reset()
	WriteText(&buf, NewRecord().Add("h", NewRecord()), "", StyleColor)
	if got := buf.String(); got != "\x1b[33m-- h:\x1b[m\n" {
		t.Errorf("colored header %q", got)
	}
}

func TestWriteTextListOfRecords(t *testing.T) {
	rec := NewRecord().Add("semaphore", List{
		NewRecord().AddString("index", "0"),
		NewRecord().AddString("index", "8"),
	})
	var buf bytes.Buffer
	WriteText(&buf, rec, "", StylePlain)
	want := "-- semaphore[0]:\n" +
		"    index           : 0\n" +
		"-- semaphore[1]:\n" +
		"    index           : 8\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

type failWriter struct{ n int }

func (w *failWriter) Write(p []byte) (int, error) {
	w.n++
	return 0, errors.New("disk full")
}

func TestWriteTextError(t *testing.T) {
	w := &failWriter{}
	if err := WriteText(w, sampleRecord(), "", StylePlain); err == nil || err.Error() != "disk full" {
		t.Fatalf("expected the write error, got %v", err)
	}
	if w.n != 1 {
		t.Errorf("writes after the first error: %d", w.n)
	}
}

func TestInlineString(t *testing.T) {
	for _, tc := range []struct {
		v    Value
		want string
	}{
		{String("x"), "x"},
		{Null, "null"},
		{List{}, ""},
		{List{String("a"), String("b"), String("LOOP!")}, "a \u279e b \u279e LOOP!"},
		{NewRecord().AddString("d_attesa", "10").Add("pp", List{String("[1, 20]")}), "{10, [1, 20]}"},
	} {
		if got := InlineString(tc.v); got != tc.want {
			t.Errorf("InlineString(%#v) = %q, want %q", tc.v, got, tc.want)
		}
	}
}

func TestMarshalJSON(t *testing.T) {
	got, err := JSONString(sampleRecord(), "")
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":"1","sub":{"x":"2"},"q":["[1, MAX_PRIO]","..."],"n":null,"zero":"0"}`
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}

	// key order is kept, not sorted
	rec := NewRecord().AddString("z", "1").AddString("a", "2")
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"z":"1","a":"2"}` {
		t.Errorf("json.Marshal = %s", b)
	}

	// angle brackets are not escaped
	got, _ = JSONString(NewRecord().AddString("rip", "0x10 <main+4>"), "")
	if got != `{"rip":"0x10 <main+4>"}` {
		t.Errorf("escaped output %s", got)
	}

	got, _ = JSONString(NewRecord().AddString("k", "v"), "  ")
	if got != "{\n  \"k\": \"v\"\n}" {
		t.Errorf("indented output %q", got)
	}

	var m map[string]interface{}
	b, _ = json.Marshal(sampleRecord())
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["n"] != nil || m["zero"] != "0" {
		t.Errorf("null and zero should be distinct: %v", m)
	}
}

func TestRecordAccessors(t *testing.T) {
	rec := sampleRecord()
	if diff := cmp.Diff([]string{"a", "sub", "q", "n", "zero"}, rec.Keys()); diff != "" {
		t.Errorf("Keys (-want +got):\n%s", diff)
	}
	v, ok := rec.Get("n")
	if !ok || !IsNull(v) {
		t.Errorf("Get(n) = %v, %v", v, ok)
	}
	if _, ok := rec.Get("missing"); ok {
		t.Error("Get of a missing key succeeded")
	}
	if v := NewRecord().Add("x", nil).Entries[0].Value; !IsNull(v) {
		t.Errorf("a nil value should be stored as Null, got %#v", v)
	}
}
