package api

// Value is a node of the output tree: a String, Null, a *Record or a List.
type Value interface {
	isValue()
}

// String is a leaf value.
type String string

// List is an ordered sequence of values. Queue contents are lists in
// queue order, head first.
type List []Value

type nullValue struct{}

// Null is the absence of a value. It is distinct from any string, "0"
// included.
var Null Value = nullValue{}

func (String) isValue()    {}
func (List) isValue()      {}
func (nullValue) isValue() {}
func (*Record) isValue()   {}

// Entry is a key/value pair of a Record.
type Entry struct {
	Key   string
	Value Value
}

// Record is an ordered list of key/value pairs. Keys are stable field
// names, the order is the order they were added in.
type Record struct {
	Entries []Entry
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{}
}

// Add appends a key/value pair and returns r.
func (r *Record) Add(key string, v Value) *Record {
	if v == nil {
		v = Null
	}
	r.Entries = append(r.Entries, Entry{Key: key, Value: v})
	return r
}

// AddString appends a string value and returns r.
func (r *Record) AddString(key, s string) *Record {
	return r.Add(key, String(s))
}

// Get returns the value of key.
func (r *Record) Get(key string) (Value, bool) {
	for _, e := range r.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Keys returns the keys of r in order.
func (r *Record) Keys() []string {
	keys := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		keys[i] = e.Key
	}
	return keys
}

// IsNull reports whether v is Null.
func IsNull(v Value) bool {
	_, ok := v.(nullValue)
	return ok
}
