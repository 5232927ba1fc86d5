// Package symbols turns code addresses of the kernel into function and
// module names.
package symbols

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nucleo-dbg/nkd/pkg/logflags"
)

// Lookup produces the textual description of an address in the format of
// gdb's "info symbol" command. bininfo.BinaryInfo implements it.
type Lookup interface {
	LookupSymbol(addr uint64) (string, error)
}

// Info is the result of resolving an address.
type Info struct {
	Function string
	Module   string // empty when unknown
}

func (i Info) String() string {
	if i.Module == "" {
		return i.Function
	}
	return i.Module + ":" + i.Function
}

var infoSymbolRe = regexp.MustCompile(`^(\w+)(?:\(.*\))? in section \.text(?: of .*/(.*))?$`)

const defaultCacheSize = 512

// Resolver resolves addresses through a Lookup, caching the results. The
// kernel text does not change during a session.
type Resolver struct {
	lookup Lookup
	cache  *lru.Cache
}

// NewResolver returns a Resolver using lookup.
func NewResolver(lookup Lookup) *Resolver {
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		// only fails for a non positive size
		panic(err)
	}
	return &Resolver{lookup: lookup, cache: cache}
}

// Resolve returns the function containing addr and the module it belongs
// to. Text that is not a function in a .text section is returned
// verbatim as the function name; if the lookup fails the address itself
// is used.
func (r *Resolver) Resolve(addr uint64) Info {
	if v, ok := r.cache.Get(addr); ok {
		return v.(Info)
	}
	info := r.resolve(addr)
	r.cache.Add(addr, info)
	return info
}

func (r *Resolver) resolve(addr uint64) Info {
	text, err := r.lookup.LookupSymbol(addr)
	if err != nil {
		logflags.SymbolsLogger().Debugf("lookup of %#x failed: %v", addr, err)
		return Info{Function: fmt.Sprintf("%#x", addr)}
	}
	return ParseInfoSymbol(text)
}

// ParseInfoSymbol parses the output of gdb's "info symbol".
func ParseInfoSymbol(text string) Info {
	text = strings.TrimSpace(text)
	m := infoSymbolRe.FindStringSubmatch(text)
	if m == nil {
		return Info{Function: text}
	}
	return Info{Function: m[1], Module: m[2]}
}

// FormatBody renders the entry point of a process with its argument as
// "module:function(param)". A null entry point is rendered as the empty
// string.
func (r *Resolver) FormatBody(addr, param uint64) string {
	if addr == 0 {
		return ""
	}
	info := r.Resolve(addr)
	return fmt.Sprintf("%s(%d)", info.String(), param)
}
