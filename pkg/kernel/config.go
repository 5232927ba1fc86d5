package kernel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nucleo-dbg/nkd/pkg/bininfo"
)

// DefaultMaxIRQ is the size of a_p when neither MAX_IRQ nor the symbol
// table say otherwise.
const DefaultMaxIRQ = 24

// DefaultMaxQueueNodes bounds the traversal of queues when no bound is
// configured.
const DefaultMaxQueueNodes = 20

// Config holds the kernel constants. It is read once when the session
// starts and never changes afterwards.
type Config struct {
	Levels  int
	MaxProc int
	MaxSem  int
	MaxIRQ  int

	SelSystemCode uint64
	SelUserCode   uint64
	SelUserData   uint64

	MaxPriority   uint64
	MinPriority   uint64
	DummyPriority uint64

	// MaxQueueNodes is the number of elements shown for each queue.
	MaxQueueNodes int

	// Partitions holds the I_* constants that were found.
	Partitions map[string]int64
}

// ConstantSource gives the value of the kernel constants.
type ConstantSource interface {
	Constant(name string) (int64, error)
}

var partitionConstants = []string{"I_SIS_C", "I_SIS_P", "I_MIO_C", "I_UTN_C", "I_UTN_P"}

// LoadConfig reads the constants from src. A missing required constant is
// an error.
func LoadConfig(src ConstantSource, maxQueueNodes int) (Config, error) {
	c := Config{MaxQueueNodes: maxQueueNodes, Partitions: make(map[string]int64)}

	required := []struct {
		name string
		set  func(int64)
	}{
		{"MAX_LIV", func(v int64) { c.Levels = int(v) }},
		{"MAX_PROC", func(v int64) { c.MaxProc = int(v) }},
		{"MAX_SEM", func(v int64) { c.MaxSem = int(v) }},
		{"SEL_CODICE_SISTEMA", func(v int64) { c.SelSystemCode = uint64(v) }},
		{"SEL_CODICE_UTENTE", func(v int64) { c.SelUserCode = uint64(v) }},
		{"SEL_DATI_UTENTE", func(v int64) { c.SelUserData = uint64(v) }},
		{"MAX_PRIORITY", func(v int64) { c.MaxPriority = uint64(v) }},
		{"MIN_PRIORITY", func(v int64) { c.MinPriority = uint64(v) }},
		{"DUMMY_PRIORITY", func(v int64) { c.DummyPriority = uint64(v) }},
	}
	for _, r := range required {
		v, err := src.Constant(r.name)
		if err != nil {
			return Config{}, fmt.Errorf("kernel constant %s: %w", r.name, err)
		}
		r.set(v)
	}
	if c.Levels < 1 {
		return Config{}, fmt.Errorf("invalid MAX_LIV %d", c.Levels)
	}
	if c.MaxProc < 1 || c.MaxSem < 0 {
		return Config{}, fmt.Errorf("invalid MAX_PROC %d or MAX_SEM %d", c.MaxProc, c.MaxSem)
	}

	c.MaxIRQ = DefaultMaxIRQ
	if v, err := src.Constant("MAX_IRQ"); err == nil && v > 0 {
		c.MaxIRQ = int(v)
	} else if err != nil && !isUnknownConstant(err) {
		return Config{}, err
	}
	for _, name := range partitionConstants {
		if v, err := src.Constant(name); err == nil {
			c.Partitions[name] = v
		}
	}
	if c.MaxQueueNodes <= 0 {
		c.MaxQueueNodes = DefaultMaxQueueNodes
	}
	return c, nil
}

func isUnknownConstant(err error) bool {
	var uerr *bininfo.UnknownConstantError
	return errors.As(err, &uerr)
}

// PriorityLabel renders a priority, using MAX_PRIO, MIN_PRIO and DUMMY for
// the sentinel values.
func (c *Config) PriorityLabel(prio uint64) string {
	switch prio {
	case c.MaxPriority:
		return "MAX_PRIO"
	case c.MinPriority:
		return "MIN_PRIO"
	case c.DummyPriority:
		return "DUMMY"
	}
	return strconv.FormatUint(prio, 10)
}

// SelectorName returns the name of a segment selector.
func (c *Config) SelectorName(sel uint64) string {
	switch sel {
	case c.SelSystemCode:
		return "SEL_CODICE_SISTEMA"
	case c.SelUserCode:
		return "SEL_CODICE_UTENTE"
	case c.SelUserData:
		return "SEL_DATI_UTENTE"
	case 0:
		return "SEL_NULLO"
	}
	return "sconosciuto"
}

// FormatSelector renders a segment selector as "[NAME]".
func (c *Config) FormatSelector(sel uint64) string {
	return "[" + c.SelectorName(sel) + "]"
}

// Flags of RFLAGS in the order they are shown.
var rflagsBits = []struct {
	bit  uint
	name string
}{
	{14, "NT"},
	{11, "OF"},
	{10, "DF"},
	{9, "IF"},
	{8, "TF"},
	{7, "SF"},
	{6, "ZF"},
	{4, "AF"},
	{2, "PF"},
	{0, "CF"},
}

const iopl = 0x3000

// FlagNames returns the names of the flags set in rflags.
func FlagNames(rflags uint64) []string {
	var r []string
	for _, f := range rflagsBits {
		if rflags&(1<<f.bit) != 0 {
			r = append(r, f.name)
		}
	}
	return r
}

// IOPL returns the level of the IOPL field of rflags: utente when both
// bits are set, sistema otherwise.
func IOPL(rflags uint64) Level {
	if rflags&iopl == iopl {
		return LevelUser
	}
	return LevelSystem
}

// FormatFlags renders rflags as "[IF ZF IOPL=sistema]".
func FormatFlags(rflags uint64) string {
	return fmt.Sprintf("[%s IOPL=%s]", strings.Join(FlagNames(rflags), " "), IOPL(rflags))
}
