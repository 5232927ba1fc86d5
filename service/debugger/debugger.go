package debugger

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/nucleo-dbg/nkd/pkg/bininfo"
	"github.com/nucleo-dbg/nkd/pkg/config"
	"github.com/nucleo-dbg/nkd/pkg/gdbserial"
	"github.com/nucleo-dbg/nkd/pkg/kernel"
	"github.com/nucleo-dbg/nkd/pkg/logflags"
	"github.com/nucleo-dbg/nkd/pkg/mem"
	"github.com/nucleo-dbg/nkd/service/api"
	"github.com/sirupsen/logrus"
)

// Debugger service.
//
// Debugger provides a higher level of abstraction over kernel.Session:
// it opens the target, resolves the arguments of the commands and
// converts kernel records into api records for the front ends.
type Debugger struct {
	config *Config

	targetMutex sync.Mutex
	target      mem.MemoryReader
	closers     []io.Closer
	session     *kernel.Session
	conv        *api.Converter
	log         *logrus.Entry
}

// Config provides the configuration to start a Debugger.
//
// Only one of CoreFile or Gdbstub should be specified.
type Config struct {
	// CoreFile is the path of a physical memory image.
	CoreFile string
	// Gdbstub is the address of the gdbstub of a running QEMU.
	Gdbstub string

	// SymbolFiles are the kernel modules with debug information.
	SymbolFiles []string
	// ConstantsFile is the gdb script with the kernel constants.
	ConstantsFile string
	// Constants and Layouts override the values found in the files.
	Constants map[string]int64
	Layouts   map[string]config.TypeLayout

	// KernelRoot is the page table used to translate kernel pointers.
	KernelRoot *uint64
	// MaxQueueNodes is the number of elements shown for each queue.
	MaxQueueNodes int
}

// ErrNoTarget is returned when neither a memory image nor a gdbstub was
// given.
var ErrNoTarget = errors.New("no memory image or gdbstub address specified")

// New opens the target described by config and starts a kernel session
// on it.
func New(config *Config) (*Debugger, error) {
	logger := logflags.EngineLogger()

	var target mem.MemoryReader
	var closers []io.Closer
	switch {
	case config.CoreFile != "":
		logger.Infof("opening memory image %s", config.CoreFile)
		img, err := mem.OpenImage(config.CoreFile)
		if err != nil {
			return nil, fmt.Errorf("could not open memory image: %w", err)
		}
		target = img
		closers = append(closers, img)
	case config.Gdbstub != "":
		logger.Infof("connecting to %s", config.Gdbstub)
		conn, err := gdbserial.Dial(config.Gdbstub)
		if err != nil {
			return nil, fmt.Errorf("could not connect to %s: %w", config.Gdbstub, err)
		}
		target = conn
		closers = append(closers, conn)
	default:
		return nil, ErrNoTarget
	}

	bi, err := bininfo.Load(bininfo.Options{
		SymbolFiles:   config.SymbolFiles,
		ConstantsFile: config.ConstantsFile,
		Constants:     config.Constants,
		Layouts:       config.Layouts,
	})
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	closers = append(closers, bi)

	d, err := Attach(target, bi, config)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	d.closers = closers
	return d, nil
}

// Attach starts a debugger on an already opened target.
func Attach(target mem.MemoryReader, bi kernel.BinaryInfo, config *Config) (*Debugger, error) {
	s, err := kernel.NewSession(target, bi, kernel.Options{
		MaxQueueNodes: config.MaxQueueNodes,
		KernelRoot:    config.KernelRoot,
	})
	if err != nil {
		return nil, err
	}
	return &Debugger{
		config:  config,
		target:  target,
		session: s,
		conv:    api.NewConverter(s),
		log:     logflags.EngineLogger(),
	}, nil
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i].Close()
	}
}

// Detach closes the target. For a gdbstub the guest is left running.
func (d *Debugger) Detach() error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if cerr := d.closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	d.closers = nil
	return err
}

// Session returns the kernel session.
func (d *Debugger) Session() *kernel.Session {
	return d.session
}

// Converter returns the converter used for the api records.
func (d *Debugger) Converter() *api.Converter {
	return d.conv
}

// SetMaxQueueNodes changes the queue bound of the session.
func (d *Debugger) SetMaxQueueNodes(n int) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	d.config.MaxQueueNodes = n
	d.session.SetMaxQueueNodes(n)
}

// ProcessDump describes one process: expr is a pid, the address of a
// descriptor, or empty for the running process.
func (d *Debugger) ProcessDump(expr string) (*api.Record, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	p, err := d.session.ResolveProcess(expr)
	if err != nil {
		return nil, err
	}
	return d.conv.ConvertProcess(p, api.VerbosityFull), nil
}

// CurrentProcess returns the process pointed to by esecuzione.
func (d *Debugger) CurrentProcess() (*kernel.ProcessRecord, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.session.ResolveProcess("")
}

// ProcessList lists the processes matching filter (all, user or system).
func (d *Debugger) ProcessList(filter string, verbosity api.VerbosityLevel) (*api.Record, error) {
	f, err := kernel.ParseProcessFilter(filter)
	if err != nil {
		return nil, err
	}
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	entries, err := d.session.Processes(f)
	if err != nil {
		return nil, err
	}
	return d.conv.ConvertProcessList(entries, verbosity), nil
}

// Semaphores lists the allocated semaphores; with filter "waiting" only
// the ones with waiting processes.
func (d *Debugger) Semaphores(filter string) (*api.Record, error) {
	var waiting bool
	switch strings.TrimSpace(filter) {
	case "", "all":
	case "waiting":
		waiting = true
	default:
		return nil, fmt.Errorf("invalid semaphore filter %q, expected all or waiting", filter)
	}
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	sems, err := d.session.Semaphores(waiting)
	var countErr *kernel.CorruptCountError
	if err != nil && !errors.As(err, &countErr) {
		return nil, err
	}
	return d.conv.ConvertSemaphoreList(sems, err), nil
}

// Queues shows all the process queues.
func (d *Debugger) Queues() (*api.Record, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	q, err := d.session.Queues()
	if err != nil {
		return nil, err
	}
	return d.conv.ConvertQueues(q), nil
}

// InterruptHandlers shows the a_p table.
func (d *Debugger) InterruptHandlers() (*api.Record, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	hs, err := d.session.InterruptHandlers()
	if err != nil {
		return nil, err
	}
	return d.conv.ConvertInterruptHandlers(hs), nil
}

// V2P translates va in an address space. space is either a pid, whose cr3
// is used, or the physical address of a root table.
func (d *Debugger) V2P(space, va string) (*api.Record, error) {
	s, err := parseUint(space)
	if err != nil {
		return nil, fmt.Errorf("invalid address space %q: %w", space, err)
	}
	v, err := parseUint(va)
	if err != nil {
		return nil, fmt.Errorf("invalid virtual address %q: %w", va, err)
	}
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	root := s
	if s < uint64(d.session.Config().MaxProc) {
		p, err := d.session.Process(int(s))
		if err != nil {
			return nil, err
		}
		root = p.CR3
	}
	t, err := d.session.V2P(root, v)
	if err != nil {
		return nil, err
	}
	return d.conv.ConvertTranslation(t), nil
}

// Sym resolves a code address.
func (d *Debugger) Sym(addr string) (*api.Record, error) {
	a, err := parseUint(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	info := d.session.Resolver().Resolve(a)
	r := api.NewRecord().
		AddString("command", "sym").
		AddString("addr", fmt.Sprintf("%#x", a)).
		AddString("funzione", info.Function)
	if info.Module != "" {
		r.AddString("modulo", info.Module)
	} else {
		r.Add("modulo", api.Null)
	}
	return r.AddString("rip", d.conv.FormatCodeAddr(a)), nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}
