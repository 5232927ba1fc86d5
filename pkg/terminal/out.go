package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/nucleo-dbg/nkd/service/api"
)

// printRecord writes the result of a query command to the terminal, as
// JSON when requested and otherwise in the text form of the command.
func (t *Term) printRecord(ctx callContext, rec *api.Record) error {
	if ctx.json {
		s, err := api.JSONString(rec, "")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(t.stdout, s)
		return err
	}

	cmd, _ := rec.Get("command")
	switch cmd {
	case api.String("process_list"):
		return t.printProcessList(rec)
	case api.String("semaphore"):
		return t.printSemaphores(listField(rec, "semaphore"))
	case api.String("queues"):
		return t.printQueues(rec)
	case api.String("a_p"):
		for _, h := range listField(rec, "a_p") {
			h := h.(*api.Record)
			irq, _ := h.Get("irq")
			gestore, _ := h.Get("gestore")
			fmt.Fprintf(t.stdout, "[%2s] %s\n", api.InlineString(irq), api.InlineString(gestore))
		}
		return nil
	}
	return api.WriteText(t.stdout, withoutCommand(rec), "", t.style)
}

func listField(rec *api.Record, key string) api.List {
	v, _ := rec.Get(key)
	l, _ := v.(api.List)
	return l
}

// withoutCommand returns rec without the "command" key, which only
// identifies the record in JSON output.
func withoutCommand(rec *api.Record) *api.Record {
	r := api.NewRecord()
	for _, e := range rec.Entries {
		if e.Key != "command" {
			r.Add(e.Key, e.Value)
		}
	}
	return r
}

func (t *Term) printProcessList(rec *api.Record) error {
	for _, p := range listField(rec, "process") {
		p := p.(*api.Record)
		pid, _ := p.Get("pid")
		fmt.Fprintf(t.stdout, "==> Processo %s\n", api.InlineString(pid))
		if err := api.WriteText(t.stdout, p, "    ", t.style); err != nil {
			return err
		}
	}
	return nil
}

func (t *Term) printSemaphores(sems api.List) error {
	for _, s := range sems {
		var err error
		switch s := s.(type) {
		case *api.Record:
			index, _ := s.Get("index")
			if e, ok := s.Get("errore"); ok {
				_, err = fmt.Fprintf(t.stdout, "sem[%5s]: %s\n", api.InlineString(index), api.InlineString(e))
				break
			}
			counter, _ := s.Get("counter")
			coda, _ := s.Get("coda")
			_, err = fmt.Fprintf(t.stdout, "sem[%5s]: {%s, %s}\n", api.InlineString(index), api.InlineString(counter), api.InlineString(coda))
		default:
			_, err = fmt.Fprintf(t.stdout, "semafori:   %s\n", api.InlineString(s))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// printQueues writes the queues with the waiting semaphores between the
// ready queue and the sleeping processes.
func (t *Term) printQueues(rec *api.Record) error {
	field := func(key string) string {
		v, _ := rec.Get(key)
		return api.InlineString(v)
	}
	fmt.Fprintf(t.stdout, "processi:   %s\n", field("processi"))
	fmt.Fprintf(t.stdout, "esecuzione: %s\n", field("esecuzione"))
	fmt.Fprintf(t.stdout, "pronti:     %s\n", field("pronti"))
	if err := t.printSemaphores(listField(rec, "semafori")); err != nil {
		return err
	}
	_, err := fmt.Fprintf(t.stdout, "sospesi:    %s\n", field("sospesi"))
	return err
}

// pagingWriter writes to w. If PageMaybe is called, after a large amount of
// text has been written to w it will pipe the output to a pager instead.
type pagingWriter struct {
	mode     pagingWriterMode
	w        io.Writer
	buf      []byte
	cmd      *exec.Cmd
	cmdStdin io.WriteCloser
	pager    string
	lastnl   bool
	cancel   func()

	lines, columns int
}

type pagingWriterMode uint8

const (
	pagingWriterNormal pagingWriterMode = iota
	pagingWriterMaybe
	pagingWriterPaging
)

func (w *pagingWriter) Write(p []byte) (nn int, err error) {
	switch w.mode {
	case pagingWriterMaybe:
		w.buf = append(w.buf, p...)
		if !w.largeOutput() {
			if len(p) > 0 {
				w.lastnl = p[len(p)-1] == '\n'
			}
			return w.w.Write(p)
		}
		if !w.startPager() {
			w.mode = pagingWriterNormal
			return w.w.Write(p)
		}
		if !w.lastnl {
			w.w.Write([]byte("\n"))
		}
		w.w.Write([]byte("Sending output to pager...\n"))
		w.cmdStdin.Write(w.buf)
		w.buf = nil
		w.mode = pagingWriterPaging
		return len(p), nil
	case pagingWriterPaging:
		n, err := w.cmdStdin.Write(p)
		if err != nil && w.cancel != nil {
			w.cancel()
			w.cancel = nil
		}
		return n, err
	default:
		return w.w.Write(p)
	}
}

func (w *pagingWriter) startPager() bool {
	fields := strings.Fields(w.pager)
	if len(fields) == 0 {
		return false
	}
	w.cmd = exec.Command(fields[0], fields[1:]...)
	w.cmd.Stdout = os.Stdout
	w.cmd.Stderr = os.Stderr

	var err1, err2 error
	w.cmdStdin, err1 = w.cmd.StdinPipe()
	if err1 == nil {
		err2 = w.cmd.Start()
	}
	if err1 != nil || err2 != nil {
		w.cmd = nil
		return false
	}
	return true
}

// Reset returns the pagingWriter to its normal mode.
func (w *pagingWriter) Reset() {
	if w.mode == pagingWriterNormal {
		return
	}
	w.mode = pagingWriterNormal
	w.buf = nil
	if w.cmd != nil {
		w.cmdStdin.Close()
		w.cmd.Wait()
		w.cmd = nil
		w.cmdStdin = nil
	}
}

// PageMaybe configures pagingWriter to cache the output, after a large
// amount of text has been written to w it will automatically switch to
// piping output to a pager.
// The cancel function is called the first time a write to the pager errors.
func (w *pagingWriter) PageMaybe(cancel func()) {
	if w.mode != pagingWriterNormal {
		return
	}
	nkdpager := os.Getenv("NKD_PAGER")
	if nkdpager == "" {
		stdout, _ := w.w.(*os.File)
		if stdout == nil || !isatty.IsTerminal(stdout.Fd()) {
			return
		}
		if strings.ToLower(os.Getenv("TERM")) == "dumb" {
			return
		}
	}
	w.mode = pagingWriterMaybe
	w.pager = nkdpager
	if w.pager == "" {
		w.pager = os.Getenv("PAGER")
		if w.pager == "" {
			w.pager = "more"
		}
	}
	w.lastnl = true
	w.cancel = cancel
	w.getWindowSize()
}

func (w *pagingWriter) largeOutput() bool {
	lines := 0
	lineStart := 0
	for i := range w.buf {
		if i-lineStart > w.columns || w.buf[i] == '\n' {
			lineStart = i
			lines++
			if lines > w.lines {
				return true
			}
		}
	}
	return false
}
