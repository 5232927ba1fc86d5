//go:build linux || darwin || freebsd

package terminal

import (
	"golang.org/x/sys/unix"
)

func (w *pagingWriter) getWindowSize() {
	ws, err := unix.IoctlGetWinsize(unix.Stdout, unix.TIOCGWINSZ)
	if err != nil || ws.Row == 0 {
		w.mode = pagingWriterNormal
		return
	}
	w.lines = int(ws.Row)
	w.columns = int(ws.Col)
}
