//go:build linux
// +build linux

// Package sameuser refuses loopback connections opened by other users of
// the machine: on a shared lab machine anybody could otherwise connect to
// the DAP port of a colleague and read the memory of the guest.
package sameuser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/nucleo-dbg/nkd/pkg/logflags"
)

// for testing
var (
	uid      = os.Getuid()
	readFile = os.ReadFile
)

type errConnectionNotFound struct {
	filename string
}

func (e *errConnectionNotFound) Error() string {
	return fmt.Sprintf("connection not found in %s", e.filename)
}

// tcpTable is one of the /proc/net/tcp files, with the hexadecimal form of
// the addresses it uses.
type tcpTable struct {
	filename string
	hex      func(*net.TCPAddr) string
}

var (
	tcp4         = tcpTable{"/proc/net/tcp", addrToHex4}
	tcp6         = tcpTable{"/proc/net/tcp6", addrToHex6}
	tcp6Mapped4  = tcpTable{"/proc/net/tcp6", func(a *net.TCPAddr) string { return "0000000000000000FFFF0000" + addrToHex4(a) }}
	errNoTCPAddr = fmt.Errorf("not a TCP address")
)

// owner returns the uid owning the client side of the connection between
// local (the server) and remote (the client).
func (tt tcpTable) owner(local, remote *net.TCPAddr) (int, error) {
	b, err := readFile(tt.filename)
	if err != nil {
		return -1, err
	}
	// the client sees the two addresses swapped
	wantLocal, wantRemote := tt.hex(remote), tt.hex(local)
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		var (
			sl           int
			laddr, raddr string
			state        int
			queue, timer string
			retransmit   int
			owner        uint
		)
		// %d and not %5d: the kernel pads with %5u but uids can be longer.
		n, err := fmt.Sscanf(line, "%4d: %s %s %02X %s %s %08X %d",
			&sl, &laddr, &raddr, &state, &queue, &timer, &retransmit, &owner)
		if n != 8 || err != nil {
			continue // header
		}
		if laddr == wantLocal && raddr == wantRemote {
			return int(owner), nil
		}
	}
	return -1, &errConnectionNotFound{tt.filename}
}

func addrToHex4(addr *net.TCPAddr) string {
	b := addr.IP.To4()
	return fmt.Sprintf("%02X%02X%02X%02X:%04X", b[3], b[2], b[1], b[0], addr.Port)
}

func addrToHex6(addr *net.TCPAddr) string {
	words := make([]uint32, 4)
	if err := binary.Read(bytes.NewReader(addr.IP.To16()), binary.LittleEndian, words); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%08X%08X%08X%08X:%04X", words[0], words[1], words[2], words[3], addr.Port)
}

func sameUser(local, remote *net.TCPAddr) (bool, error) {
	tables := []tcpTable{tcp6}
	if remote.IP.To4() != nil {
		// IPv4 connections to a dual stack socket are listed in tcp6
		tables = []tcpTable{tcp4, tcp6Mapped4}
	}
	var err error
	for _, tt := range tables {
		var owner int
		owner, err = tt.owner(local, remote)
		if err == nil {
			if owner != uid {
				logflags.DAPLogger().Debugf("connection from uid %d, server uid %d", owner, uid)
			}
			return owner == uid, nil
		}
		if _, notFound := err.(*errConnectionNotFound); !notFound {
			break
		}
	}
	return false, err
}

// CanAccept reports whether the connection between localAddr and
// remoteAddr, accepted by a listener on listenAddr, should be served.
// Only connections to loopback listeners are checked.
func CanAccept(listenAddr, localAddr, remoteAddr net.Addr) bool {
	laddr, ok := listenAddr.(*net.TCPAddr)
	if !ok || !laddr.IP.IsLoopback() {
		return true
	}
	local, ok1 := localAddr.(*net.TCPAddr)
	remote, ok2 := remoteAddr.(*net.TCPAddr)
	if !ok1 || !ok2 {
		logflags.DAPLogger().Errorf("cannot check remote address %v: %v", remoteAddr, errNoTCPAddr)
		return false
	}
	same, err := sameUser(local, remote)
	if err != nil {
		logflags.DAPLogger().Errorf("cannot check remote address %v: %v", remote, err)
	}
	if !same {
		fmt.Fprintf(os.Stderr, "closing connection from different user (%v): connections to localhost are only accepted from the same UNIX user\n", remote)
	}
	return same
}
