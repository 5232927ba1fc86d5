// Package gdbserial reads the physical memory of a QEMU guest through the
// GDB Remote Serial Protocol stub QEMU exposes with -s / -gdb.
//
// Only the subset of the protocol needed to read memory is implemented: the
// connection never resumes, steps or writes to the target.
package gdbserial

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nucleo-dbg/nkd/pkg/logflags"
	"github.com/nucleo-dbg/nkd/pkg/mem"
	"github.com/sirupsen/logrus"
)

const (
	gdbWireMaxLen = 120

	maxTransmitAttempts    = 3    // number of retransmission attempts on failed checksum
	initialInputBufferSize = 2048 // size of the input buffer for Conn
	defaultPacketSize      = 256
)

// DialTimeout is how long Dial keeps retrying to reach the stub.
var DialTimeout = 10 * time.Second

var ErrTooManyAttempts = errors.New("too many transmit attempts")

// GdbProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type GdbProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *GdbProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	var gdberr *GdbProtocolError
	if !errors.As(err, &gdberr) {
		return false
	}
	return gdberr.code == ""
}

// Conn is a connection to a gdbstub switched to physical memory mode.
// It implements mem.MemoryReader and is safe for concurrent use.
type Conn struct {
	mu   sync.Mutex
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	packetSize          int  // maximum packet size supported by stub
	ack                 bool // when ack is true acknowledgment packets are enabled
	maxTransmitAttempts int  // maximum number of transmit or receive attempts when bad checksums are read

	log *logrus.Entry
}

// Dial connects to the stub listening at addr, retrying until DialTimeout
// expires, and performs the handshake.
func Dial(addr string) (*Conn, error) {
	deadline := time.Now().Add(DialTimeout)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return Connect(conn)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("could not connect to gdbstub at %s: %w", addr, err)
		}
		time.Sleep(time.Second)
	}
}

// Connect performs the handshake on an established connection to a stub.
func Connect(conn net.Conn) (*Conn, error) {
	c := &Conn{
		conn:                conn,
		maxTransmitAttempts: maxTransmitAttempts,
		inbuf:               make([]byte, 0, initialInputBufferSize),
		log:                 logflags.GdbWireLogger(),
	}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (conn *Conn) handshake() error {
	conn.ack = true
	conn.packetSize = defaultPacketSize
	conn.rdr = bufio.NewReader(conn.conn)

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	if err := conn.disableAck(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}

	if _, err := conn.qSupported(); err != nil {
		return err
	}

	// Addresses in 'm' packets are guest physical addresses from now on.
	if _, err := conn.exec([]byte("$Qqemu.PhyMemMode:1"), "init/phymem"); err != nil {
		if isProtocolErrorUnsupported(err) {
			return fmt.Errorf("stub does not support physical memory access (not a QEMU gdbstub?): %w", err)
		}
		return err
	}
	return nil
}

// qSupported interprets qSupported responses.
func (conn *Conn) qSupported() (features map[string]bool, err error) {
	respBuf, err := conn.exec([]byte("$qSupported:xmlRegisters=i386"), "init/qSupported")
	if err != nil {
		return nil, err
	}
	resp := strings.Split(string(respBuf), ";")
	features = make(map[string]bool)
	for _, stubfeature := range resp {
		if len(stubfeature) <= 0 {
			continue
		} else if equal := strings.Index(stubfeature, "="); equal >= 0 {
			if stubfeature[:equal] == "PacketSize" {
				if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil {
					conn.packetSize = int(n)
				}
			}
		} else if stubfeature[len(stubfeature)-1] == '+' {
			features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return features, nil
}

// disableAck disables protocol acks.
func (conn *Conn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// PacketSize returns the maximum packet size negotiated with the stub.
func (conn *Conn) PacketSize() int {
	return conn.packetSize
}

// ReadMemory implements mem.MemoryReader with 'm' packets, splitting the
// request so that no reply exceeds the stub's packet size.
func (conn *Conn) ReadMemory(data []byte, addr uint64) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.conn == nil {
		return 0, &mem.ReadError{Addr: addr, Len: len(data), Err: errors.New("connection closed")}
	}

	n := 0
	for n < len(data) {
		conn.outbuf.Reset()

		// gdbserver will crash if we ask too many bytes... not return an error, actually crash
		sz := len(data) - n
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(n), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return n, &mem.ReadError{Addr: addr, Len: len(data), Err: err}
		}
		if len(resp) != 2*sz {
			return n, &mem.ReadError{Addr: addr, Len: len(data), Err: fmt.Errorf("stub returned %d bytes instead of %d", len(resp)/2, sz)}
		}
		if _, err := hex.Decode(data[n:n+sz], resp); err != nil {
			return n, &mem.ReadError{Addr: addr, Len: len(data), Err: err}
		}
		n += sz
	}
	return n, nil
}

// Close switches the stub back to virtual addressing, detaches and closes
// the connection. The guest resumes execution.
func (conn *Conn) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.conn == nil {
		// Already detached
		return nil
	}
	if _, err := conn.exec([]byte("$Qqemu.PhyMemMode:0"), "detach"); err != nil {
		// Detaching still leaves the guest running.
		conn.log.Errorf("could not leave physical memory mode: %v", err)
	}
	_, err := conn.exec([]byte{'$', 'D'}, "detach")
	if err == io.EOF {
		// The stub may drop the connection right after the detach.
		err = nil
	}
	conn.conn.Close()
	conn.conn = nil
	return err
}

func (conn *Conn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *Conn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		_, err := conn.conn.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *Conn) recv(cmd []byte, context string) (resp []byte, err error) {
	attempt := 0
	for {
		var err error
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}

		// read checksum
		_, err = io.ReadFull(conn.rdr, conn.inbuf[:2])
		if err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			out := resp
			if len(out) > gdbWireMaxLen {
				conn.log.Debugf("-> %s...", string(out[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("-> %s%s", string(resp), string(conn.inbuf[:2]))
			}
		}

		if resp[0] == '%' {
			// Notification packet, we never asked for them.
			continue
		}

		if !conn.ack {
			break
		}

		if checksumok(resp, conn.inbuf[:2]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	conn.inbuf, resp = wiredecode(resp, conn.inbuf)

	if len(resp) == 0 || (resp[0] == 'E' && len(resp) == 3) {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &GdbProtocolError{context, cmdstr, string(resp)}
	}

	return resp, nil
}

// readack reads one byte from stub, returns true if the byte is '+'
func (conn *Conn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// sendack executes an ack character, c must be either '+' or '-'
func (conn *Conn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// escapeXor is the value mandated by the specification to escape characters
const escapeXor byte = 0x20

// wiredecode decodes the contents of in into buf.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case '#': // end of packet
			return buf, buf[start:]
		case '*': // runlength encoding marker
			if i+1 >= len(in) || i == 0 || len(buf) == 0 {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}
