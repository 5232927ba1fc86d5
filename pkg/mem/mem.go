// Package mem provides read access to the physical memory of the
// inspected machine.
package mem

import (
	"encoding/binary"
	"fmt"
)

// WordSize is the size of a machine word on the target.
const WordSize = 8

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory reads len(buf) bytes starting at addr. A short read is
	// reported with a non-nil error.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ReadError is returned when the backing memory cannot service a read.
type ReadError struct {
	Addr uint64
	Len  int
	Err  error
}

func (err *ReadError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("could not read %d bytes at %#x", err.Len, err.Addr)
	}
	return fmt.Sprintf("could not read %d bytes at %#x: %v", err.Len, err.Addr, err.Err)
}

func (err *ReadError) Unwrap() error {
	return err.Err
}

// Read fills buf from mem at addr, converting any failure or short read
// into a *ReadError.
func Read(mem MemoryReader, buf []byte, addr uint64) error {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		if rerr, ok := err.(*ReadError); ok {
			return rerr
		}
		return &ReadError{Addr: addr, Len: len(buf), Err: err}
	}
	if n != len(buf) {
		return &ReadError{Addr: addr, Len: len(buf), Err: fmt.Errorf("short read (%d bytes)", n)}
	}
	return nil
}

// ReadWord reads the little-endian 64-bit word at addr.
func ReadWord(mem MemoryReader, addr uint64) (uint64, error) {
	var buf [WordSize]byte
	if err := Read(mem, buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadUint reads an unsigned little-endian integer of size 1, 2, 4 or 8
// bytes at addr.
func ReadUint(mem MemoryReader, addr uint64, size int) (uint64, error) {
	var buf [WordSize]byte
	if size <= 0 || size > WordSize {
		return 0, fmt.Errorf("unsupported integer size %d", size)
	}
	if err := Read(mem, buf[:size], addr); err != nil {
		return 0, err
	}
	return Uint(buf[:size]), nil
}

// Uint decodes a little-endian unsigned integer of up to 8 bytes.
func Uint(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	}
	var r uint64
	for i := len(buf) - 1; i >= 0; i-- {
		r = r<<8 | uint64(buf[i])
	}
	return r
}

// ByteReader is a MemoryReader backed by a byte slice mapped at Base.
type ByteReader struct {
	Base uint64
	Data []byte
}

// ReadMemory implements MemoryReader.
func (r *ByteReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < r.Base || addr-r.Base >= uint64(len(r.Data)) {
		return 0, &ReadError{Addr: addr, Len: len(buf), Err: fmt.Errorf("address out of range")}
	}
	n := copy(buf, r.Data[addr-r.Base:])
	if n < len(buf) {
		return n, &ReadError{Addr: addr, Len: len(buf), Err: fmt.Errorf("read past end of memory")}
	}
	return n, nil
}
