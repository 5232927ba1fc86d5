package mem

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nucleo-dbg/nkd/pkg/logflags"
)

// Image formats recognized by OpenImage.
const (
	FormatRaw = "raw"
	FormatELF = "elf"
)

// ErrEmptyImage is returned when a memory image contains no memory.
var ErrEmptyImage = errors.New("memory image contains no loadable memory")

// Image is a frozen copy of the physical memory of the machine.
type Image struct {
	MemoryReader
	Path   string
	Format string
	Size   uint64

	closers []io.Closer
}

// Close releases the resources associated with the image.
func (img *Image) Close() error {
	var err error
	for i := len(img.closers) - 1; i >= 0; i-- {
		if cerr := img.closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	img.closers = nil
	return err
}

// OpenImage opens a physical memory image. Two formats are supported: the
// ELF file written by QEMU's dump-guest-memory command, where every
// PT_LOAD segment carries the physical address of the RAM it contains, and
// a raw image where file offset N holds physical address N (as written by
// 'pmemsave 0 <size> file').
func OpenImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err == nil && bytes.Equal(magic[:], []byte(elf.ELFMAG)) {
		img, err := openELFImage(f, path)
		if err != nil {
			f.Close()
			return nil, err
		}
		return img, nil
	}
	img, err := openRawImage(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

func openELFImage(f *os.File, path string) (*Image, error) {
	logger := logflags.ImageLogger()
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}
	if ef.Type != elf.ET_CORE {
		return nil, fmt.Errorf("%s is an ELF file but not a memory dump (type %v)", path, ef.Type)
	}
	mem := &SplicedMemory{}
	var size uint64
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		logger.Debugf("segment paddr=%#x filesz=%#x off=%#x", prog.Paddr, prog.Filesz, prog.Off)
		mem.Add(&OffsetReaderAt{Reader: f, Offset: int64(prog.Paddr) - int64(prog.Off)}, prog.Paddr, prog.Filesz)
		if end := prog.Paddr + prog.Filesz; end > size {
			size = end
		}
	}
	if size == 0 {
		return nil, ErrEmptyImage
	}
	return &Image{MemoryReader: mem, Path: path, Format: FormatELF, Size: size, closers: []io.Closer{f}}, nil
}

func openRawImage(f *os.File, path string) (*Image, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, ErrEmptyImage
	}
	data, unmap, err := mapFile(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("could not map %s: %w", path, err)
	}
	logflags.ImageLogger().Debugf("raw image %s, %#x bytes", path, fi.Size())
	return &Image{
		MemoryReader: &ByteReader{Base: 0, Data: data},
		Path:         path,
		Format:       FormatRaw,
		Size:         uint64(fi.Size()),
		closers:      []io.Closer{unmap, f},
	}, nil
}

type closerFunc func() error

func (fn closerFunc) Close() error { return fn() }
