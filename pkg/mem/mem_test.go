package mem

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplicedReader(t *testing.T) {
	data := []byte{}
	data2 := []byte{}
	for i := 0; i < 100; i++ {
		data = append(data, byte(i))
		data2 = append(data2, byte(i+100))
	}

	type region struct {
		data   []byte
		off    uint64
		length uint64
	}
	tests := []struct {
		name     string
		regions  []region
		readAddr uint64
		readLen  int
		want     []byte
	}{
		{
			"Insert after",
			[]region{
				{data, 0, 1},
				{data2, 1, 1},
			},
			0,
			2,
			[]byte{0, 101},
		},
		{
			"Insert before",
			[]region{
				{data, 1, 1},
				{data2, 0, 1},
			},
			0,
			2,
			[]byte{100, 1},
		},
		{
			"Completely overwrite",
			[]region{
				{data, 1, 1},
				{data2, 0, 3},
			},
			0,
			3,
			[]byte{100, 101, 102},
		},
		{
			"Overwrite end",
			[]region{
				{data, 0, 2},
				{data2, 1, 2},
			},
			0,
			3,
			[]byte{0, 101, 102},
		},
		{
			"Overwrite start",
			[]region{
				{data, 0, 3},
				{data2, 0, 2},
			},
			0,
			3,
			[]byte{100, 101, 2},
		},
		{
			"Punch hole",
			[]region{
				{data, 0, 5},
				{data2, 1, 3},
			},
			0,
			5,
			[]byte{0, 101, 102, 103, 4},
		},
		{
			"Overlap two",
			[]region{
				{data, 10, 4},
				{data, 14, 4},
				{data2, 12, 4},
			},
			10,
			8,
			[]byte{10, 11, 112, 113, 114, 115, 16, 17},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mem := &SplicedMemory{}
			for _, region := range test.regions {
				r := bytes.NewReader(region.data)
				mem.Add(&OffsetReaderAt{r, 0}, region.off, region.length)
			}
			got := make([]byte, test.readLen)
			n, err := mem.ReadMemory(got, test.readAddr)
			if n != test.readLen || err != nil || !reflect.DeepEqual(got, test.want) {
				t.Errorf("ReadAt = %v, %v, %v, want %v, %v, %v", n, err, got, test.readLen, nil, test.want)
			}
		})
	}
}

func TestSplicedReaderHole(t *testing.T) {
	data := make([]byte, 32)
	mem := &SplicedMemory{}
	mem.Add(&OffsetReaderAt{bytes.NewReader(data), 0}, 0, 8)
	mem.Add(&OffsetReaderAt{bytes.NewReader(data), 0}, 16, 8)

	buf := make([]byte, 16)
	_, err := mem.ReadMemory(buf, 0)
	var rerr *ReadError
	if !errors.As(err, &rerr) {
		t.Fatalf("reading across a hole: expected *ReadError, got %v", err)
	}
	if _, err := mem.ReadMemory(buf[:4], 0x100); !errors.As(err, &rerr) {
		t.Fatalf("reading outside every region: expected *ReadError, got %v", err)
	}
}

func TestReadWord(t *testing.T) {
	r := &ByteReader{Base: 0x1000, Data: []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0xff}}
	w, err := ReadWord(r, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if w != 0x1122334455667788 {
		t.Fatalf("ReadWord = %#x", w)
	}

	// a word straddling the end of memory must fail, not be zero filled
	_, err = ReadWord(r, 0x1004)
	var rerr *ReadError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *ReadError, got %v", err)
	}
	if rerr.Addr != 0x1004 || rerr.Len != 8 {
		t.Fatalf("unexpected error contents %#v", rerr)
	}
	if _, err := ReadWord(r, 0x10); !errors.As(err, &rerr) {
		t.Fatalf("expected *ReadError below base, got %v", err)
	}
}

func TestReadUint(t *testing.T) {
	r := &ByteReader{Data: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}}
	for _, tc := range []struct {
		size int
		want uint64
	}{
		{1, 0x01},
		{2, 0x0201},
		{4, 0x04030201},
		{8, 0x0807060504030201},
		{3, 0x030201},
	} {
		got, err := ReadUint(r, 0, tc.size)
		if err != nil || got != tc.want {
			t.Errorf("ReadUint(size=%d) = %#x, %v; want %#x", tc.size, got, err, tc.want)
		}
	}
	if _, err := ReadUint(r, 0, 9); err == nil {
		t.Error("expected error for size 9")
	}
}

type countingReader struct {
	MemoryReader
	reads int
}

func (r *countingReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	r.reads++
	return r.MemoryReader.ReadMemory(buf, addr)
}

func TestCacheMemory(t *testing.T) {
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	cr := &countingReader{MemoryReader: &ByteReader{Data: data}}
	cached := CacheMemory(cr, 16, 16)
	if cr.reads != 1 {
		t.Fatalf("expected one read to fill the cache, got %d", cr.reads)
	}
	w, err := ReadWord(cached, 24)
	if err != nil || w != 0x1f1e1d1c1b1a1918 {
		t.Fatalf("ReadWord from cache = %#x, %v", w, err)
	}
	if cr.reads != 1 {
		t.Fatalf("cached read went to the backing memory")
	}
	if _, err := ReadWord(cached, 28); err != nil {
		t.Fatal(err)
	}
	if cr.reads != 2 {
		t.Fatalf("read outside the cache should hit the backing memory")
	}
	if same := CacheMemory(cached, 20, 4); same != cached {
		t.Fatalf("nested range should reuse the cache")
	}
	if uncached := CacheMemory(cr, 60, 16); uncached != MemoryReader(cr) {
		t.Fatalf("unreadable range should return the backing memory")
	}
}

func TestOpenRawImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.raw")
	data := make([]byte, 0x2000)
	binary.LittleEndian.PutUint64(data[0x1008:], 0xdeadbeefcafe)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	img, err := OpenImage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()
	if img.Format != FormatRaw || img.Size != 0x2000 {
		t.Fatalf("unexpected image %s size %#x", img.Format, img.Size)
	}
	w, err := ReadWord(img, 0x1008)
	if err != nil || w != 0xdeadbeefcafe {
		t.Fatalf("ReadWord = %#x, %v", w, err)
	}
	if _, err := ReadWord(img, 0x1ffc); err == nil {
		t.Fatal("expected error reading past the end of the image")
	}
}

// writeCoreImage writes an ELF core file with one PT_LOAD segment holding
// data at physical address paddr.
func writeCoreImage(t *testing.T, path string, paddr uint64, data []byte) {
	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Off:    64 + 56,
		Vaddr:  paddr,
		Paddr:  paddr,
		Filesz: uint64(len(data)),
		Memsz:  uint64(len(data)),
	}
	binary.Write(&buf, binary.LittleEndian, &hdr)
	binary.Write(&buf, binary.LittleEndian, &prog)
	buf.Write(data)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestOpenELFImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.elf")
	data := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(data[0x10:], 0x1234)
	writeCoreImage(t, path, 0x100000, data)

	img, err := OpenImage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()
	if img.Format != FormatELF {
		t.Fatalf("format = %s", img.Format)
	}
	w, err := ReadWord(img, 0x100010)
	if err != nil || w != 0x1234 {
		t.Fatalf("ReadWord = %#x, %v", w, err)
	}
	if _, err := ReadWord(img, 0x10); err == nil {
		t.Fatal("expected error reading below the dumped RAM")
	}
}
