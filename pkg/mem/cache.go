package mem

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	return addr >= m.cacheAddr && end >= addr && end <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

// CacheMemory reads size bytes at addr in one request and returns a
// MemoryReader that serves reads inside that range from the copy. Reads
// outside the range, or every read if the range could not be read, go to
// mem. The returned reader is meant to live for a single decode: it is a
// snapshot of a structure, not a cache of the target.
func CacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	if err := Read(mem, cache, addr); err != nil {
		return mem
	}
	return &memCache{addr, cache, mem}
}
