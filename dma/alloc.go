package dma

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a physically contiguous, DMA-capable allocation.
type Buffer struct {

	// Addr is the bus address the device uses to reach Data.
	Addr uint64

	// Data is the host mapping of the buffer.
	Data []byte
}

// Allocator hands out coherent DMA buffers and resolves bus addresses back to
// host memory. The zero value is ready to use.
type Allocator struct {

	// Base is the first bus address handed out. If Base is 0, DefaultBase is used.
	Base uint64

	// Limit caps the number of bytes allocated at once. Zero means no limit.
	Limit int

	mu    sync.Mutex
	next  uint64
	live  map[uint64]*Buffer
	stats Stats
}

// Stats counts allocator activity.
type Stats struct {
	Allocs    int
	Frees     int
	Failures  int
	LiveBytes int
}

// AllocCoherent allocates size bytes of zeroed memory and assigns it a bus address
// aligned to the largest power of two not above size (at most 2M).
func (a *Allocator) AllocCoherent(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Limit > 0 && a.stats.LiveBytes+size > a.Limit {
		a.stats.Failures++
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrNoMemory, size, a.stats.LiveBytes, a.Limit)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		a.stats.Failures++
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	if a.live == nil {
		a.live = make(map[uint64]*Buffer)
		a.next = a.Base
		if a.next == 0 {
			a.next = DefaultBase
		}
	}

	addr := alignUp(a.next, naturalAlign(size))
	a.next = addr + alignUp(uint64(size), PageSize)

	b := &Buffer{Addr: addr, Data: mem}
	a.live[addr] = b
	a.stats.Allocs++
	a.stats.LiveBytes += size

	return b, nil
}

// Free releases a buffer returned by AllocCoherent.
func (a *Allocator) Free(b *Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if b == nil || a.live[b.Addr] != b {
		return ErrNotAllocated
	}

	delete(a.live, b.Addr)
	a.stats.Frees++
	a.stats.LiveBytes -= len(b.Data)

	err := unix.Munmap(b.Data)
	b.Data = nil

	return err
}

// MemAt returns the host memory behind the bus range [addr, addr+size).
// The range must lie within a single live buffer.
func (a *Allocator) MemAt(addr uint64, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for base, b := range a.live {
		if addr >= base && addr+uint64(size) <= base+uint64(len(b.Data)) {
			off := addr - base
			return b.Data[off : off+uint64(size)], nil
		}
	}

	return nil, fmt.Errorf("%w: %#x+%#x", ErrBadAddress, addr, size)
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
