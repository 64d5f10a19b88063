package dma

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PeerPool is device memory exposed through a BAR that other devices can reach
// directly when the topology allows it. Allocations are page granular.
type PeerPool struct {
	provider string
	base     uint64
	mem      []byte
	topo     *Topology

	mu   sync.Mutex
	used []bool // one per page
}

// NewPeerPool publishes size bytes of provider's memory at bus address base.
// A nil topology means no other device can ever reach the pool.
func NewPeerPool(provider string, base uint64, size int, topo *Topology) (*PeerPool, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("%w: peer pool size %d", ErrInvalidSize, size)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	return &PeerPool{
		provider: provider,
		base:     base,
		mem:      mem,
		topo:     topo,
		used:     make([]bool, size/PageSize),
	}, nil
}

// Provider returns the name of the device that owns the pool.
func (p *PeerPool) Provider() string {
	return p.provider
}

// Base returns the bus address of the start of the pool.
func (p *PeerPool) Base() uint64 {
	return p.base
}

// Size returns the size of the pool in bytes.
func (p *PeerPool) Size() int {
	return len(p.mem)
}

// AllocSG carves a contiguous piece of size bytes out of the pool and returns it
// as a one-entry table.
func (p *PeerPool) AllocSG(size int) (*SGTable, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	pages := int(alignUp(uint64(size), PageSize) / PageSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	run := 0
	for i := range p.used {
		if p.used[i] {
			run = 0
			continue
		}

		run++
		if run < pages {
			continue
		}

		first := i - pages + 1
		for j := first; j <= i; j++ {
			p.used[j] = true
		}

		off := first * PageSize
		return &SGTable{
			Entries: []SGEntry{{
				Addr: p.base + uint64(off),
				Len:  size,
				Data: p.mem[off : off+size],
			}},
		}, nil
	}

	return nil, fmt.Errorf("%w: no %d contiguous bytes in %s peer memory", ErrNoMemory, size, p.provider)
}

// FreeSG returns the pages of a table allocated by AllocSG to the pool.
func (p *PeerPool) FreeSG(t *SGTable) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range t.Entries {
		if e.Addr < p.base || e.Addr+uint64(e.Len) > p.base+uint64(len(p.mem)) {
			return fmt.Errorf("%w: %#x is not %s peer memory", ErrNotAllocated, e.Addr, p.provider)
		}

		first := int(e.Addr-p.base) / PageSize
		pages := int(alignUp(uint64(e.Len), PageSize) / PageSize)
		for j := first; j < first+pages; j++ {
			p.used[j] = false
		}
	}

	t.Entries = nil
	return nil
}

// MapSG maps a peer table for client. It fails with ErrNoPeerPath if the
// topology doesn't allow client to reach the pool directly.
func (p *PeerPool) MapSG(client string, t *SGTable, dir Direction) error {
	if _, err := p.topo.Distance(p.provider, client); err != nil {
		return err
	}

	t.Dir = dir
	return nil
}

// MemAt returns the pool memory behind the bus range [addr, addr+size).
func (p *PeerPool) MemAt(addr uint64, size int) ([]byte, error) {
	if addr < p.base || addr+uint64(size) > p.base+uint64(len(p.mem)) {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrBadAddress, addr, size)
	}

	off := addr - p.base
	return p.mem[off : off+uint64(size)], nil
}

// Contains reports whether addr falls inside the pool.
func (p *PeerPool) Contains(addr uint64) bool {
	return addr >= p.base && addr < p.base+uint64(len(p.mem))
}

// Close unmaps the pool's memory.
func (p *PeerPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mem == nil {
		return nil
	}

	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}
