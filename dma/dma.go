// Package dma models the host side of device memory: coherent buffers with bus
// addresses, scatter-gather tables, a peer-memory BAR and the root-port topology
// that decides whether two devices can reach each other directly.
package dma

import (
	"errors"
	"fmt"
)

// Direction is the direction of a DMA mapping, as seen from the device.
type Direction int

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
	None
)

const (
	PageSize = 0x1000

	// DefaultBase is the first bus address handed out by an Allocator with no Base.
	DefaultBase = 0x100000000
)

var (
	ErrNoMemory      = errors.New("dma: out of memory")
	ErrInvalidSize   = errors.New("dma: invalid size")
	ErrNotAllocated  = errors.New("dma: buffer not allocated here")
	ErrBadAddress    = errors.New("dma: bad bus address")
	ErrNoPeerPath    = errors.New("dma: no peer-to-peer path")
	ErrUnknownDevice = errors.New("dma: unknown device")
)

func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"

	case ToDevice:
		return "to-device"

	case FromDevice:
		return "from-device"

	case None:
		return "none"

	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// alignUp aligns value up to align, which must be a power of two.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// naturalAlign returns the largest power of two <= size, clamped to [PageSize, 2M].
func naturalAlign(size int) uint64 {
	a := uint64(PageSize)
	for a<<1 <= uint64(size) && a < 1<<21 {
		a <<= 1
	}
	return a
}
