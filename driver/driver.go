// Package driver is the host-agnostic core of the bss2k driver. It probes a
// card, maps the card's 16M address space onto host DMA windows, exposes that
// space through File handles with read/write/ioctl/poll entry points, exports
// the text mode framebuffer as a dmabuf and turns the card's interrupt into a
// frame counter that open files can wait on.
//
// A hosting shim (a kernel module, a socket daemon, a test) calls Register
// once, Probe for every card, Open for every user, and Unregister at the end.
package driver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/c35s/bss2k/dma"
	"github.com/c35s/bss2k/hw"
	"golang.org/x/sys/unix"
)

// Card is the hardware the driver binds to. *hw.Card implements it.
type Card interface {
	Name() string
	ID() (vendor, device uint16)

	// ReadReg and WriteReg access the BAR2 register file.
	ReadReg(i int) uint64
	WriteReg(i int, v uint64)

	// Peer returns the card's BAR0 peer memory.
	Peer() *dma.PeerPool

	RequestIRQ(handler func()) error
	FreeIRQ()
}

// Allocator provides coherent DMA memory. *dma.Allocator implements it.
type Allocator interface {
	AllocCoherent(size int) (*dma.Buffer, error)
	Free(b *dma.Buffer) error
}

// Config describes how to bind a card.
type Config struct {

	// Alloc provides the window and trampoline memory. It must be the memory
	// the card's bus reaches. It is required.
	Alloc Allocator

	// Topology decides whether importers can map the card's peer memory
	// directly. If Topology is nil, every importer goes through the trampoline.
	Topology *dma.Topology

	// Logger receives diagnostics. If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

var (
	ErrDeviceUnavailable = errors.New("bss2k: device unavailable")
	ErrAllocation        = errors.New("bss2k: allocation failed")
	ErrMappingRejected   = errors.New("bss2k: mapping rejected by hardware")
	ErrNoSpace           = errors.New("bss2k: no space left on device")
	ErrUnsupported       = errors.New("bss2k: unsupported operation")
	ErrInvalidArgument   = errors.New("bss2k: invalid argument")
	ErrClosed            = errors.New("bss2k: file already closed")
	ErrRegistered        = errors.New("bss2k: driver already registered")
	ErrNotRegistered     = errors.New("bss2k: driver not registered")
	ErrNoMinor           = errors.New("bss2k: no free minor number")
	ErrConfig            = errors.New("bss2k: invalid config")
)

// Errno maps an error returned by this package to the errno a character device
// would return.
func Errno(err error) unix.Errno {
	var errno unix.Errno

	switch {
	case err == nil:
		return 0

	case errors.As(err, &errno):
		return errno

	case errors.Is(err, ErrDeviceUnavailable),
		errors.Is(err, ErrMappingRejected),
		errors.Is(err, ErrNotRegistered):
		return unix.ENODEV

	case errors.Is(err, ErrAllocation):
		return unix.ENOMEM

	case errors.Is(err, ErrNoSpace):
		return unix.ENOSPC

	case errors.Is(err, ErrUnsupported):
		return unix.ENOTTY

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrConfig):
		return unix.EINVAL

	case errors.Is(err, ErrClosed):
		return unix.EBADF

	case errors.Is(err, ErrRegistered),
		errors.Is(err, ErrNoMinor):
		return unix.EBUSY

	case errors.Is(err, context.DeadlineExceeded):
		return unix.ETIMEDOUT

	case errors.Is(err, context.Canceled):
		return unix.EINTR

	default:
		return unix.EIO
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Alloc == nil {
		return errors.New("allocator is not set")
	}

	return nil
}

// ids lists the cards the driver binds to.
var ids = []struct{ vendor, device uint16 }{
	{hw.VendorID, hw.DeviceID},
}
