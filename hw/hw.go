// Package hw emulates the bss2k coprocessor card: a 64-bit register file behind
// BAR2, peer-reachable framebuffer memory behind BAR0, an emulated CPU that runs
// out of a 16M address space assembled from host DMA windows, a display engine
// and an interrupt line.
package hw

import (
	"errors"
	"log/slog"
	"time"

	"github.com/c35s/bss2k/dma"
)

// PCI identity
const (
	VendorID = 0x1172
	DeviceID = 0x1337
)

// BAR2 register indices. Each register is 64 bits wide.

const (
	RegStatus    = 0  // status (R)
	RegControl   = 1  // control, value bits 0-31, mask bits 32-63 (RW)
	RegIntStatus = 2  // interrupt status (R, write 1 to clear)
	RegIntMask   = 3  // interrupt enable mask (RW)
	RegTextMode  = 4  // framebuffer target bus address, 0 = BAR0 (RW)
	RegMapping   = 16 // first address-space window slot (RW)

	NumRegs = 32 // 256 bytes
)

// status register bits

const (
	StsRunning      = 1 << 0 // the emulated CPU is running
	StsMappingError = 1 << 1 // a window slot holds an address the card can't use
	StsCPUFault     = 1 << 2 // the emulated CPU stopped with an error
)

// control register bits

const (
	CtlReset         = 1 << 0 // hold the emulated CPU in reset
	CtlUpdateDisplay = 1 << 1 // present the text mode buffer on refresh

	CtlMaskShift         = 32
	CtlMaskReset         = CtlReset << CtlMaskShift
	CtlMaskUpdateDisplay = CtlUpdateDisplay << CtlMaskShift

	ctlValueBits = CtlReset | CtlUpdateDisplay
)

// interrupt bits

const (
	IntHalted = 1 << 0 // the emulated CPU stopped by itself
	IntSwap   = 1 << 1 // a frame was presented
)

// address space geometry: the emulated CPU has 24 address bits, mapped in 2M
// windows, so 3 bits of window number and 21 bits of offset

const (
	AddressWidth = 24
	WindowBits   = 21
	WindowSize   = 1 << WindowBits
	NumWindows   = 1 << (AddressWidth - WindowBits)
	MemSize      = 1 << AddressWidth

	// ApertureSize is the size of the text mode framebuffer.
	ApertureSize = 0x200000
)

const (
	DefaultName     = "0000:01:00.0"
	DefaultPeerBase = 0xe0000000
)

var (
	ErrConfig   = errors.New("hw: invalid config")
	ErrIRQBusy  = errors.New("hw: IRQ already requested")
	ErrNotFound = errors.New("hw: address not mapped")
	ErrClosed   = errors.New("hw: card closed")
)

// MemoryBus resolves bus addresses to host memory. *dma.Allocator implements it.
type MemoryBus interface {
	MemAt(addr uint64, size int) ([]byte, error)
}

// Config describes a new card.
type Config struct {

	// Name identifies the card in the topology. If Name is empty, DefaultName is used.
	Name string

	// Bus is the host memory the card reaches by DMA. It is required.
	Bus MemoryBus

	// Topology, if set, decides which devices can reach the card's peer memory.
	Topology *dma.Topology

	// PeerBase is the bus address of BAR0. If PeerBase is 0, DefaultPeerBase is used.
	PeerBase uint64

	// PeerSize is the size of BAR0. If PeerSize is 0, it is ApertureSize.
	PeerSize int

	// CPU runs while the card is out of reset. If CPU is nil, IdleCPU is used.
	CPU CPU

	// TextModeAddr is where the text mode buffer lives in the emulated address space.
	TextModeAddr uint32

	// Refresh, if positive, presents a frame at this interval.
	Refresh time.Duration

	// Logger receives diagnostics. If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}

	if cfg.PeerBase == 0 {
		cfg.PeerBase = DefaultPeerBase
	}

	if cfg.PeerSize == 0 {
		cfg.PeerSize = ApertureSize
	}

	if cfg.CPU == nil {
		cfg.CPU = IdleCPU{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Bus == nil {
		return errors.New("memory bus is not set")
	}

	if cfg.PeerSize < ApertureSize {
		return errors.New("peer memory is smaller than the aperture")
	}

	if cfg.TextModeAddr >= MemSize || MemSize-cfg.TextModeAddr < ApertureSize {
		return errors.New("text mode buffer doesn't fit in the address space")
	}

	return nil
}
