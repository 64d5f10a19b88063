package hw

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/bss2k/dma"
)

// Card is an emulated bss2k card.
type Card struct {
	cfg  Config
	log  *slog.Logger
	peer *dma.PeerPool

	mu    sync.Mutex
	state cardState

	// cpu
	cpuGen    uint64
	cpuCancel context.CancelFunc

	// interrupt line
	irq     func()
	pending int
	irqC    chan struct{}

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

type cardState struct {
	running   bool
	fault     bool
	control   uint64
	intStatus uint64
	intMask   uint64
	textMode  uint64
	mapping   [NumWindows]uint64
	badMap    [NumWindows]bool
}

// New powers on a card. The emulated CPU starts out in reset with interrupts
// disabled and no windows mapped.
func New(cfg Config) (*Card, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	peer, err := dma.NewPeerPool(cfg.Name, cfg.PeerBase, cfg.PeerSize, cfg.Topology)
	if err != nil {
		return nil, fmt.Errorf("hw: BAR0: %w", err)
	}

	c := &Card{
		cfg:  cfg,
		log:  cfg.Logger.With("card", cfg.Name),
		peer: peer,
		irqC: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	c.state.control = CtlReset

	c.wg.Add(1)
	go c.deliverIRQs()

	if cfg.Refresh > 0 {
		c.wg.Add(1)
		go c.refresh(cfg.Refresh)
	}

	return c, nil
}

// Name returns the card's topology name.
func (c *Card) Name() string {
	return c.cfg.Name
}

// ID returns the card's PCI vendor and device IDs.
func (c *Card) ID() (vendor, device uint16) {
	return VendorID, DeviceID
}

// Peer returns the card's BAR0 peer memory.
func (c *Card) Peer() *dma.PeerPool {
	return c.peer
}

// RequestIRQ installs the interrupt handler. The handler is called on the card's
// interrupt goroutine once per enabled interrupt; it should return quickly.
func (c *Card) RequestIRQ(handler func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if c.irq != nil {
		return ErrIRQBusy
	}

	c.irq = handler
	return nil
}

// FreeIRQ removes the interrupt handler. Interrupts raised afterwards are lost.
func (c *Card) FreeIRQ() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irq = nil
	c.pending = 0
}

// Close powers the card off.
func (c *Card) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	c.stopCPU()
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
	return c.peer.Close()
}

// raise latches bits in the interrupt status register and fires the line for
// the enabled ones. c.mu must be held.
func (c *Card) raise(bits uint64) {
	c.state.intStatus |= bits
	if bits&c.state.intMask == 0 || c.irq == nil {
		return
	}

	c.pending++
	select {
	case c.irqC <- struct{}{}:
	default:
	}
}

func (c *Card) deliverIRQs() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.irqC:
		}

		for {
			c.mu.Lock()
			n, h := c.pending, c.irq
			c.pending = 0
			c.mu.Unlock()

			if n == 0 || h == nil {
				break
			}

			for i := 0; i < n; i++ {
				h()
			}
		}
	}
}

func (c *Card) refresh(every time.Duration) {
	defer c.wg.Done()

	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return

		case <-t.C:
			if err := c.Present(); err != nil {
				c.log.Debug("refresh failed", "err", err)
			}
		}
	}
}
