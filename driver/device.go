package driver

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c35s/bss2k/hw"
)

// Device is a bound card.
type Device struct {
	name  string
	minor int

	card Card
	cfg  Config
	log  *slog.Logger
	regs regs
	copy copier

	windows [hw.NumWindows]window
	broker  broker

	events  atomic.Uint64
	pending atomic.Uint64
	kick    chan struct{}
	wq      waitQueue

	// mu is held shared while a caller touches the windows or registers
	// and exclusively by Remove while it tears them down.
	mu      sync.RWMutex
	removed atomic.Bool
	gone    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Probe binds a card. It resets the card, maps its address space, hooks its
// interrupt and publishes the device under the name returned by Name. If any
// step fails, everything done so far is undone.
func Probe(card Card, cfg Config) (*Device, error) {
	if !registered() {
		return nil, ErrNotRegistered
	}

	if !supported(card) {
		vendor, device := card.ID()
		return nil, fmt.Errorf("%w: unsupported card %04x:%04x", ErrDeviceUnavailable, vendor, device)
	}

	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	d := &Device{
		minor: -1,
		card:  card,
		cfg:   cfg,
		log:   cfg.Logger.With("card", card.Name()),
		regs:  regs{card: card},
		copy:  copyBytes,
		kick:  make(chan struct{}, 1),
		gone:  make(chan struct{}),
		stop:  make(chan struct{}),
	}

	d.broker.d = d

	// keep the CPU quiet while the windows move
	d.regs.reset()

	if err := d.setupWindows(); err != nil {
		d.log.Error("setup windows", "err", err)
		return nil, err
	}

	d.wg.Add(1)
	go d.bottomHalf()

	if err := card.RequestIRQ(d.interrupt); err != nil {
		d.log.Error("request irq", "err", err)
		d.stopWorker()
		d.teardownWindows()
		return nil, fmt.Errorf("%w: irq: %w", ErrDeviceUnavailable, err)
	}

	if err := addDevice(d); err != nil {
		card.FreeIRQ()
		d.stopWorker()
		d.teardownWindows()
		return nil, err
	}

	d.log = d.log.With("dev", d.name)
	d.log.Info("probed")

	return d, nil
}

// Name returns the device's class name, like "bss2k-0".
func (d *Device) Name() string {
	return d.name
}

// Card returns the bound card.
func (d *Device) Card() Card {
	return d.card
}

// Remove unbinds the card. Open files fail with ErrDeviceUnavailable from now
// on and blocked Waits return. Exported buffers must have no attachments left.
func (d *Device) Remove() error {
	if d.removed.Swap(true) {
		return ErrDeviceUnavailable
	}

	close(d.gone)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.regs.reset()
	d.card.FreeIRQ()
	d.stopWorker()

	d.regs.setTextMode(0)
	d.broker.free()
	d.teardownWindows()

	removeDevice(d)
	d.log.Info("removed")

	return nil
}

// acquire holds off Remove until release is called. It fails once the device
// is removed.
func (d *Device) acquire() error {
	d.mu.RLock()

	if d.removed.Load() {
		d.mu.RUnlock()
		return ErrDeviceUnavailable
	}

	return nil
}

func (d *Device) release() {
	d.mu.RUnlock()
}

func (d *Device) stopWorker() {
	close(d.stop)
	d.wg.Wait()
}

func supported(card Card) bool {
	vendor, device := card.ID()

	for _, id := range ids {
		if id.vendor == vendor && id.device == device {
			return true
		}
	}

	return false
}
