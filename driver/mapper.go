package driver

import (
	"fmt"

	"github.com/c35s/bss2k/dma"
	"github.com/c35s/bss2k/hw"
)

// window backs one 2M slice of the card's address space.
type window struct {
	index int
	buf   *dma.Buffer
}

// setupWindows allocates every window, publishes the bus addresses in the
// mapping slots and checks that the card accepted them. On failure nothing
// stays allocated.
func (d *Device) setupWindows() error {
	for i := range d.windows {
		b, err := d.cfg.Alloc.AllocCoherent(hw.WindowSize)
		if err != nil {
			d.freeWindows()
			return fmt.Errorf("%w: window %d: %w", ErrAllocation, i, err)
		}

		d.windows[i] = window{index: i, buf: b}
	}

	for _, w := range d.windows {
		d.regs.setMapping(w.index, w.buf.Addr)
	}

	if d.regs.readStatus()&hw.StsMappingError != 0 {
		d.log.Error("status still shows mapping error after configuration")
		d.teardownWindows()
		return ErrMappingRejected
	}

	return nil
}

// teardownWindows clears the mapping slots so the card keeps no stale
// addresses, then frees the windows.
func (d *Device) teardownWindows() {
	for i := range d.windows {
		d.regs.setMapping(i, 0)
	}

	d.freeWindows()
}

func (d *Device) freeWindows() {
	for i, w := range d.windows {
		if w.buf == nil {
			continue
		}

		if err := d.cfg.Alloc.Free(w.buf); err != nil {
			d.log.Warn("free window", "window", i, "err", err)
		}

		d.windows[i] = window{}
	}
}

// translate splits an address into window number and offset.
func translate(addr int64) (win, off int, ok bool) {
	if addr < 0 || addr >= hw.MemSize {
		return 0, 0, false
	}

	return int(addr >> hw.WindowBits), int(addr & (hw.WindowSize - 1)), true
}
