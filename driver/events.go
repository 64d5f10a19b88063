package driver

// interrupt is the top half. The card calls it from its IRQ goroutine; it only
// counts the interrupt and kicks the bottom half.
func (d *Device) interrupt() {
	d.pending.Add(1)

	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// bottomHalf turns every pending interrupt into one frame event and wakes
// every waiter.
func (d *Device) bottomHalf() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stop:
			return
		case <-d.kick:
		}

		for d.pending.Load() > 0 {
			d.pending.Add(^uint64(0))
			d.events.Add(1)
			d.wq.wakeAll()
		}
	}
}

// Events returns the number of frame events seen since Probe.
func (d *Device) Events() uint64 {
	return d.events.Load()
}
