package hw

// ReadReg reads the BAR2 register at index i. Reads outside the register file
// return all ones, like a PCI master abort.
func (c *Card) ReadReg(i int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case i == RegStatus:
		return c.status()

	case i == RegControl:
		return c.state.control

	case i == RegIntStatus:
		return c.state.intStatus

	case i == RegIntMask:
		return c.state.intMask

	case i == RegTextMode:
		return c.state.textMode

	case i >= RegMapping && i < RegMapping+NumWindows:
		return c.state.mapping[i-RegMapping]

	case i >= 0 && i < NumRegs:
		return 0

	default:
		return ^uint64(0)
	}
}

// WriteReg writes the BAR2 register at index i. Writes to read-only or
// unimplemented registers are ignored.
func (c *Card) WriteReg(i int, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	switch {
	case i == RegControl:
		c.writeControl(v)

	case i == RegIntStatus:
		c.state.intStatus &^= v

	case i == RegIntMask:
		c.state.intMask = v

	case i == RegTextMode:
		c.state.textMode = v

	case i >= RegMapping && i < RegMapping+NumWindows:
		c.writeMapping(i-RegMapping, v)

	default:
		c.log.Debug("ignored register write", "reg", i, "value", v)
	}
}

func (c *Card) status() uint64 {
	var s uint64

	if c.state.running {
		s |= StsRunning
	}

	if c.state.fault {
		s |= StsCPUFault
	}

	for _, bad := range c.state.badMap {
		if bad {
			s |= StsMappingError
			break
		}
	}

	return s
}

// writeControl applies the value bits whose mask bits are set and leaves the
// others alone.
func (c *Card) writeControl(v uint64) {
	mask := (v >> CtlMaskShift) & ctlValueBits
	old := c.state.control
	c.state.control = old&^mask | v&mask

	switch {
	case old&CtlReset == 0 && c.state.control&CtlReset != 0:
		c.stopCPU()

	case old&CtlReset != 0 && c.state.control&CtlReset == 0:
		c.startCPU()
	}
}

func (c *Card) writeMapping(slot int, addr uint64) {
	c.state.mapping[slot] = addr
	c.state.badMap[slot] = false

	if addr == 0 {
		return
	}

	if addr%WindowSize != 0 {
		c.state.badMap[slot] = true
		c.log.Warn("unaligned window", "slot", slot, "addr", addr)
		return
	}

	if _, err := c.cfg.Bus.MemAt(addr, WindowSize); err != nil {
		c.state.badMap[slot] = true
		c.log.Warn("window not reachable", "slot", slot, "addr", addr, "err", err)
	}
}
