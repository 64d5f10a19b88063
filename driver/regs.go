package driver

import "github.com/c35s/bss2k/hw"

// regs accesses the card's register block. The driver's own control writes
// carry the mask bits of the value bits they change.
type regs struct {
	card Card
}

// reset disables interrupts, then holds the CPU in reset.
func (r regs) reset() {
	r.writeIntMask(0)
	r.card.WriteReg(hw.RegControl, hw.CtlMaskReset|hw.CtlReset)
}

// start enables interrupts, then releases the CPU from reset.
func (r regs) start() {
	r.writeIntMask(hw.IntHalted | hw.IntSwap)
	r.card.WriteReg(hw.RegControl, hw.CtlMaskReset)
}

func (r regs) readStatus() uint64    { return r.card.ReadReg(hw.RegStatus) }
func (r regs) readControl() uint64   { return r.card.ReadReg(hw.RegControl) }
func (r regs) readIntStatus() uint64 { return r.card.ReadReg(hw.RegIntStatus) }
func (r regs) readIntMask() uint64   { return r.card.ReadReg(hw.RegIntMask) }

// writeControl writes a raw control word; the caller supplies the mask bits.
func (r regs) writeControl(v uint64) {
	r.card.WriteReg(hw.RegControl, v)
}

func (r regs) writeIntMask(v uint64) {
	r.card.WriteReg(hw.RegIntMask, v)
}

func (r regs) setMapping(slot int, addr uint64) {
	r.card.WriteReg(hw.RegMapping+slot, addr)
}

func (r regs) setTextMode(addr uint64) {
	r.card.WriteReg(hw.RegTextMode, addr)
}
