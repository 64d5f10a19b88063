package hw

import (
	"context"
	"fmt"
	"io"
)

// CPU is the program-executing core of the card.
type CPU interface {

	// Run executes until the program halts or ctx is cancelled. A non-nil error
	// latches the CPU fault status bit. Run must return promptly once ctx is done.
	Run(ctx context.Context, mem Memory) error
}

// Memory is the emulated CPU's view of the card: the 16M address space as
// mapped through the window slots, plus the display engine.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	// Present asks the display engine to show the text mode buffer.
	Present() error
}

// CPUFunc adapts a function to the CPU interface.
type CPUFunc func(ctx context.Context, mem Memory) error

func (f CPUFunc) Run(ctx context.Context, mem Memory) error {
	return f(ctx, mem)
}

// IdleCPU runs until it is reset.
type IdleCPU struct{}

func (IdleCPU) Run(ctx context.Context, mem Memory) error {
	<-ctx.Done()
	return nil
}

// startCPU releases the CPU from reset. c.mu must be held.
func (c *Card) startCPU() {
	ctx, cancel := context.WithCancel(context.Background())

	c.cpuGen++
	gen := c.cpuGen
	c.cpuCancel = cancel
	c.state.running = true
	c.state.fault = false

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		err := c.cfg.CPU.Run(ctx, cardMemory{c})

		c.mu.Lock()
		defer c.mu.Unlock()

		// reset or powered off in the meantime
		if gen != c.cpuGen {
			return
		}

		c.cpuCancel = nil
		c.state.running = false
		c.state.fault = err != nil

		if err != nil {
			c.log.Info("cpu fault", "err", err)
		}

		c.raise(IntHalted)
	}()
}

// stopCPU puts the CPU back in reset. c.mu must be held.
func (c *Card) stopCPU() {
	c.cpuGen++
	c.state.running = false

	if c.cpuCancel != nil {
		c.cpuCancel()
		c.cpuCancel = nil
	}
}

type cardMemory struct {
	c *Card
}

func (m cardMemory) ReadAt(p []byte, addr int64) (int, error) {
	return m.c.access(p, addr, false)
}

func (m cardMemory) WriteAt(p []byte, addr int64) (int, error) {
	return m.c.access(p, addr, true)
}

func (m cardMemory) Present() error {
	return m.c.Present()
}

// access copies between p and the address space, window by window, through
// the addresses currently in the mapping slots.
func (c *Card) access(p []byte, addr int64, isWrite bool) (n int, err error) {
	if addr < 0 {
		return 0, fmt.Errorf("hw: negative address %d", addr)
	}

	c.mu.Lock()
	mapping := c.state.mapping
	c.mu.Unlock()

	for n < len(p) {
		if addr >= MemSize {
			return n, io.EOF
		}

		var (
			slot = addr >> WindowBits
			off  = addr & (WindowSize - 1)
			size = min(len(p)-n, int(WindowSize-off))
		)

		if mapping[slot] == 0 {
			return n, fmt.Errorf("%w: window %d", ErrNotFound, slot)
		}

		mem, err := c.cfg.Bus.MemAt(mapping[slot]+uint64(off), size)
		if err != nil {
			return n, err
		}

		if isWrite {
			copy(mem, p[n:n+size])
		} else {
			copy(p[n:n+size], mem)
		}

		n += size
		addr += int64(size)
	}

	return n, nil
}
