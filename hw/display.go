package hw

import "fmt"

// Present copies the text mode buffer to the framebuffer target and raises the
// swap interrupt. It does nothing while the update display control bit is clear.
// The target is the bus address in the text mode register, or BAR0 if that is 0.
func (c *Card) Present() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	enabled := c.state.control&CtlUpdateDisplay != 0
	c.mu.Unlock()

	if !enabled {
		return nil
	}

	dst, err := c.Framebuffer()
	if err != nil {
		return err
	}

	if _, err := (cardMemory{c}).ReadAt(dst, int64(c.cfg.TextModeAddr)); err != nil {
		return fmt.Errorf("hw: text mode buffer: %w", err)
	}

	c.mu.Lock()
	c.raise(IntSwap)
	c.mu.Unlock()

	return nil
}

// Framebuffer returns the memory the display engine currently presents into.
func (c *Card) Framebuffer() ([]byte, error) {
	c.mu.Lock()
	target := c.state.textMode
	c.mu.Unlock()

	if target == 0 {
		return c.peer.MemAt(c.peer.Base(), ApertureSize)
	}

	fb, err := c.cfg.Bus.MemAt(target, ApertureSize)
	if err != nil {
		return nil, fmt.Errorf("hw: framebuffer target %#x: %w", target, err)
	}

	return fb, nil
}
