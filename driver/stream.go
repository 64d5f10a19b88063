package driver

import "github.com/c35s/bss2k/hw"

// copier moves bytes between caller memory and a window. It returns the
// number of bytes moved, which may be short if the caller's memory faults.
type copier func(dst, src []byte) int

func copyBytes(dst, src []byte) int {
	return copy(dst, src)
}

// clamp limits a transfer of n bytes at off to the end of the address space.
func clamp(off int64, n int) int {
	switch {
	case off >= hw.MemSize:
		return 0

	case off+int64(n) > hw.MemSize:
		return int(hw.MemSize - off)

	default:
		return n
	}
}

// readAt copies from the address space at off into p, window by window. A short
// copy ends the transfer; the count so far is returned.
func (d *Device) readAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidArgument
	}

	count := clamp(off, len(p))
	total := 0

	for count > 0 {
		win, inWin, _ := translate(off)

		toCopy := min(count, hw.WindowSize-inWin)
		copied := d.copy(p[total:total+toCopy], d.windows[win].buf.Data[inWin:inWin+toCopy])

		off += int64(copied)
		total += copied
		count -= copied

		if copied < toCopy {
			break
		}
	}

	return total, nil
}

// writeAt copies p into the address space at off, window by window. It fails
// with ErrNoSpace only if nothing was written.
func (d *Device) writeAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidArgument
	}

	count := clamp(off, len(p))
	total := 0

	for count > 0 {
		win, inWin, _ := translate(off)

		toCopy := min(count, hw.WindowSize-inWin)
		copied := d.copy(d.windows[win].buf.Data[inWin:inWin+toCopy], p[total:total+toCopy])

		off += int64(copied)
		total += copied
		count -= copied

		if copied < toCopy {
			break
		}
	}

	if total == 0 && len(p) > 0 {
		return 0, ErrNoSpace
	}

	return total, nil
}
