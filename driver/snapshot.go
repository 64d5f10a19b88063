package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/c35s/bss2k/hw"
	"github.com/cavaliergopher/cpio"
)

const (
	windowEntry    = "window"
	registersEntry = "registers"
)

// Snapshot writes the card's address space and its control registers to w as
// a cpio archive with one entry per window.
func (d *Device) Snapshot(w io.Writer) error {
	if err := d.acquire(); err != nil {
		return err
	}

	defer d.release()

	cw := cpio.NewWriter(w)

	for _, win := range d.windows {
		err := cw.WriteHeader(&cpio.Header{
			Name: windowEntry + strconv.Itoa(win.index),
			Mode: 0644,
			Size: hw.WindowSize,
		})

		if err != nil {
			return fmt.Errorf("snapshot window %d: %w", win.index, err)
		}

		if _, err := cw.Write(win.buf.Data); err != nil {
			return fmt.Errorf("snapshot window %d: %w", win.index, err)
		}
	}

	regs := binary.LittleEndian.AppendUint64(nil, d.regs.readControl())
	regs = binary.LittleEndian.AppendUint64(regs, d.regs.readIntMask())

	err := cw.WriteHeader(&cpio.Header{
		Name: registersEntry,
		Mode: 0444,
		Size: int64(len(regs)),
	})

	if err != nil {
		return fmt.Errorf("snapshot registers: %w", err)
	}

	if _, err := cw.Write(regs); err != nil {
		return fmt.Errorf("snapshot registers: %w", err)
	}

	return cw.Close()
}

// Restore reads an archive written by Snapshot back into the windows. Entries
// it doesn't know are skipped; registers are left alone.
func (d *Device) Restore(r io.Reader) error {
	if err := d.acquire(); err != nil {
		return err
	}

	defer d.release()

	cr := cpio.NewReader(r)

	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}

		i, ok := windowIndex(hdr.Name)
		if !ok {
			d.log.Debug("restore: skip entry", "name", hdr.Name)
			continue
		}

		if hdr.Size != hw.WindowSize {
			return fmt.Errorf("%w: restore %s: size %d", ErrInvalidArgument, hdr.Name, hdr.Size)
		}

		if _, err := io.ReadFull(cr, d.windows[i].buf.Data); err != nil {
			return fmt.Errorf("restore %s: %w", hdr.Name, err)
		}
	}
}

func windowIndex(name string) (int, bool) {
	s, ok := strings.CutPrefix(name, windowEntry)
	if !ok {
		return 0, false
	}

	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i >= hw.NumWindows {
		return 0, false
	}

	return i, true
}
