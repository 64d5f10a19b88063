package driver

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/c35s/bss2k/hw"
	"golang.org/x/sys/unix"
)

// PollMask reports readiness.
type PollMask uint32

// PollIn is set when a frame event happened since the file last polled.
const PollIn PollMask = unix.POLLIN

// File is an open handle on a device. It is safe for concurrent use; reads and
// writes through the file position are serialized.
type File struct {
	dev *Device
	w   *waiter

	mu         sync.Mutex
	pos        int64
	lastSeen   uint64
	registered bool
	closed     bool
	closeC     chan struct{}
}

var (
	_ io.ReadWriteSeeker = (*File)(nil)
	_ io.ReaderAt        = (*File)(nil)
	_ io.WriterAt        = (*File)(nil)
	_ io.Closer          = (*File)(nil)
)

// Open opens a new handle on the device.
func (d *Device) Open() (*File, error) {
	if d.removed.Load() {
		return nil, ErrDeviceUnavailable
	}

	f := &File{
		dev:    d,
		w:      newWaiter(),
		closeC: make(chan struct{}),
	}

	return f, nil
}

// device returns the file's device if both are still usable.
func (f *File) device() (*Device, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	if f.dev.removed.Load() {
		return nil, ErrDeviceUnavailable
	}

	return f.dev, nil
}

// Device returns the device the file was opened on.
func (f *File) Device() *Device {
	return f.dev
}

// Read reads from the card's address space at the file position.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}

	if err := f.dev.acquire(); err != nil {
		return 0, err
	}

	defer f.dev.release()

	n, err := f.dev.readAt(p, f.pos)
	f.pos += int64(n)

	if err == nil && n == 0 && len(p) > 0 {
		err = io.EOF
	}

	return n, err
}

// Write writes to the card's address space at the file position.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}

	if err := f.dev.acquire(); err != nil {
		return 0, err
	}

	defer f.dev.release()

	n, err := f.dev.writeAt(p, f.pos)
	f.pos += int64(n)

	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	d, err := f.device()
	if err != nil {
		return 0, err
	}

	if err := d.acquire(); err != nil {
		return 0, err
	}

	defer d.release()

	n, err := d.readAt(p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}

	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	d, err := f.device()
	if err != nil {
		return 0, err
	}

	if err := d.acquire(); err != nil {
		return 0, err
	}

	defer d.release()

	return d.writeAt(p, off)
}

// Seek sets the file position. Positions past the end of the address space
// are allowed; reads there return io.EOF.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}

	var pos int64

	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.pos + offset
	case io.SeekEnd:
		pos = hw.MemSize + offset
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidArgument, whence)
	}

	if pos < 0 {
		return 0, fmt.Errorf("%w: negative position", ErrInvalidArgument)
	}

	f.pos = pos
	return pos, nil
}

// Poll registers the file on the device wait queue and reports PollIn if
// a frame event happened since the last Poll that reported it.
func (f *File) Poll() (PollMask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}

	if !f.registered {
		f.dev.wq.add(f.w)
		f.registered = true
	}

	if n := f.dev.events.Load(); n != f.lastSeen {
		f.lastSeen = n
		return PollIn, nil
	}

	return 0, nil
}

// Wait blocks until Poll reports PollIn, ctx is done, the file is closed or
// the device is removed.
func (f *File) Wait(ctx context.Context) error {
	for {
		m, err := f.Poll()
		if err != nil {
			return err
		}

		if m&PollIn != 0 {
			return nil
		}

		select {
		case <-f.w.c:
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closeC:
			return ErrClosed
		case <-f.dev.gone:
			return ErrDeviceUnavailable
		}
	}
}

// EventFD returns a non-blocking eventfd that becomes readable whenever the
// device wakes its waiters. The fd belongs to the file; Close closes it.
func (f *File) EventFD() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return -1, err
	}

	f.w.mu.Lock()
	defer f.w.mu.Unlock()

	if f.w.efd < 0 {
		fd, err := newEventFD()
		if err != nil {
			return -1, fmt.Errorf("eventfd: %w", err)
		}

		f.w.efd = fd
	}

	if !f.registered {
		f.dev.wq.add(f.w)
		f.registered = true
	}

	return f.w.efd, nil
}

// Close unregisters the file from the wait queue and wakes a blocked Wait.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	f.closed = true
	close(f.closeC)

	if f.registered {
		f.dev.wq.remove(f.w)
		f.registered = false
	}

	f.w.mu.Lock()
	defer f.w.mu.Unlock()

	if f.w.efd >= 0 {
		unix.Close(f.w.efd)
		f.w.efd = -1
	}

	return nil
}

// check is like device, for callers already holding f.mu.
func (f *File) check() error {
	if f.closed {
		return ErrClosed
	}

	if f.dev.removed.Load() {
		return ErrDeviceUnavailable
	}

	return nil
}
