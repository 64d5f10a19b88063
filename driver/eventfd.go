package driver

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

func newEventFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// signalEventFD adds one to the eventfd counter. A full counter means the
// reader is already readable, so EAGAIN is ignored.
func signalEventFD(fd int) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	unix.Write(fd, b[:])
}
