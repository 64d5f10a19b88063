package dmabuf

import (
	"fmt"
	"sync"
)

// handles is the process-wide handle table. Handles play the role of file
// descriptors: they can be passed to an unrelated subsystem which resolves
// them with Lookup.
var handles struct {
	mu   sync.Mutex
	next int
	m    map[int]*Buffer
}

// FD installs the buffer in the handle table and returns its handle. The table
// takes over the caller's reference; Close drops it.
func (b *Buffer) FD() (int, error) {
	if b.Released() {
		return -1, ErrReleased
	}

	handles.mu.Lock()
	defer handles.mu.Unlock()

	if handles.m == nil {
		handles.m = make(map[int]*Buffer)
	}

	handles.next++
	fd := handles.next
	handles.m[fd] = b

	return fd, nil
}

// Lookup resolves a handle and takes a reference to the buffer. The caller must
// Put it.
func Lookup(fd int) (*Buffer, error) {
	handles.mu.Lock()
	b, ok := handles.m[fd]
	handles.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, fd)
	}

	if err := b.Get(); err != nil {
		return nil, err
	}

	return b, nil
}

// Close removes a handle from the table and drops its reference.
func Close(fd int) error {
	handles.mu.Lock()
	b, ok := handles.m[fd]
	delete(handles.m, fd)
	handles.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrBadHandle, fd)
	}

	b.Put()
	return nil
}
