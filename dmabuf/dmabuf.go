// Package dmabuf shares device memory between an exporting driver and importing
// devices. An exporter wraps its memory in a Buffer with Export and hands out a
// handle with FD; importers resolve the handle with Lookup, Attach to it and Map
// the attachment to get a scatter-gather table they can DMA from.
package dmabuf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c35s/bss2k/dma"
)

// Importer identifies the device an attachment maps the buffer for.
type Importer interface {
	DeviceName() string
}

// Ops is implemented by exporters.
type Ops interface {

	// Attach is called when an importer attaches. It may set a.Peer2Peer and a.Priv.
	Attach(b *Buffer, a *Attachment) error

	// Map returns a table describing the buffer for the attachment's importer.
	Map(a *Attachment, dir dma.Direction) (*dma.SGTable, error)

	// Unmap releases a table returned by Map.
	Unmap(a *Attachment, sg *dma.SGTable, dir dma.Direction)

	// Release is called once, after the last reference to the buffer is dropped.
	Release(b *Buffer)
}

// ExportInfo describes a buffer to export.
type ExportInfo struct {
	Name     string
	Size     int
	ReadOnly bool
	Ops      Ops
	Priv     any
}

type Buffer struct {
	name     string
	size     int
	readOnly bool
	ops      Ops

	// Priv is the exporter's private data.
	Priv any

	mu       sync.Mutex
	refs     int
	attached map[*Attachment]struct{}
	released bool
}

// Attachment is an importer's registered intent to map a buffer.
type Attachment struct {
	Buf      *Buffer
	Importer Importer

	// Peer2Peer is set by the exporter if the importer can reach the buffer's
	// memory directly.
	Peer2Peer bool

	// Priv is the exporter's per-attachment data.
	Priv any

	mu       sync.Mutex
	sg       *dma.SGTable
	dir      dma.Direction
	detached bool
}

var (
	ErrInvalidExport = errors.New("dmabuf: invalid export info")
	ErrReleased      = errors.New("dmabuf: buffer released")
	ErrBadHandle     = errors.New("dmabuf: bad handle")
	ErrDetached      = errors.New("dmabuf: attachment detached")
	ErrDirection     = errors.New("dmabuf: mapped in another direction")
	ErrNotMapped     = errors.New("dmabuf: table is not mapped by this attachment")
)

// Export creates a buffer. The caller owns the returned reference.
func Export(info ExportInfo) (*Buffer, error) {
	if info.Ops == nil || info.Size <= 0 {
		return nil, fmt.Errorf("%w: %q size %d", ErrInvalidExport, info.Name, info.Size)
	}

	return &Buffer{
		name:     info.Name,
		size:     info.Size,
		readOnly: info.ReadOnly,
		ops:      info.Ops,
		Priv:     info.Priv,
		refs:     1,
		attached: make(map[*Attachment]struct{}),
	}, nil
}

func (b *Buffer) Name() string   { return b.name }
func (b *Buffer) Size() int      { return b.size }
func (b *Buffer) ReadOnly() bool { return b.readOnly }

// Get takes a reference.
func (b *Buffer) Get() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return ErrReleased
	}

	b.refs++
	return nil
}

// Put drops a reference. Dropping the last one releases the buffer.
func (b *Buffer) Put() {
	b.mu.Lock()
	if b.refs == 0 {
		b.mu.Unlock()
		panic("dmabuf: put of released buffer")
	}

	b.refs--
	release := b.refs == 0
	if release {
		b.released = true
	}
	b.mu.Unlock()

	if release {
		b.ops.Release(b)
	}
}

// Released reports whether the buffer's release callback has run.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Attachments returns the number of live attachments.
func (b *Buffer) Attachments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attached)
}

// Attach registers imp with the buffer. The attachment holds a reference to the
// buffer until it is detached.
func (b *Buffer) Attach(imp Importer) (*Attachment, error) {
	if err := b.Get(); err != nil {
		return nil, err
	}

	a := &Attachment{Buf: b, Importer: imp}
	if err := b.ops.Attach(b, a); err != nil {
		b.Put()
		return nil, err
	}

	b.mu.Lock()
	b.attached[a] = struct{}{}
	b.mu.Unlock()

	return a, nil
}

// Detach unmaps the attachment if necessary and drops its reference.
func (b *Buffer) Detach(a *Attachment) error {
	a.mu.Lock()
	if a.detached {
		a.mu.Unlock()
		return ErrDetached
	}

	if a.sg != nil {
		b.ops.Unmap(a, a.sg, a.dir)
		a.sg = nil
	}

	a.detached = true
	a.mu.Unlock()

	b.mu.Lock()
	delete(b.attached, a)
	b.mu.Unlock()

	b.Put()
	return nil
}

// Map maps the attachment. While mapped, further calls in the same direction
// return the same table.
func (a *Attachment) Map(dir dma.Direction) (*dma.SGTable, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.detached {
		return nil, ErrDetached
	}

	if a.sg != nil {
		if a.dir != dir {
			return nil, fmt.Errorf("%w: %v != %v", ErrDirection, dir, a.dir)
		}

		return a.sg, nil
	}

	sg, err := a.Buf.ops.Map(a, dir)
	if err != nil {
		return nil, err
	}

	a.sg = sg
	a.dir = dir

	return sg, nil
}

// Unmap releases a table returned by Map.
func (a *Attachment) Unmap(sg *dma.SGTable) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.detached {
		return ErrDetached
	}

	if sg == nil || sg != a.sg {
		return ErrNotMapped
	}

	a.Buf.ops.Unmap(a, sg, a.dir)
	a.sg = nil

	return nil
}

// Mapped reports whether the attachment currently holds a table.
func (a *Attachment) Mapped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sg != nil
}
