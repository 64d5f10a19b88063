package driver

import (
	"fmt"
	"sync"

	"github.com/c35s/bss2k/dma"
	"github.com/c35s/bss2k/dmabuf"
	"github.com/c35s/bss2k/hw"
)

// mapKind records how an attachment is currently mapped.
type mapKind int

const (
	mapNone mapKind = iota
	mapPeer
	mapStaging
)

type attachState struct {
	kind mapKind
}

// broker implements dmabuf.Ops for the framebuffer aperture. Importers that
// can reach the card's BAR0 get its memory directly. Everyone else gets a
// trampoline buffer in host memory that the card copies the text mode screen
// into. Once the trampoline is installed, it stays.
type broker struct {
	d *Device

	mu      sync.Mutex
	staging *dma.Buffer
}

func (b *broker) Attach(buf *dmabuf.Buffer, a *dmabuf.Attachment) error {
	dist, err := b.d.cfg.Topology.Distance(b.d.card.Name(), a.Importer.DeviceName())
	a.Peer2Peer = err == nil
	a.Priv = &attachState{}

	b.d.log.Debug("attach", "importer", a.Importer.DeviceName(), "p2p", a.Peer2Peer, "distance", dist)
	return nil
}

func (b *broker) Map(a *dmabuf.Attachment, dir dma.Direction) (*dma.SGTable, error) {
	st := a.Priv.(*attachState)

	if err := b.d.acquire(); err != nil {
		return nil, err
	}

	defer b.d.release()

	b.mu.Lock()
	defer b.mu.Unlock()

	if a.Peer2Peer && b.staging == nil {
		sg, err := b.mapPeer(a, dir)
		if err == nil {
			st.kind = mapPeer
			return sg, nil
		}

		b.d.log.Info("peer mapping failed, using trampoline", "importer", a.Importer.DeviceName(), "err", err)
	}

	a.Peer2Peer = false

	if b.staging == nil {
		buf, err := b.d.cfg.Alloc.AllocCoherent(hw.ApertureSize)
		if err != nil {
			b.d.log.Error("allocate trampoline", "err", err)
			return nil, fmt.Errorf("%w: trampoline: %w", ErrAllocation, err)
		}

		b.staging = buf
		b.d.regs.setTextMode(buf.Addr)
		b.d.log.Info("trampoline installed", "addr", fmt.Sprintf("%#x", buf.Addr))
	}

	st.kind = mapStaging

	sg := &dma.SGTable{
		Entries: []dma.SGEntry{{Addr: b.staging.Addr, Len: hw.ApertureSize, Data: b.staging.Data}},
		Dir:     dir,
	}

	return sg, nil
}

func (b *broker) mapPeer(a *dmabuf.Attachment, dir dma.Direction) (*dma.SGTable, error) {
	peer := b.d.card.Peer()
	if peer == nil {
		return nil, dma.ErrNoPeerPath
	}

	sg, err := peer.AllocSG(hw.ApertureSize)
	if err != nil {
		return nil, err
	}

	if err := peer.MapSG(a.Importer.DeviceName(), sg, dir); err != nil {
		peer.FreeSG(sg)
		return nil, err
	}

	return sg, nil
}

func (b *broker) Unmap(a *dmabuf.Attachment, sg *dma.SGTable, dir dma.Direction) {
	st := a.Priv.(*attachState)

	if st.kind == mapPeer {
		if err := b.d.card.Peer().FreeSG(sg); err != nil {
			b.d.log.Warn("free peer table", "err", err)
		}
	}

	st.kind = mapNone
}

func (b *broker) Release(buf *dmabuf.Buffer) {
	b.d.log.Debug("release", "buffer", buf.Name())
}

// free drops the trampoline. The caller has already pointed TEXTMODE away.
func (b *broker) free() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.staging == nil {
		return
	}

	if err := b.d.cfg.Alloc.Free(b.staging); err != nil {
		b.d.log.Warn("free trampoline", "err", err)
	}

	b.staging = nil
}

// ExportFramebuffer exports the framebuffer aperture as a read-only buffer
// object and returns its handle. The caller owns the handle's reference.
func (d *Device) ExportFramebuffer() (int, error) {
	if err := d.acquire(); err != nil {
		return 0, err
	}

	defer d.release()

	return d.exportFramebuffer()
}

func (d *Device) exportFramebuffer() (int, error) {
	buf, err := dmabuf.Export(dmabuf.ExportInfo{
		Name:     d.name,
		Size:     hw.ApertureSize,
		ReadOnly: true,
		Ops:      &d.broker,
		Priv:     d,
	})

	if err != nil {
		d.log.Error("export framebuffer", "err", err)
		return 0, err
	}

	fd, err := buf.FD()
	if err != nil {
		buf.Put()
		return 0, err
	}

	return fd, nil
}

// Staging reports the trampoline's bus address, if one is installed.
func (d *Device) Staging() (addr uint64, ok bool) {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()

	if d.broker.staging == nil {
		return 0, false
	}

	return d.broker.staging.Addr, true
}
