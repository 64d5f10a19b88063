package dma

import (
	"fmt"
	"sync"
)

// Topology records which root port each device sits behind and whether a root
// port forwards peer-to-peer transactions between its devices.
type Topology struct {
	mu    sync.RWMutex
	roots map[string]bool
	port  map[string]string
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{
		roots: make(map[string]bool),
		port:  make(map[string]string),
	}
}

// AddRoot adds a root port. If p2p is false, devices behind it can't reach each other.
func (t *Topology) AddRoot(name string, p2p bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roots[name] = p2p
}

// Attach places device behind root.
func (t *Topology) Attach(device, root string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.roots[root]; !ok {
		return fmt.Errorf("%w: root port %q", ErrUnknownDevice, root)
	}

	t.port[device] = root
	return nil
}

// Detach removes device from the topology.
func (t *Topology) Detach(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.port, device)
}

// Distance returns the peer-to-peer distance between provider and client, or
// ErrNoPeerPath if client can't reach provider's memory directly. A nil
// topology has no paths.
func (t *Topology) Distance(provider, client string) (int, error) {
	if t == nil {
		return 0, ErrNoPeerPath
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	pr, ok := t.port[provider]
	if !ok {
		return 0, fmt.Errorf("%w: %w: %q", ErrNoPeerPath, ErrUnknownDevice, provider)
	}

	cr, ok := t.port[client]
	if !ok {
		return 0, fmt.Errorf("%w: %w: %q", ErrNoPeerPath, ErrUnknownDevice, client)
	}

	switch {
	case provider == client:
		return 0, nil

	case pr != cr:
		return 0, fmt.Errorf("%w: %q and %q are behind different root ports", ErrNoPeerPath, provider, client)

	case !t.roots[pr]:
		return 0, fmt.Errorf("%w: root port %q doesn't forward peer transactions", ErrNoPeerPath, pr)

	default:
		return 2, nil
	}
}
