package driver

import (
	"fmt"
	"sync"
)

// MaxDevices is the number of minors the class can hand out.
const MaxDevices = 16

// class is the process-wide driver registration.
var class struct {
	mu         sync.Mutex
	registered bool
	minors     [MaxDevices]*Device
}

// Register registers the driver class. Probe fails until it is called.
func Register() error {
	class.mu.Lock()
	defer class.mu.Unlock()

	if class.registered {
		return ErrRegistered
	}

	class.registered = true
	return nil
}

// Unregister removes every remaining device and unregisters the class.
func Unregister() error {
	class.mu.Lock()

	if !class.registered {
		class.mu.Unlock()
		return ErrNotRegistered
	}

	class.registered = false

	var devs []*Device
	for _, d := range class.minors {
		if d != nil {
			devs = append(devs, d)
		}
	}

	class.mu.Unlock()

	for _, d := range devs {
		d.Remove()
	}

	return nil
}

func registered() bool {
	class.mu.Lock()
	defer class.mu.Unlock()

	return class.registered
}

// addDevice assigns the lowest free minor and names the device after it.
func addDevice(d *Device) error {
	class.mu.Lock()
	defer class.mu.Unlock()

	if !class.registered {
		return ErrNotRegistered
	}

	for i, m := range class.minors {
		if m == nil {
			d.minor = i
			d.name = fmt.Sprintf("bss2k-%d", i)
			class.minors[i] = d
			return nil
		}
	}

	return ErrNoMinor
}

func removeDevice(d *Device) {
	class.mu.Lock()
	defer class.mu.Unlock()

	if d.minor >= 0 && class.minors[d.minor] == d {
		class.minors[d.minor] = nil
	}
}

// Lookup finds a probed device by name.
func Lookup(name string) (*Device, error) {
	class.mu.Lock()
	defer class.mu.Unlock()

	for _, d := range class.minors {
		if d != nil && d.name == name {
			return d, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, name)
}

// Open opens a handle on the named device.
func Open(name string) (*File, error) {
	d, err := Lookup(name)
	if err != nil {
		return nil, err
	}

	return d.Open()
}

// Devices returns the names of all probed devices.
func Devices() []string {
	class.mu.Lock()
	defer class.mu.Unlock()

	var names []string
	for _, d := range class.minors {
		if d != nil {
			names = append(names, d.name)
		}
	}

	return names
}
