package driver_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/c35s/bss2k/dma"
	"github.com/c35s/bss2k/dmabuf"
	"github.com/c35s/bss2k/driver"
	"github.com/c35s/bss2k/hw"
	"github.com/cavaliergopher/cpio"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	if err := driver.Register(); err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}

type fixture struct {
	dev   *driver.Device
	card  *hw.Card
	alloc *dma.Allocator
	file  *driver.File
}

// probe binds a fresh card backed by alloc, or by a new allocator if alloc is nil.
func probe(t *testing.T, hcfg hw.Config, alloc *dma.Allocator) fixture {
	t.Helper()

	if alloc == nil {
		alloc = new(dma.Allocator)
	}

	hcfg.Bus = alloc

	card, err := hw.New(hcfg)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { card.Close() })

	dev, err := driver.Probe(card, driver.Config{
		Alloc:    alloc,
		Topology: hcfg.Topology,
	})

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { dev.Remove() })

	f, err := dev.Open()
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { f.Close() })

	return fixture{dev: dev, card: card, alloc: alloc, file: f}
}

func (fx fixture) ioctl(t *testing.T, cmd driver.Cmd, arg uint64) uint64 {
	t.Helper()

	if err := fx.file.Ioctl(cmd, &arg); err != nil {
		t.Fatalf("%v: %v", cmd, err)
	}

	return arg
}

// waitEvents waits for the device's frame counter to reach n.
func waitEvents(t *testing.T, dev *driver.Device, n uint64) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for dev.Events() < n {
		if time.Now().After(deadline) {
			t.Fatalf("events = %d, want %d", dev.Events(), n)
		}

		time.Sleep(time.Millisecond)
	}
}

func TestRegister(t *testing.T) {
	if err := driver.Register(); !errors.Is(err, driver.ErrRegistered) {
		t.Errorf("second Register: %v", err)
	}
}

func TestUnregister(t *testing.T) {
	alloc := new(dma.Allocator)
	card, err := hw.New(hw.Config{Bus: alloc})
	if err != nil {
		t.Fatal(err)
	}

	defer card.Close()

	dev, err := driver.Probe(card, driver.Config{Alloc: alloc})
	if err != nil {
		t.Fatal(err)
	}

	f, err := driver.Open(dev.Name())
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	if err := driver.Unregister(); err != nil {
		t.Fatal(err)
	}

	defer func() {
		if err := driver.Register(); err != nil {
			t.Fatal(err)
		}
	}()

	if err := driver.Unregister(); !errors.Is(err, driver.ErrNotRegistered) {
		t.Errorf("second Unregister: %v", err)
	}

	if _, err := driver.Lookup(dev.Name()); !errors.Is(err, driver.ErrDeviceUnavailable) {
		t.Errorf("Lookup after Unregister: %v", err)
	}

	if _, err := f.Read(make([]byte, 1)); !errors.Is(err, driver.ErrDeviceUnavailable) {
		t.Errorf("Read after Unregister: %v", err)
	}

	if _, err := driver.Probe(card, driver.Config{Alloc: alloc}); !errors.Is(err, driver.ErrNotRegistered) {
		t.Errorf("Probe after Unregister: %v", err)
	}

	if s := alloc.Stats(); s.LiveBytes != 0 {
		t.Errorf("%d bytes still allocated", s.LiveBytes)
	}
}

func TestProbe(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)

	if !strings.HasPrefix(fx.dev.Name(), "bss2k-") {
		t.Errorf("name = %q", fx.dev.Name())
	}

	if d, err := driver.Lookup(fx.dev.Name()); err != nil || d != fx.dev {
		t.Errorf("Lookup = %p, %v", d, err)
	}

	if !slicesContain(driver.Devices(), fx.dev.Name()) {
		t.Errorf("Devices() = %v doesn't list %s", driver.Devices(), fx.dev.Name())
	}

	for i := 0; i < hw.NumWindows; i++ {
		if fx.card.ReadReg(hw.RegMapping+i) == 0 {
			t.Errorf("window %d not mapped", i)
		}
	}

	if s := fx.ioctl(t, driver.CmdReadStatus, 0); s != 0 {
		t.Errorf("status = %#x", s)
	}

	if got, want := fx.alloc.Stats().LiveBytes, hw.MemSize; got != want {
		t.Errorf("live bytes = %#x, want %#x", got, want)
	}
}

func slicesContain(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}

	return false
}

type foreignCard struct{ *hw.Card }

func (foreignCard) ID() (uint16, uint16) { return 0x8086, 0x1234 }

func TestProbeFailure(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		alloc := new(dma.Allocator)
		card, err := hw.New(hw.Config{Bus: alloc})
		if err != nil {
			t.Fatal(err)
		}

		defer card.Close()

		if _, err := driver.Probe(foreignCard{card}, driver.Config{Alloc: alloc}); !errors.Is(err, driver.ErrDeviceUnavailable) {
			t.Errorf("Probe: %v", err)
		}
	})

	t.Run("config", func(t *testing.T) {
		card, err := hw.New(hw.Config{Bus: new(dma.Allocator)})
		if err != nil {
			t.Fatal(err)
		}

		defer card.Close()

		if _, err := driver.Probe(card, driver.Config{}); !errors.Is(err, driver.ErrConfig) {
			t.Errorf("Probe: %v", err)
		}
	})

	t.Run("allocation", func(t *testing.T) {
		alloc := &dma.Allocator{Limit: 3 * hw.WindowSize}
		card, err := hw.New(hw.Config{Bus: alloc})
		if err != nil {
			t.Fatal(err)
		}

		defer card.Close()

		_, err = driver.Probe(card, driver.Config{Alloc: alloc})
		if !errors.Is(err, driver.ErrAllocation) || !errors.Is(err, dma.ErrNoMemory) {
			t.Errorf("Probe: %v", err)
		}

		want := dma.Stats{Allocs: 3, Frees: 3, Failures: 1}
		if diff := cmp.Diff(want, alloc.Stats()); diff != "" {
			t.Errorf("allocator stats mismatch (-want +got):\n%s", diff)
		}

		for i := 0; i < hw.NumWindows; i++ {
			if v := card.ReadReg(hw.RegMapping + i); v != 0 {
				t.Errorf("slot %d = %#x", i, v)
			}
		}
	})

	t.Run("mapping rejected", func(t *testing.T) {
		// the card can't see the driver's memory
		card, err := hw.New(hw.Config{Bus: new(dma.Allocator)})
		if err != nil {
			t.Fatal(err)
		}

		defer card.Close()

		alloc := new(dma.Allocator)
		if _, err := driver.Probe(card, driver.Config{Alloc: alloc}); !errors.Is(err, driver.ErrMappingRejected) {
			t.Errorf("Probe: %v", err)
		}

		if s := alloc.Stats(); s.LiveBytes != 0 || s.Allocs != hw.NumWindows {
			t.Errorf("allocator stats = %+v", s)
		}

		if s := card.ReadReg(hw.RegStatus); s&hw.StsMappingError != 0 {
			t.Errorf("status = %#x after unwinding", s)
		}
	})

	t.Run("irq busy", func(t *testing.T) {
		alloc := new(dma.Allocator)
		card, err := hw.New(hw.Config{Bus: alloc})
		if err != nil {
			t.Fatal(err)
		}

		defer card.Close()

		if err := card.RequestIRQ(func() {}); err != nil {
			t.Fatal(err)
		}

		_, err = driver.Probe(card, driver.Config{Alloc: alloc})
		if !errors.Is(err, driver.ErrDeviceUnavailable) || !errors.Is(err, hw.ErrIRQBusy) {
			t.Errorf("Probe: %v", err)
		}

		if s := alloc.Stats(); s.LiveBytes != 0 {
			t.Errorf("%d bytes still allocated", s.LiveBytes)
		}
	})
}

func TestResetStart(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)

	type regs struct {
		Status, Control, IntMask uint64
	}

	read := func() regs {
		return regs{
			Status:  fx.ioctl(t, driver.CmdReadStatus, 0),
			Control: fx.ioctl(t, driver.CmdReadControl, 0),
			IntMask: fx.ioctl(t, driver.CmdReadIntMask, 0),
		}
	}

	fx.ioctl(t, driver.CmdStartCPU, 0)

	want := regs{Status: hw.StsRunning, Control: 0, IntMask: hw.IntHalted | hw.IntSwap}
	if diff := cmp.Diff(want, read()); diff != "" {
		t.Errorf("after start (-want +got):\n%s", diff)
	}

	fx.ioctl(t, driver.CmdReset, 0)

	want = regs{Status: 0, Control: hw.CtlReset, IntMask: 0}
	if diff := cmp.Diff(want, read()); diff != "" {
		t.Errorf("after reset (-want +got):\n%s", diff)
	}
}

func TestWriteControl(t *testing.T) {
	tests := []struct {
		name  string
		write uint64
		want  uint64
	}{
		{"no mask", hw.CtlUpdateDisplay, hw.CtlReset},
		{"display on", hw.CtlMaskUpdateDisplay | hw.CtlUpdateDisplay, hw.CtlReset | hw.CtlUpdateDisplay},
		{"release reset", hw.CtlMaskReset, hw.CtlUpdateDisplay},
		{"display off", hw.CtlMaskUpdateDisplay, 0},
	}

	fx := probe(t, hw.Config{}, nil)

	for _, tt := range tests {
		fx.ioctl(t, driver.CmdWriteControl, tt.write)
		if got := fx.ioctl(t, driver.CmdReadControl, 0); got != tt.want {
			t.Errorf("%s: control = %#x, want %#x", tt.name, got, tt.want)
		}
	}

	fx.ioctl(t, driver.CmdWriteIntMask, hw.IntSwap)
	if got := fx.ioctl(t, driver.CmdReadIntMask, 0); got != hw.IntSwap {
		t.Errorf("int mask = %#x", got)
	}
}

func TestIoctlErrors(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)

	if err := fx.file.Ioctl(driver.CmdReadStatus, nil); !errors.Is(err, driver.ErrInvalidArgument) {
		t.Errorf("nil arg: %v", err)
	}

	var arg uint64
	if err := fx.file.Ioctl(driver.Cmd(0x1234), &arg); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("unknown cmd: %v", err)
	}

	if err := fx.file.Ioctl(driver.CmdReset, nil); err != nil {
		t.Errorf("reset without arg: %v", err)
	}
}

func TestCmd(t *testing.T) {
	tests := []struct {
		cmd  driver.Cmd
		code uint32
		name string
	}{
		{driver.CmdReset, 0x00009600, "RESET"},
		{driver.CmdStartCPU, 0x00009601, "START_CPU"},
		{driver.CmdReadStatus, 0x80089600, "READ_STATUS"},
		{driver.CmdReadIntMask, 0x80089603, "READ_INT_MASK"},
		{driver.CmdWriteControl, 0x40089600, "WRITE_CONTROL"},
		{driver.CmdWriteIntMask, 0x40089601, "WRITE_INT_MASK"},
		{driver.CmdExportFramebuffer, 0x80049604, "EXPORT_FRAMEBUFFER"},
		{driver.Cmd(0x1234), 0x1234, "Cmd(0x1234)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if uint32(tt.cmd) != tt.code {
				t.Errorf("code = %#x, want %#x", uint32(tt.cmd), tt.code)
			}

			if s := tt.cmd.String(); s != tt.name {
				t.Errorf("String() = %q", s)
			}
		})
	}
}

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{driver.ErrDeviceUnavailable, unix.ENODEV},
		{fmt.Errorf("%w: window 3: oops", driver.ErrAllocation), unix.ENOMEM},
		{driver.ErrMappingRejected, unix.ENODEV},
		{driver.ErrNoSpace, unix.ENOSPC},
		{driver.ErrUnsupported, unix.ENOTTY},
		{driver.ErrInvalidArgument, unix.EINVAL},
		{driver.ErrClosed, unix.EBADF},
		{driver.ErrRegistered, unix.EBUSY},
		{context.DeadlineExceeded, unix.ETIMEDOUT},
		{fmt.Errorf("eventfd: %w", unix.EMFILE), unix.EMFILE},
		{io.ErrUnexpectedEOF, unix.EIO},
	}

	for _, tt := range tests {
		if got := driver.Errno(tt.err); got != tt.want {
			t.Errorf("Errno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestReadWrite(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)
	f := fx.file

	program := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 75)

	for _, off := range []int64{0x1d3748, hw.WindowSize - 50, hw.MemSize - int64(len(program))} {
		n, err := f.WriteAt(program, off)
		if err != nil || n != len(program) {
			t.Fatalf("WriteAt(%#x) = %d, %v", off, n, err)
		}

		got := make([]byte, len(program))
		if n, err := f.ReadAt(got, off); err != nil || n != len(got) {
			t.Fatalf("ReadAt(%#x) = %d, %v", off, n, err)
		}

		if !bytes.Equal(got, program) {
			t.Errorf("ReadAt(%#x) returned different bytes", off)
		}
	}

	// writing the same bytes twice leaves the same state
	if _, err := f.WriteAt(program, 0x1d3748); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(program))
	f.ReadAt(got, 0x1d3748)

	if !bytes.Equal(got, program) {
		t.Error("second write changed the contents")
	}
}

func TestClamp(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)
	f := fx.file

	tests := []struct {
		name string
		off  int64
		len  int
		n    int
		err  error
	}{
		{"inside", 0x1000, 100, 100, nil},
		{"straddles end", hw.MemSize - 10, 100, 10, nil},
		{"at end", hw.MemSize, 100, 0, driver.ErrNoSpace},
		{"past end", hw.MemSize + 0x1000, 1, 0, driver.ErrNoSpace},
		{"empty at end", hw.MemSize, 0, 0, nil},
		{"negative", -1, 1, 0, driver.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := f.WriteAt(make([]byte, tt.len), tt.off)
			if n != tt.n || !errors.Is(err, tt.err) {
				t.Errorf("WriteAt = %d, %v, want %d, %v", n, err, tt.n, tt.err)
			}
		})
	}

	if n, err := f.ReadAt(make([]byte, 100), hw.MemSize-10); n != 10 || err != io.EOF {
		t.Errorf("ReadAt straddling end = %d, %v", n, err)
	}

	if n, err := f.ReadAt(make([]byte, 1), hw.MemSize); n != 0 || err != io.EOF {
		t.Errorf("ReadAt at end = %d, %v", n, err)
	}

	// sequential reads stop at the end
	if pos, err := f.Seek(-4, io.SeekEnd); err != nil || pos != hw.MemSize-4 {
		t.Fatalf("Seek = %d, %v", pos, err)
	}

	buf := make([]byte, 8)
	if n, err := f.Read(buf); n != 4 || err != nil {
		t.Errorf("first Read = %d, %v", n, err)
	}

	if n, err := f.Read(buf); n != 0 || err != io.EOF {
		t.Errorf("second Read = %d, %v", n, err)
	}

	if _, err := f.Seek(-1, io.SeekStart); !errors.Is(err, driver.ErrInvalidArgument) {
		t.Errorf("Seek before start: %v", err)
	}

	if _, err := f.Seek(1<<30, io.SeekStart); err != nil {
		t.Errorf("Seek past end: %v", err)
	}
}

func TestSequentialWrite(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)
	f := fx.file

	if _, err := f.Seek(hw.WindowSize-3, io.SeekStart); err != nil {
		t.Fatal(err)
	}

	for _, s := range []string{"hel", "lo"} {
		if _, err := f.Write([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}

	got := make([]byte, 5)
	if _, err := f.ReadAt(got, hw.WindowSize-3); err != nil {
		t.Fatal(err)
	}

	if string(got) != "hello" {
		t.Errorf("got %q", got)
	}

	if pos, _ := f.Seek(0, io.SeekCurrent); pos != hw.WindowSize+2 {
		t.Errorf("position = %#x", pos)
	}
}

// present shows frames.
func (fx fixture) present(t *testing.T, frames int) {
	t.Helper()

	for i := 0; i < frames; i++ {
		if err := fx.card.Present(); err != nil {
			t.Fatal(err)
		}
	}
}

// enableDisplay starts the CPU and turns the display engine on, so frames
// raise interrupts.
func (fx fixture) enableDisplay(t *testing.T) {
	t.Helper()

	fx.ioctl(t, driver.CmdStartCPU, 0)
	fx.ioctl(t, driver.CmdWriteControl, hw.CtlMaskUpdateDisplay|hw.CtlUpdateDisplay)
}

func TestPoll(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)
	f := fx.file

	if m, err := f.Poll(); m != 0 || err != nil {
		t.Fatalf("Poll before events = %v, %v", m, err)
	}

	fx.enableDisplay(t)
	fx.present(t, 1)
	waitEvents(t, fx.dev, 1)

	if m, _ := f.Poll(); m != driver.PollIn {
		t.Errorf("Poll after event = %v", m)
	}

	if m, _ := f.Poll(); m != 0 {
		t.Errorf("Poll without new event = %v", m)
	}

	// several events coalesce into one readiness report
	fx.present(t, 3)
	waitEvents(t, fx.dev, 4)

	if m, _ := f.Poll(); m != driver.PollIn {
		t.Errorf("Poll after burst = %v", m)
	}

	if m, _ := f.Poll(); m != 0 {
		t.Errorf("Poll after burst again = %v", m)
	}

	// a new handle has seen nothing
	g, err := fx.dev.Open()
	if err != nil {
		t.Fatal(err)
	}

	defer g.Close()

	if m, _ := g.Poll(); m != driver.PollIn {
		t.Errorf("Poll on new file = %v", m)
	}
}

func TestWait(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)
	f := fx.file

	fx.enableDisplay(t)

	errC := make(chan error, 1)
	go func() { errC <- f.Wait(context.Background()) }()

	fx.present(t, 1)

	select {
	case err := <-errC:
		if err != nil {
			t.Errorf("Wait: %v", err)
		}

	case <-time.After(5 * time.Second):
		t.Fatal("Wait didn't return")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait without event: %v", err)
	}
}

func TestWaitClose(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)

	f, err := fx.dev.Open()
	if err != nil {
		t.Fatal(err)
	}

	errC := make(chan error, 1)
	go func() { errC <- f.Wait(context.Background()) }()

	// let Wait register
	time.Sleep(10 * time.Millisecond)

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errC:
		if !errors.Is(err, driver.ErrClosed) {
			t.Errorf("Wait: %v", err)
		}

	case <-time.After(5 * time.Second):
		t.Fatal("Wait didn't return")
	}

	if err := f.Close(); !errors.Is(err, driver.ErrClosed) {
		t.Errorf("second Close: %v", err)
	}

	if _, err := f.Poll(); !errors.Is(err, driver.ErrClosed) {
		t.Errorf("Poll after Close: %v", err)
	}
}

func TestEventFD(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)
	f := fx.file

	fd, err := f.EventFD()
	if err != nil {
		t.Fatal(err)
	}

	if again, _ := f.EventFD(); again != fd {
		t.Errorf("EventFD returned %d, then %d", fd, again)
	}

	buf := make([]byte, 8)
	if _, err := unix.Read(fd, buf); err != unix.EAGAIN {
		t.Errorf("read before event: %v", err)
	}

	fx.enableDisplay(t)
	fx.present(t, 1)
	waitEvents(t, fx.dev, 1)

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if n, err := unix.Poll(pfd, 5000); n != 1 || err != nil {
		t.Fatalf("poll eventfd = %d, %v", n, err)
	}

	if n, err := unix.Read(fd, buf); n != 8 || err != nil {
		t.Errorf("read after event = %d, %v", n, err)
	}
}

func TestRemove(t *testing.T) {
	alloc := new(dma.Allocator)
	card, err := hw.New(hw.Config{Bus: alloc})
	if err != nil {
		t.Fatal(err)
	}

	defer card.Close()

	dev, err := driver.Probe(card, driver.Config{Alloc: alloc})
	if err != nil {
		t.Fatal(err)
	}

	f, err := dev.Open()
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	// install the trampoline so Remove has to free it
	fd, err := dev.ExportFramebuffer()
	if err != nil {
		t.Fatal(err)
	}

	buf, _ := dmabuf.Lookup(fd)
	a, _ := buf.Attach(importer("gpu"))
	if _, err := a.Map(dma.Bidirectional); err != nil {
		t.Fatal(err)
	}

	buf.Detach(a)
	buf.Put()
	dmabuf.Close(fd)

	errC := make(chan error, 1)
	go func() { errC <- f.Wait(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	if err := dev.Remove(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errC:
		if !errors.Is(err, driver.ErrDeviceUnavailable) {
			t.Errorf("Wait: %v", err)
		}

	case <-time.After(5 * time.Second):
		t.Fatal("Wait didn't return")
	}

	if err := dev.Remove(); !errors.Is(err, driver.ErrDeviceUnavailable) {
		t.Errorf("second Remove: %v", err)
	}

	if _, err := f.WriteAt([]byte{1}, 0); !errors.Is(err, driver.ErrDeviceUnavailable) {
		t.Errorf("WriteAt: %v", err)
	}

	var arg uint64
	if err := f.Ioctl(driver.CmdReadStatus, &arg); !errors.Is(err, driver.ErrDeviceUnavailable) {
		t.Errorf("Ioctl: %v", err)
	}

	if _, err := dev.Open(); !errors.Is(err, driver.ErrDeviceUnavailable) {
		t.Errorf("Open: %v", err)
	}

	if s := alloc.Stats(); s.LiveBytes != 0 {
		t.Errorf("%d bytes still allocated", s.LiveBytes)
	}

	for _, reg := range []int{hw.RegTextMode, hw.RegMapping, hw.RegMapping + 7} {
		if v := card.ReadReg(reg); v != 0 {
			t.Errorf("register %d = %#x", reg, v)
		}
	}
}

func TestRemoveDuringTransfer(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)

	var g errgroup.Group
	started := make(chan struct{}, 6)

	transfer := func(write bool) {
		f, err := fx.dev.Open()
		if err != nil {
			t.Fatal(err)
		}

		t.Cleanup(func() { f.Close() })

		g.Go(func() error {
			buf := make([]byte, hw.MemSize)
			started <- struct{}{}

			for {
				var err error
				if write {
					_, err = f.WriteAt(buf, 0)
				} else {
					_, err = f.ReadAt(buf, 0)
				}

				if errors.Is(err, driver.ErrDeviceUnavailable) {
					return nil
				}

				if err != nil {
					return err
				}
			}
		})
	}

	for i := 0; i < 4; i++ {
		transfer(false)
	}

	for i := 0; i < 2; i++ {
		transfer(true)
	}

	for i := 0; i < 6; i++ {
		<-started
	}

	if err := fx.dev.Remove(); err != nil {
		t.Fatal(err)
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if err := fx.dev.Snapshot(io.Discard); !errors.Is(err, driver.ErrDeviceUnavailable) {
		t.Errorf("Snapshot: %v", err)
	}

	if err := fx.dev.Restore(strings.NewReader("")); !errors.Is(err, driver.ErrDeviceUnavailable) {
		t.Errorf("Restore: %v", err)
	}

	if _, err := fx.dev.ExportFramebuffer(); !errors.Is(err, driver.ErrDeviceUnavailable) {
		t.Errorf("ExportFramebuffer: %v", err)
	}

	if s := fx.alloc.Stats(); s.LiveBytes != 0 {
		t.Errorf("%d bytes still allocated", s.LiveBytes)
	}
}

func TestSnapshot(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)
	f := fx.file

	pattern := []byte("snapshot me")
	offsets := []int64{0, hw.WindowSize - 4, 7*hw.WindowSize + 123}

	for _, off := range offsets {
		f.WriteAt(pattern, off)
	}

	var snap bytes.Buffer
	if err := fx.dev.Snapshot(&snap); err != nil {
		t.Fatal(err)
	}

	var names []string
	cr := cpio.NewReader(bytes.NewReader(snap.Bytes()))
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			t.Fatal(err)
		}

		names = append(names, hdr.Name)
	}

	want := []string{"window0", "window1", "window2", "window3", "window4", "window5", "window6", "window7", "registers"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	for _, off := range offsets {
		f.WriteAt(make([]byte, len(pattern)), off)
	}

	if err := fx.dev.Restore(&snap); err != nil {
		t.Fatal(err)
	}

	for _, off := range offsets {
		got := make([]byte, len(pattern))
		f.ReadAt(got, off)

		if !bytes.Equal(got, pattern) {
			t.Errorf("at %#x: got %q", off, got)
		}
	}
}

func TestRestoreBadEntry(t *testing.T) {
	fx := probe(t, hw.Config{}, nil)

	var b bytes.Buffer
	cw := cpio.NewWriter(&b)

	cw.WriteHeader(&cpio.Header{Name: "window2", Mode: 0644, Size: 3})
	cw.Write([]byte("abc"))
	cw.Close()

	if err := fx.dev.Restore(&b); !errors.Is(err, driver.ErrInvalidArgument) {
		t.Errorf("Restore: %v", err)
	}
}
