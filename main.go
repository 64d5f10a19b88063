package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/c35s/bss2k/dma"
	"github.com/c35s/bss2k/driver"
	"github.com/c35s/bss2k/hw"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

func main() {

	var (
		romPath  = flag.String("rom", "roms/hello_world.backseat", "load program from file or URL")
		addr     = flag.Uint64("addr", 0x1d3748, "load the program at this address")
		frames   = flag.Int("frames", 3, "wait for this many frames before stopping")
		refresh  = flag.Duration("refresh", time.Second/60, "set the display refresh interval")
		snapshot = flag.String("snapshot", "", "write the address space to this cpio archive at exit")
		restore  = flag.String("restore", "", "restore the address space from this cpio archive before loading")
	)

	flag.Parse()

	rom, err := readURL(*romPath)
	if err != nil {
		panic(err)
	}

	bus := new(dma.Allocator)

	card, err := hw.New(hw.Config{
		Bus:     bus,
		Refresh: *refresh,
	})

	if err != nil {
		panic(err)
	}

	defer card.Close()

	if err := driver.Register(); err != nil {
		panic(err)
	}

	defer driver.Unregister()

	dev, err := driver.Probe(card, driver.Config{Alloc: bus})
	if err != nil {
		panic(err)
	}

	f, err := driver.Open(dev.Name())
	if err != nil {
		panic(err)
	}

	defer f.Close()

	printReg(f, "status", driver.CmdReadStatus)

	if err := f.Ioctl(driver.CmdReset, nil); err != nil {
		panic(err)
	}

	if *restore != "" {
		if err := restoreFrom(dev, *restore); err != nil {
			panic(err)
		}
	}

	if _, err := f.Seek(int64(*addr), io.SeekStart); err != nil {
		panic(err)
	}

	var w io.Writer = f
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(int64(len(rom)), "load "+*romPath)
		defer bar.Close()
		w = io.MultiWriter(f, bar)
	}

	if _, err := io.Copy(w, bytes.NewReader(rom)); err != nil {
		panic(err)
	}

	if err := f.Ioctl(driver.CmdStartCPU, nil); err != nil {
		panic(err)
	}

	printReg(f, "status", driver.CmdReadStatus)

	ctl := uint64(hw.CtlMaskUpdateDisplay | hw.CtlUpdateDisplay)
	if err := f.Ioctl(driver.CmdWriteControl, &ctl); err != nil {
		panic(err)
	}

	printReg(f, "control", driver.CmdReadControl)

	for i := 0; i < *frames; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := f.Wait(ctx)
		cancel()

		if errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintln(os.Stderr, "no frame within a second")
			break
		}

		if err != nil {
			panic(err)
		}

		fmt.Printf("frame %d\n", dev.Events())
	}

	printReg(f, "int status", driver.CmdReadIntStatus)

	if *snapshot != "" {
		if err := snapshotTo(dev, *snapshot); err != nil {
			panic(err)
		}
	}
}

func printReg(f *driver.File, name string, cmd driver.Cmd) {
	var v uint64
	if err := f.Ioctl(cmd, &v); err != nil {
		panic(err)
	}

	fmt.Printf("%s: %#x\n", name, v)
}

// restoreFrom restores the address space from a cpio archive, gunzipping it
// if the name ends in ".gz".
func restoreFrom(dev *driver.Device, name string) error {
	file, err := os.Open(name)
	if err != nil {
		return err
	}

	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(name, ".gz") {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		defer zr.Close()
		r = zr
	}

	return dev.Restore(r)
}

// snapshotTo writes the address space to a cpio archive, gzipped if the name
// ends in ".gz".
func snapshotTo(dev *driver.Device, name string) error {
	file, err := os.Create(name)
	if err != nil {
		return err
	}

	defer file.Close()

	if !strings.HasSuffix(name, ".gz") {
		if err := dev.Snapshot(file); err != nil {
			return err
		}

		return file.Close()
	}

	zw := gzip.NewWriter(file)
	if err := dev.Snapshot(zw); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return err
	}

	return file.Close()
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("bss2k: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
