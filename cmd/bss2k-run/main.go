// Command bss2k-run is an automake parallel test harness driver. It loads a
// test program into a card served by bss2kd, runs it and records whether it
// halted cleanly.
//
//	bss2k-run --test-name NAME --log-file LOG --trs-file TRS [OPTIONS] [--] PROGRAM
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/c35s/bss2k/driver"
	"github.com/c35s/bss2k/hw"
	"github.com/c35s/bss2k/remote"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	loadAddr = 0x1d1fd8
	timeout  = time.Second
)

// yesNo is an automake boolean option.
type yesNo bool

func (b *yesNo) String() string {
	if b != nil && *b {
		return "yes"
	}

	return "no"
}

func (b *yesNo) Set(s string) error {
	*b = s == "yes"
	return nil
}

type options struct {
	testName         string
	logFile          string
	trsFile          string
	colorTests       yesNo
	expectFailure    yesNo
	enableHardErrors yesNo
	device           string
}

func main() {
	var opts options

	fs := flag.NewFlagSet("bss2k-run", flag.ContinueOnError)
	fs.StringVar(&opts.testName, "test-name", "", "name of the test")
	fs.StringVar(&opts.logFile, "log-file", "", "write the test log to this file")
	fs.StringVar(&opts.trsFile, "trs-file", "", "write the test result to this file")
	fs.Var(&opts.colorTests, "color-tests", "color the result line (yes or no)")
	fs.Var(&opts.expectFailure, "expect-failure", "the test is expected to fail (yes or no)")
	fs.Var(&opts.enableHardErrors, "enable-hard-errors", "report harness errors as ERROR instead of FAIL (yes or no)")
	fs.StringVar(&opts.device, "device", "unix:/run/bss2k/bss2k-0.sock", "connect to the device served at this address")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	for _, req := range []struct{ name, val string }{
		{"--test-name", opts.testName},
		{"--log-file", opts.logFile},
		{"--trs-file", opts.trsFile},
	} {
		if req.val == "" {
			fmt.Fprintf(os.Stderr, "Missing %s option\n", req.name)
			os.Exit(1)
		}
	}

	if err := harness(opts, fs.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func harness(opts options, args []string) error {
	logf, err := os.Create(opts.logFile)
	if err != nil {
		return fmt.Errorf("cannot open log file: %w", err)
	}

	defer logf.Close()

	trsf, err := os.Create(opts.trsFile)
	if err != nil {
		return fmt.Errorf("cannot open trs file: %w", err)
	}

	defer trsf.Close()

	res, msg := runTest(opts.device, args)

	if res == resultError && !opts.enableHardErrors {
		res = resultFail
	}

	if opts.expectFailure {
		res = res.expectFailure()
	}

	pal := palette{}
	if bool(opts.colorTests) && term.IsTerminal(int(os.Stdout.Fd())) {
		pal = ansi
	}

	line := res.String() + ": " + opts.testName
	if msg != "" {
		line += " (" + msg + ")"
	}

	fmt.Println(pal.paint(res, line))
	fmt.Fprintln(logf, line)

	return writeTRS(trsf, res)
}

func runTest(addr string, args []string) (result, string) {
	switch {
	case len(args) == 0:
		return resultError, "Missing test program"
	case len(args) > 1:
		return resultError, "Test program arguments not supported"
	}

	c, err := remote.Dial(addr)
	if err != nil {
		return resultSkip, "Device unavailable"
	}

	defer c.Close()

	prog, err := os.Open(args[0])
	if err != nil {
		c.Ioctl(driver.CmdReset, nil)
		return resultError, "Cannot open program"
	}

	defer prog.Close()

	res, err := runProgram(c, prog, timeout)
	c.Ioctl(driver.CmdReset, nil)

	if err != nil {
		return res, err.Error()
	}

	return res, ""
}

// device is what runProgram needs from a card. *remote.Client implements it.
type device interface {
	io.WriterAt
	Ioctl(cmd driver.Cmd, arg *uint64) error
	Wait(timeout time.Duration) (uint64, error)
}

// runProgram resets the card, loads prog and starts it, then waits until the
// CPU halts or the time runs out. A halt with the fault bit set is a failure.
func runProgram(dev device, prog io.Reader, limit time.Duration) (result, error) {
	if err := dev.Ioctl(driver.CmdReset, nil); err != nil {
		return resultError, err
	}

	w := io.NewOffsetWriter(dev, loadAddr)
	if _, err := io.CopyBuffer(w, prog, make([]byte, 256)); err != nil {
		return resultError, err
	}

	if err := dev.Ioctl(driver.CmdStartCPU, nil); err != nil {
		return resultError, err
	}

	deadline := time.Now().Add(limit)

	for {
		left := time.Until(deadline)
		if left <= 0 {
			return resultFail, nil
		}

		if _, err := dev.Wait(left); err != nil {
			if errors.Is(err, unix.ETIMEDOUT) {
				return resultFail, nil
			}

			return resultError, err
		}

		var status uint64
		if err := dev.Ioctl(driver.CmdReadStatus, &status); err != nil {
			return resultError, err
		}

		if status&hw.StsRunning == 0 {
			if status&hw.StsCPUFault != 0 {
				return resultFail, nil
			}

			return resultPass, nil
		}
	}
}

func writeTRS(w io.Writer, res result) error {
	_, err := fmt.Fprintf(w,
		":test-result: %s\n"+
			":global-test-result: %s\n"+
			":recheck: no\n"+
			":copy-in-global-log: no\n",
		res, res)

	return err
}
