// Package remote serves bss2k devices over stream sockets and provides the
// matching client. Every connection owns one open file on the device; requests
// are handled in order.
package remote

import (
	"errors"
	"fmt"
)

// Op is a request operation.
type Op uint8

const (
	OpRead  Op = iota + 1 // read Len bytes at Off
	OpWrite               // write the Len byte payload at Off
	OpIoctl               // control operation Cmd with argument Arg
	OpWait                // wait up to Arg milliseconds for a frame event, 0 = forever
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpIoctl:
		return "ioctl"
	case OpWait:
		return "wait"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// MaxPayload is the largest payload a single request or response carries.
// Clients split larger transfers.
const MaxPayload = 1 << 20

var (
	ErrPayloadTooLarge = errors.New("remote: payload too large")
	ErrBadAddress      = errors.New("remote: bad address")
	ErrUnknownOp       = errors.New("remote: unknown operation")
)

// request is the fixed header of a request. A write request is followed by
// Len payload bytes.
type request struct {
	Op  Op
	_   [3]uint8
	Cmd uint32
	Off uint64
	Arg uint64
	Len uint32
}

// response is the fixed header of a response. A read response is followed by
// Len payload bytes.
type response struct {
	Errno uint32
	Len   uint32
	Arg   uint64
}
