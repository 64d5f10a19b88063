package remote

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/c35s/bss2k/driver"
)

// Client talks to a Server. Device errors come back as unix.Errno values. A
// Client is safe for concurrent use; requests are serialized.
type Client struct {
	conn net.Conn

	mu sync.Mutex
	br *bufio.Reader
	bw *bufio.Writer
}

// NewClient returns a client that uses conn.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
}

var (
	_ io.ReaderAt = (*Client)(nil)
	_ io.WriterAt = (*Client)(nil)
)

// ReadAt reads from the device's address space. It returns io.EOF if the read
// ran into the end of the address space.
func (c *Client) ReadAt(p []byte, off int64) (int, error) {
	var total int

	for total < len(p) {
		chunk := p[total:min(len(p), total+MaxPayload)]

		resp, err := c.roundTrip(request{Op: OpRead, Off: uint64(off) + uint64(total), Len: uint32(len(chunk))}, nil, chunk)
		if err != nil {
			return total, err
		}

		total += int(resp.Len)

		if err := errno(resp.Errno); err != nil {
			return total, err
		}

		if int(resp.Len) < len(chunk) {
			return total, io.EOF
		}
	}

	return total, nil
}

// WriteAt writes to the device's address space.
func (c *Client) WriteAt(p []byte, off int64) (int, error) {
	var total int

	for total < len(p) {
		chunk := p[total:min(len(p), total+MaxPayload)]

		resp, err := c.roundTrip(request{Op: OpWrite, Off: uint64(off) + uint64(total), Len: uint32(len(chunk))}, chunk, nil)
		if err != nil {
			return total, err
		}

		total += int(resp.Len)

		if err := errno(resp.Errno); err != nil {
			return total, err
		}

		if int(resp.Len) < len(chunk) {
			return total, io.ErrShortWrite
		}
	}

	return total, nil
}

// Ioctl performs a control operation like driver.File.Ioctl.
func (c *Client) Ioctl(cmd driver.Cmd, arg *uint64) error {
	if cmd.Dir() != 0 && arg == nil {
		return fmt.Errorf("%w: %v needs an argument", driver.ErrInvalidArgument, cmd)
	}

	req := request{Op: OpIoctl, Cmd: uint32(cmd)}
	if arg != nil {
		req.Arg = *arg
	}

	resp, err := c.roundTrip(req, nil, nil)
	if err != nil {
		return err
	}

	if err := errno(resp.Errno); err != nil {
		return err
	}

	if arg != nil {
		*arg = resp.Arg
	}

	return nil
}

// Wait waits for a frame event. A zero timeout waits forever. It returns the
// device's event count.
func (c *Client) Wait(timeout time.Duration) (uint64, error) {
	req := request{Op: OpWait}
	if timeout > 0 {
		req.Arg = uint64(max(timeout.Milliseconds(), 1))
	}

	resp, err := c.roundTrip(req, nil, nil)
	if err != nil {
		return 0, err
	}

	return resp.Arg, errno(resp.Errno)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends req with payload and reads the response. A read response's
// payload goes to into.
func (c *Client) roundTrip(req request, payload, into []byte) (resp response, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if err != nil {
			err = fmt.Errorf("remote: %v: %w", req.Op, err)
		}
	}()

	if err := binary.Write(c.bw, binary.LittleEndian, &req); err != nil {
		return resp, err
	}

	if _, err := c.bw.Write(payload); err != nil {
		return resp, err
	}

	if err := c.bw.Flush(); err != nil {
		return resp, err
	}

	if err := binary.Read(c.br, binary.LittleEndian, &resp); err != nil {
		return resp, err
	}

	if req.Op == OpRead {
		if int(resp.Len) > len(into) {
			return resp, fmt.Errorf("%w: %d bytes for a %d byte read", ErrPayloadTooLarge, resp.Len, len(into))
		}

		if _, err := io.ReadFull(c.br, into[:resp.Len]); err != nil {
			return resp, err
		}
	}

	return resp, nil
}
