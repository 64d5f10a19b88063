package remote

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// Listen listens on addr, which is "unix:PATH", "tcp:HOST:PORT" or "vsock:PORT".
func Listen(addr string) (net.Listener, error) {
	network, rest, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadAddress, addr)
	}

	switch network {
	case "unix", "tcp":
		return net.Listen(network, rest)

	case "vsock":
		port, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrBadAddress, addr, err)
		}

		l, err := vsock.Listen(uint32(port), nil)
		if err != nil {
			return nil, err
		}

		return l, nil

	default:
		return nil, fmt.Errorf("%w: unknown network %q", ErrBadAddress, network)
	}
}

// Dial connects to a server at addr, which is "unix:PATH", "tcp:HOST:PORT" or
// "vsock:CID:PORT". If the CID is omitted, the host is dialed.
func Dial(addr string) (*Client, error) {
	network, rest, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadAddress, addr)
	}

	var (
		conn net.Conn
		err  error
	)

	switch network {
	case "unix", "tcp":
		conn, err = net.Dial(network, rest)

	case "vsock":
		var cid, port uint32
		cid, port, err = parseVsock(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrBadAddress, addr, err)
		}

		conn, err = vsock.Dial(cid, port, nil)

	default:
		return nil, fmt.Errorf("%w: unknown network %q", ErrBadAddress, network)
	}

	if err != nil {
		return nil, err
	}

	return NewClient(conn), nil
}

func parseVsock(s string) (cid, port uint32, err error) {
	cid = vsock.Host

	if c, p, ok := strings.Cut(s, ":"); ok {
		v, err := strconv.ParseUint(c, 10, 32)
		if err != nil {
			return 0, 0, err
		}

		cid, s = uint32(v), p
	}

	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, 0, err
	}

	return cid, uint32(v), nil
}
