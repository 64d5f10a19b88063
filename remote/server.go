package remote

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/c35s/bss2k/driver"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Server serves one device.
type Server struct {

	// Device is the name of the device connections open, like "bss2k-0".
	Device string

	// Logger receives diagnostics. If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

// Serve accepts connections on l until ctx is done or accepting fails. It
// closes l and waits for all connections to finish before returning.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})

	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return fmt.Errorf("remote: accept: %w", err)
			}

			g.Go(func() error {
				s.ServeConn(ctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	return err
}

// ServeConn handles requests on conn until the peer hangs up or ctx is done.
// It closes conn.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	log := s.logger().With("remote", conn.RemoteAddr().String())

	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	f, err := driver.Open(s.Device)
	if err != nil {
		log.Error("open device", "dev", s.Device, "err", err)
		return
	}

	defer f.Close()

	log.Debug("connected", "dev", s.Device)

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	for {
		var req request
		if err := binary.Read(br, binary.LittleEndian, &req); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn("read request", "err", err)
			}

			return
		}

		resp, payload, err := s.handle(ctx, f, &req, br)
		if err != nil {
			log.Warn("bad request", "op", req.Op, "err", err)
			return
		}

		if err := binary.Write(bw, binary.LittleEndian, &resp); err != nil {
			return
		}

		if _, err := bw.Write(payload); err != nil {
			return
		}

		if err := bw.Flush(); err != nil {
			return
		}
	}
}

// handle runs one request. An error means the stream can't be trusted anymore.
func (s *Server) handle(ctx context.Context, f *driver.File, req *request, r io.Reader) (resp response, payload []byte, err error) {
	if req.Len > MaxPayload {
		return resp, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, req.Len)
	}

	var opErr error

	switch req.Op {
	case OpRead:
		buf := make([]byte, req.Len)

		n, err := f.ReadAt(buf, int64(req.Off))
		if !errors.Is(err, io.EOF) {
			opErr = err
		}

		resp.Len = uint32(n)
		payload = buf[:n]

	case OpWrite:
		buf := make([]byte, req.Len)
		if _, err := io.ReadFull(r, buf); err != nil {
			return resp, nil, err
		}

		n, err := f.WriteAt(buf, int64(req.Off))
		opErr = err
		resp.Len = uint32(n)

	case OpIoctl:
		cmd := driver.Cmd(req.Cmd)
		arg := req.Arg

		if cmd == driver.CmdExportFramebuffer {
			// buffer handles are only meaningful in this process
			opErr = fmt.Errorf("%w: %v over a socket", driver.ErrUnsupported, cmd)
			break
		}

		opErr = f.Ioctl(cmd, &arg)
		resp.Arg = arg

	case OpWait:
		wctx := ctx
		if req.Arg > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, time.Duration(req.Arg)*time.Millisecond)
			defer cancel()
		}

		opErr = f.Wait(wctx)
		resp.Arg = f.Device().Events()

	default:
		return resp, nil, fmt.Errorf("%w: %v", ErrUnknownOp, req.Op)
	}

	if opErr != nil {
		resp.Errno = uint32(driver.Errno(opErr))
	}

	return resp, payload, nil
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}

	return s.Logger
}

// errno turns a response errno into an error.
func errno(e uint32) error {
	if e == 0 {
		return nil
	}

	return unix.Errno(e)
}
