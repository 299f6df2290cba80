package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/trdp/internal/protocol/frame"
)

// DialConfig controls outbound TCP connection setup.
type DialConfig struct {
	ConnectTimeout time.Duration
	Attempts       int
	Backoff        BackoffConfig
}

func DefaultDialConfig() DialConfig {
	return DialConfig{
		ConnectTimeout: 5 * time.Second,
		Attempts:       3,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// TCP is a stream connection carrying TRDP packets back to back.
type TCP struct {
	conn   net.Conn
	reader *frame.Reader
	closed atomic.Bool

	wmu sync.Mutex
	rmu sync.Mutex
}

// DialTCP connects to dst, retrying with backoff up to cfg.Attempts times.
func DialTCP(ctx context.Context, dst netip.AddrPort, cfg DialConfig) (*TCP, error) {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(cfg.Backoff.Delay(attempt-1, rng))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, dst, ctx.Err())
			case <-t.C:
			}
		}
		conn, err := dialer.DialContext(ctx, "tcp4", dst.String())
		if err == nil {
			return NewTCP(conn), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: dial %s after %d attempts: %w", ErrTransport, dst, cfg.Attempts, lastErr)
}

// NewTCP wraps an established connection.
func NewTCP(conn net.Conn) *TCP {
	return &TCP{conn: conn, reader: frame.NewReader(conn, frame.DefaultLimits())}
}

// Send writes b in full. Concurrent senders are serialized so packets never interleave.
func (c *TCP) Send(b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		return wrap("send "+c.conn.RemoteAddr().String(), err)
	}
	return nil
}

// Receive reads raw bytes. It returns 0 on idle timeout and io.EOF when the
// peer closed. Do not mix with ReadPacket on the same connection.
func (c *TCP) Receive(buf []byte, timeout time.Duration) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if err := c.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, wrap("deadline", err)
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		return n, c.readErr(err)
	}
	return n, nil
}

// ReadPacket returns the raw bytes of the next complete packet, or nil when
// timeout elapses first. Partial packets survive the timeout.
func (c *TCP) ReadPacket(timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if err := c.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return nil, wrap("deadline", err)
	}
	b, err := c.reader.Next()
	if err != nil {
		return nil, c.readErr(err)
	}
	return b, nil
}

func (c *TCP) readErr(err error) error {
	switch {
	case c.closed.Load() || errors.Is(err, net.ErrClosed):
		return ErrClosed
	case isTimeout(err):
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return err
	case errors.Is(err, frame.ErrFrameTooLarge):
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return wrap("receive", err)
	}
	return err
}

func (c *TCP) RemoteAddr() netip.AddrPort {
	return addrPort(c.conn.RemoteAddr())
}

func (c *TCP) LocalAddr() netip.AddrPort {
	return addrPort(c.conn.LocalAddr())
}

// Close is safe to repeat and unblocks pending reads.
func (c *TCP) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// TCPListener accepts inbound MD connections.
type TCPListener struct {
	ln     *net.TCPListener
	closed atomic.Bool
}

func ListenTCP(cfg ListenConfig) (*TCPListener, error) {
	lc := net.ListenConfig{Control: reuseControl}
	ln, err := lc.Listen(context.Background(), "tcp4", cfg.addr())
	if err != nil {
		return nil, wrap("listen tcp "+cfg.addr(), err)
	}
	return &TCPListener{ln: ln.(*net.TCPListener)}, nil
}

// Accept blocks for the next connection; it returns ErrClosed after Close.
func (l *TCPListener) Accept() (*TCP, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, wrap("accept", err)
	}
	return NewTCP(conn), nil
}

func (l *TCPListener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

func (l *TCPListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}

func addrPort(a net.Addr) netip.AddrPort {
	switch v := a.(type) {
	case *net.TCPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	case *net.UDPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}
