// Package transport wraps the UDP and TCP sockets TRDP runs on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/trdp/internal/logging"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

// ListenConfig selects the local endpoint of a socket.
type ListenConfig struct {
	// Address is the local IPv4 to bind; empty binds all interfaces.
	Address string
	// Port 0 binds an ephemeral port.
	Port int
}

func (c ListenConfig) addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// UDP is a datagram socket with optional multicast membership.
type UDP struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	closed atomic.Bool
	log    zerolog.Logger

	mu     sync.Mutex
	groups map[netip.Addr]*net.Interface
}

// ListenUDP binds a UDP socket with address reuse enabled so several
// subscribers on one host can share a multicast port.
func ListenUDP(cfg ListenConfig) (*UDP, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", cfg.addr())
	if err != nil {
		return nil, wrap("listen udp "+cfg.addr(), err)
	}
	conn := pc.(*net.UDPConn)
	u := &UDP{
		conn:   conn,
		pconn:  ipv4.NewPacketConn(conn),
		groups: make(map[netip.Addr]*net.Interface),
	}
	u.log = logging.Component("transport.udp").With().Int("port", u.LocalPort()).Logger()
	return u, nil
}

// JoinGroup joins a multicast group on the named interface. An empty name
// tries the default route first, then every up multicast interface.
func (u *UDP) JoinGroup(group netip.Addr, ifname string) error {
	if u.closed.Load() {
		return ErrClosed
	}
	group = group.Unmap()
	if !group.Is4() || !group.IsMulticast() {
		return fmt.Errorf("%w: %s is not an IPv4 multicast group", ErrTransport, group)
	}
	gaddr := &net.UDPAddr{IP: group.AsSlice()}

	ifi, err := MulticastInterface(ifname)
	if err != nil {
		return err
	}
	candidates := []*net.Interface{ifi}
	if ifi == nil {
		candidates = append(candidates, fallbackMulticastInterfaces()...)
	}

	var lastErr error
	for _, cand := range candidates {
		if lastErr = u.pconn.JoinGroup(cand, gaddr); lastErr == nil {
			u.mu.Lock()
			u.groups[group] = cand
			u.mu.Unlock()
			name := "default"
			if cand != nil {
				name = cand.Name
			}
			u.log.Debug().Str("group", group.String()).Str("iface", name).Msg("joined multicast group")
			return nil
		}
	}
	return wrap("join "+group.String(), lastErr)
}

// LeaveGroup drops a membership added by JoinGroup.
func (u *UDP) LeaveGroup(group netip.Addr) error {
	group = group.Unmap()
	u.mu.Lock()
	ifi, ok := u.groups[group]
	delete(u.groups, group)
	u.mu.Unlock()
	if !ok {
		return nil
	}
	if err := u.pconn.LeaveGroup(ifi, &net.UDPAddr{IP: group.AsSlice()}); err != nil {
		return wrap("leave "+group.String(), err)
	}
	return nil
}

func (u *UDP) SetMulticastInterface(ifname string) error {
	ifi, err := MulticastInterface(ifname)
	if err != nil || ifi == nil {
		return err
	}
	if err := u.pconn.SetMulticastInterface(ifi); err != nil {
		return wrap("multicast interface", err)
	}
	return nil
}

func (u *UDP) SetMulticastTTL(ttl int) error {
	if err := u.pconn.SetMulticastTTL(ttl); err != nil {
		return wrap("multicast ttl", err)
	}
	return nil
}

func (u *UDP) SetMulticastLoopback(on bool) error {
	if err := u.pconn.SetMulticastLoopback(on); err != nil {
		return wrap("multicast loopback", err)
	}
	return nil
}

// Send writes one datagram to dst.
func (u *UDP) Send(b []byte, dst netip.AddrPort) error {
	if u.closed.Load() {
		return ErrClosed
	}
	if _, err := u.conn.WriteToUDPAddrPort(b, dst); err != nil {
		return wrap("send "+dst.String(), err)
	}
	return nil
}

// Receive reads one datagram into buf. It returns n == 0 and a nil error when
// timeout elapses first; timeout <= 0 blocks until data or Close.
func (u *UDP) Receive(buf []byte, timeout time.Duration) (int, netip.AddrPort, error) {
	if u.closed.Load() {
		return 0, netip.AddrPort{}, ErrClosed
	}
	if err := u.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, netip.AddrPort{}, wrap("deadline", err)
	}
	n, src, err := u.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if u.closed.Load() || errors.Is(err, net.ErrClosed) {
			return 0, netip.AddrPort{}, ErrClosed
		}
		if isTimeout(err) {
			return 0, netip.AddrPort{}, nil
		}
		return 0, netip.AddrPort{}, wrap("receive", err)
	}
	return n, netip.AddrPortFrom(src.Addr().Unmap(), src.Port()), nil
}

func (u *UDP) LocalPort() int {
	return u.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the socket and unblocks any pending Receive. Safe to repeat.
func (u *UDP) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	u.mu.Lock()
	for group, ifi := range u.groups {
		_ = u.pconn.LeaveGroup(ifi, &net.UDPAddr{IP: group.AsSlice()})
	}
	u.groups = map[netip.Addr]*net.Interface{}
	u.mu.Unlock()
	return u.conn.Close()
}
