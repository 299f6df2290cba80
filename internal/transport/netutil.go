package transport

import (
	"net"
	"net/netip"
)

var loopbackV4 = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// LocalIPv4 returns the first non-loopback IPv4 address of this host, or
// 127.0.0.1 when there is none.
func LocalIPv4() netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return loopbackV4
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() && !ip.IsLoopback() {
			return ip
		}
	}
	return loopbackV4
}

// ReplyAddressFor picks the address a peer at dst should send replies to.
func ReplyAddressFor(dst netip.Addr) netip.Addr {
	if dst.Unmap().IsLoopback() {
		return loopbackV4
	}
	return LocalIPv4()
}

// MulticastInterface resolves ifname to a multicast-capable interface. An
// empty name returns nil, which lets the kernel pick by the default route.
func MulticastInterface(ifname string) (*net.Interface, error) {
	if ifname == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, wrap("interface "+ifname, err)
	}
	return ifi, nil
}

// fallbackMulticastInterfaces lists up interfaces that can carry multicast,
// loopback last.
func fallbackMulticastInterfaces() []*net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out, loop []*net.Interface
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		switch {
		case ifi.Flags&net.FlagLoopback != 0:
			loop = append(loop, ifi)
		case ifi.Flags&net.FlagMulticast != 0:
			out = append(out, ifi)
		}
	}
	return append(out, loop...)
}
