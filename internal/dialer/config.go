package dialer

import (
	"net"
	"net/netip"
	"time"
)

// DefaultDialTimeout bounds how long a connect to the server may take.
const DefaultDialTimeout = 2 * time.Second

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// Interfaces lists the relay's interface addresses. With two entries the
	// server-side socket is bound to whichever one the client did not
	// arrive on.
	Interfaces []netip.Addr
}

// BindAddr picks the local address for a connection to server given the
// address a client connection arrived on.
func (c Config) BindAddr(arrival netip.Addr, server netip.AddrPort) netip.Addr {
	switch len(c.Interfaces) {
	case 0:
	case 1:
		return c.Interfaces[0]
	default:
		if arrival == c.Interfaces[0] {
			return c.Interfaces[1]
		}
		return c.Interfaces[0]
	}
	if server.Addr().Is6() {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}
