package dialer

import (
	"context"
	"net/netip"

	"github.com/die-net/fwrelay/internal/sock"
)

// BoundFunc is called with the local endpoint of a bound but not yet
// connected socket. Returning an error aborts the dial.
type BoundFunc func(local netip.AddrPort) error

// Dialer opens a non-blocking connection to server for a client that
// arrived on the given local address.
type Dialer interface {
	Dial(ctx context.Context, arrival netip.Addr, server netip.AddrPort, bound BoundFunc) (sock.Conn, error)
}

// New returns the default Dialer for cfg, filling in a zero DialTimeout.
func New(cfg Config) Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return NewDirectDialer(cfg)
}
