package dialer

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/die-net/fwrelay/internal/sock"
)

type directDialer struct {
	cfg Config
}

func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

func (f *directDialer) Dial(ctx context.Context, arrival netip.Addr, server netip.AddrPort, bound BoundFunc) (sock.Conn, error) {
	local := f.cfg.BindAddr(arrival, server)
	dd := net.Dialer{
		Timeout:         f.cfg.DialTimeout,
		KeepAliveConfig: f.cfg.KeepAlive,
		ControlContext:  sock.BindControl(local, bound),
	}

	conn, err := dd.DialContext(ctx, "tcp", server.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s from %s: %w", server, local, err)
	}

	c, err := sock.FromConn(conn)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}
	return c, nil
}
