// Package authority talks to the connection-tracking authority that knows
// where intercepted flows were originally headed.
//
// The packet filter redirects a client's connection to the relay and keeps
// a row for it in its connection table. Before relaying, the relay resolves
// the real server endpoint from that table (Resolve) and then tells the
// authority which local endpoint it will use to reach the server (Register),
// so that the filter recognizes the relay's own connection and its return
// traffic.
package authority

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

var (
	// ErrNoMatch means the authority has no flow for the client endpoint.
	ErrNoMatch = errors.New("no matching flow")
	// ErrAmbiguous means the authority has more than one flow for the
	// client endpoint.
	ErrAmbiguous = errors.New("ambiguous flow")
)

// Flow describes a freshly accepted client connection.
type Flow struct {
	Client netip.AddrPort
	Local  netip.AddrPort
	// Fd is the accepted socket, for authorities that query the kernel
	// through it.
	Fd int
}

// Binding is the client, server and proxy-as-client triple announced to
// the authority before the relay dials the server.
type Binding struct {
	Client netip.AddrPort
	Server netip.AddrPort
	Proxy  netip.AddrPort
}

func (b Binding) String() string {
	return fmt.Sprintf("client=%s server=%s proxy=%s", b.Client, b.Server, b.Proxy)
}

// Authority resolves and registers relayed flows.
type Authority interface {
	// Resolve returns the server endpoint of the single flow whose client
	// endpoint is f.Client.
	Resolve(ctx context.Context, f Flow) (netip.AddrPort, error)
	// Register announces the relay's own connection for b.
	Register(ctx context.Context, b Binding) error
}

// Config holds the settings shared by the authority backends.
type Config struct {
	// Flows seeds the static backend.
	Flows []StaticFlow
}

// New parses rawURL and constructs the matching Authority.
//
// Supported schemes:
//   - fwtable:///path/to/connection/table
//   - origdst://
//   - redis://[user:pass@]host:port/db
//   - static://
func New(cfg Config, rawURL string) (Authority, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "fwtable":
		path := u.Path
		if path == "" {
			path = DefaultTablePath
		}
		return NewTable(path), nil
	case "origdst":
		return NewOriginalDst()
	case "redis", "rediss":
		return NewRedis(rawURL)
	case "static":
		return NewMemory(cfg.Flows...)
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

// pick enforces the exactly-one-match rule shared by every table backend.
func pick(client netip.AddrPort, servers []netip.AddrPort) (netip.AddrPort, error) {
	switch len(servers) {
	case 0:
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", client, ErrNoMatch)
	case 1:
		return servers[0], nil
	default:
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %d entries: %w", client, len(servers), ErrAmbiguous)
	}
}
