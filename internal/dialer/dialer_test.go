package dialer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"runtime"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/die-net/fwrelay/internal/testutil"
)

func TestBindAddr(t *testing.T) {
	t.Parallel()

	eth0 := netip.MustParseAddr("10.1.1.3")
	eth1 := netip.MustParseAddr("10.1.2.3")
	v4 := netip.MustParseAddrPort("10.1.2.2:80")
	v6 := netip.MustParseAddrPort("[2001:db8::2]:80")

	tests := []struct {
		name    string
		ifs     []netip.Addr
		arrival netip.Addr
		server  netip.AddrPort
		want    netip.Addr
	}{
		{name: "arrived on first", ifs: []netip.Addr{eth0, eth1}, arrival: eth0, server: v4, want: eth1},
		{name: "arrived on second", ifs: []netip.Addr{eth0, eth1}, arrival: eth1, server: v4, want: eth0},
		{name: "arrived elsewhere", ifs: []netip.Addr{eth0, eth1}, arrival: netip.MustParseAddr("127.0.0.1"), server: v4, want: eth0},
		{name: "single interface", ifs: []netip.Addr{eth1}, arrival: eth1, server: v4, want: eth1},
		{name: "none v4", arrival: eth0, server: v4, want: netip.IPv4Unspecified()},
		{name: "none v6", arrival: eth0, server: v6, want: netip.IPv6Unspecified()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Config{Interfaces: tt.ifs}.BindAddr(tt.arrival, tt.server)
			assert.Equal(t, got, tt.want)
		})
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	d := New(Config{})
	assert.Equal(t, d.(*directDialer).cfg.DialTimeout, DefaultDialTimeout)
}

func TestDirectDial(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("raw sockets are linux only")
	}
	t.Parallel()

	ctx := context.Background()
	ln := testutil.StartEchoTCPServer(t, ctx)
	defer ln.Close()
	server := ln.Addr().(*net.TCPAddr).AddrPort()

	lo := netip.MustParseAddr("127.0.0.1")
	d := New(Config{Interfaces: []netip.Addr{lo}})

	var announced netip.AddrPort
	c, err := d.Dial(ctx, lo, server, func(local netip.AddrPort) error {
		announced = local
		return nil
	})
	assert.NilError(t, err)
	defer c.Close()

	assert.Equal(t, announced.Addr(), lo)
	assert.Assert(t, announced.Port() != 0)
	assert.Equal(t, c.LocalAddr(), announced)
	assert.Equal(t, c.RemoteAddr(), server)

	testutil.AssertEchoConn(t, c, []byte("hello"))
}

func TestDirectDialBoundError(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("raw sockets are linux only")
	}
	t.Parallel()

	ctx := context.Background()
	ln := testutil.StartEchoTCPServer(t, ctx)
	defer ln.Close()
	server := ln.Addr().(*net.TCPAddr).AddrPort()

	errRefused := errors.New("authority unavailable")
	_, err := New(Config{}).Dial(ctx, netip.MustParseAddr("127.0.0.1"), server, func(netip.AddrPort) error {
		return errRefused
	})
	assert.Assert(t, errors.Is(err, errRefused), "err=%v", err)
}

func TestDirectDialRefused(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("raw sockets are linux only")
	}
	t.Parallel()

	server := netip.MustParseAddrPort(testutil.FreePort(t))

	start := time.Now()
	_, err := New(Config{DialTimeout: 500 * time.Millisecond}).Dial(context.Background(), server.Addr(), server, nil)
	assert.Assert(t, err != nil)
	assert.Assert(t, time.Since(start) < 2*time.Second)
}
