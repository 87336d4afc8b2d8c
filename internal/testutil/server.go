package testutil

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
)

// StartSingleAcceptServer serves one loopback connection with handler and
// closes it when handler returns. The returned wait func stops the listener
// and blocks until handler is done; cancelling ctx also stops the listener.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (netip.AddrPort, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}()

	wait := func() {
		stop()
		_ = ln.Close()
		wg.Wait()
	}
	return ln.Addr().(*net.TCPAddr).AddrPort(), wait
}

// FreePort returns a loopback address nothing is listening on.
func FreePort(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}
