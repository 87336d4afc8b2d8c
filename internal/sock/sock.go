// Package sock implements the non-blocking TCP sockets driven by the relay
// engine.
//
// The Go runtime's network poller owns the descriptors behind net.Conn, so
// the relay works on raw descriptors instead: listeners are created with
// socket/bind/listen directly, and dialed connections are detached from the
// runtime with FromConn.
package sock

import (
	"errors"
	"net"
	"net/netip"
)

// ErrWouldBlock is returned by Read and Write when the socket has nothing
// more to offer right now. It marks the normal end of a non-blocking drain.
var ErrWouldBlock = errors.New("operation would block")

// Conn is one connected, non-blocking stream socket.
type Conn interface {
	Fd() int
	// Read returns (0, nil) at end of stream.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Shutdown half-closes both directions without releasing the
	// descriptor.
	Shutdown() error
	Close() error
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
}

// ListenConfig controls listening socket creation.
type ListenConfig struct {
	// Backlog is the accept queue length; zero uses the system default.
	Backlog int
	// Transparent sets IP_TRANSPARENT so redirected connections for
	// non-local addresses can be accepted (TPROXY).
	Transparent bool
	// KeepAlive is applied to every accepted connection.
	KeepAlive net.KeepAliveConfig
}

func addrPortFromTCP(a net.Addr) netip.AddrPort {
	ta, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return unmapped(ta.AddrPort())
}

func unmapped(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
