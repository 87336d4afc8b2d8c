//go:build !linux

package sock

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"syscall"
)

var errUnsupported = errors.New("raw sockets are only supported on linux")

type Listener struct{}

func Listen(_ string, _ ListenConfig) (*Listener, error) {
	return nil, errUnsupported
}

func (l *Listener) Fd() int               { return -1 }
func (l *Listener) Addr() netip.AddrPort  { return netip.AddrPort{} }
func (l *Listener) Accept() (Conn, error) { return nil, errUnsupported }
func (l *Listener) Shutdown() error       { return errUnsupported }
func (l *Listener) Close() error          { return errUnsupported }

func FromConn(c net.Conn) (Conn, error) {
	_ = c.Close()
	return nil, errUnsupported
}

func BindControl(_ netip.Addr, _ func(netip.AddrPort) error) func(context.Context, string, string, syscall.RawConn) error {
	return func(context.Context, string, string, syscall.RawConn) error {
		return errUnsupported
	}
}
