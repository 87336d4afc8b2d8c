//go:build linux

package sock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// Socket is a raw non-blocking TCP socket.
type Socket struct {
	fd     int
	local  netip.AddrPort
	remote netip.AddrPort
}

var _ Conn = (*Socket)(nil)

func (s *Socket) Fd() int                    { return s.fd }
func (s *Socket) LocalAddr() netip.AddrPort  { return s.local }
func (s *Socket) RemoteAddr() netip.AddrPort { return s.remote }

func (s *Socket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, fmt.Errorf("read fd %d: %w", s.fd, err)
		}
	}
}

func (s *Socket) Write(p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, fmt.Errorf("write fd %d: %w", s.fd, err)
		}
	}
}

func (s *Socket) Shutdown() error {
	if err := unix.Shutdown(s.fd, unix.SHUT_RDWR); err != nil {
		return fmt.Errorf("shutdown fd %d: %w", s.fd, err)
	}
	return nil
}

func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// Listener is a non-blocking listening socket.
type Listener struct {
	fd   int
	addr netip.AddrPort
	ka   net.KeepAliveConfig
}

// Listen creates a non-blocking listening socket on address.
func Listen(address string, cfg ListenConfig) (*Listener, error) {
	ta, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	ap := unmapped(ta.AddrPort())
	if !ap.Addr().IsValid() {
		ap = netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())
	}

	family := unix.AF_INET
	if ap.Addr().Is6() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("listen %s: socket: %w", address, err)
	}

	if err := setupListener(fd, ap, cfg); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: getsockname: %w", address, err)
	}
	return &Listener{fd: fd, addr: fromSockaddr(sa), ka: cfg.KeepAlive}, nil
}

func setupListener(fd int, ap netip.AddrPort, cfg ListenConfig) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if cfg.Transparent {
		var err error
		if ap.Addr().Is6() {
			err = unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
		} else {
			err = unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1)
		}
		if err != nil {
			return fmt.Errorf("IP_TRANSPARENT: %w", err)
		}
	}
	if err := unix.Bind(fd, toSockaddr(ap)); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (l *Listener) Fd() int              { return l.fd }
func (l *Listener) Addr() netip.AddrPort { return l.addr }

// Accept accepts one pending connection. It returns ErrWouldBlock when the
// accept queue is empty.
func (l *Listener) Accept() (Conn, error) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			local, lerr := unix.Getsockname(nfd)
			if lerr != nil {
				_ = unix.Close(nfd)
				return nil, fmt.Errorf("accept: getsockname: %w", lerr)
			}
			applyKeepAlive(nfd, l.ka)
			return &Socket{fd: nfd, local: fromSockaddr(local), remote: fromSockaddr(sa)}, nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, ErrWouldBlock
		default:
			return nil, fmt.Errorf("accept: %w", err)
		}
	}
}

func (l *Listener) Shutdown() error {
	return unix.Shutdown(l.fd, unix.SHUT_RDWR)
}

func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// FromConn detaches a dialed TCP connection from the Go runtime poller and
// returns it as a non-blocking Socket. c is closed; the returned Socket owns
// a duplicate of its descriptor.
func FromConn(c net.Conn) (Conn, error) {
	defer c.Close()

	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("detach %T: not a TCP connection", c)
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("detach: %w", err)
	}

	var (
		dup    int
		dupErr error
	)
	if err := rc.Control(func(fd uintptr) {
		dup, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, fmt.Errorf("detach: %w", err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("detach: dup: %w", dupErr)
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		_ = unix.Close(dup)
		return nil, fmt.Errorf("detach: nonblock: %w", err)
	}

	return &Socket{
		fd:     dup,
		local:  addrPortFromTCP(c.LocalAddr()),
		remote: addrPortFromTCP(c.RemoteAddr()),
	}, nil
}

// BindControl returns a net.Dialer ControlContext hook that binds the
// socket to local before connecting and hands the bound endpoint to bound.
// An error from bound aborts the dial before any packet is sent.
func BindControl(local netip.Addr, bound func(netip.AddrPort) error) func(context.Context, string, string, syscall.RawConn) error {
	return func(_ context.Context, _, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if ctrlErr = unix.Bind(int(fd), toSockaddr(netip.AddrPortFrom(local, 0))); ctrlErr != nil {
				ctrlErr = fmt.Errorf("bind %s: %w", local, ctrlErr)
				return
			}
			sa, err := unix.Getsockname(int(fd))
			if err != nil {
				ctrlErr = fmt.Errorf("getsockname: %w", err)
				return
			}
			if bound != nil {
				ctrlErr = bound(fromSockaddr(sa))
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}

func applyKeepAlive(fd int, ka net.KeepAliveConfig) {
	if !ka.Enable {
		return
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	if ka.Idle > 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(ka.Idle.Seconds()))
	}
	if ka.Interval > 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(ka.Interval.Seconds()))
	}
	if ka.Count > 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Count)
	}
}

func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
