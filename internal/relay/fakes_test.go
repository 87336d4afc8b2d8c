package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/die-net/fwrelay/internal/authority"
	"github.com/die-net/fwrelay/internal/dialer"
	"github.com/die-net/fwrelay/internal/inspect"
	"github.com/die-net/fwrelay/internal/poll"
	"github.com/die-net/fwrelay/internal/sock"
)

var errConnReset = errors.New("connection reset by peer")

// recordingInspector vetoes chunks containing a marker and remembers which
// descriptors it was told to forget.
type recordingInspector struct {
	marker    string
	inspected int
	forgotten []int
}

func (r *recordingInspector) Name() string { return "marker" }

func (r *recordingInspector) Inspect(_ int, chunk []byte) inspect.Verdict {
	r.inspected++
	if r.marker != "" && bytes.Contains(chunk, []byte(r.marker)) {
		return inspect.Veto
	}
	return inspect.Forward
}

func (r *recordingInspector) Forget(fd int) {
	r.forgotten = append(r.forgotten, fd)
}

// fakeConn is a scripted non-blocking socket.
type fakeConn struct {
	fd     int
	local  netip.AddrPort
	remote netip.AddrPort

	in      [][]byte
	eof     bool
	readErr error
	reads   int

	// room is how many more bytes Write accepts; negative means unlimited.
	room     int
	writeErr error
	written  bytes.Buffer

	shutdownErr error
	shutdown    bool
	closed      bool
}

var _ sock.Conn = (*fakeConn)(nil)

func newFakeConn(fd int, local, remote string) *fakeConn {
	return &fakeConn{
		fd:     fd,
		local:  netip.MustParseAddrPort(local),
		remote: netip.MustParseAddrPort(remote),
		room:   -1,
	}
}

func (c *fakeConn) Fd() int                    { return c.fd }
func (c *fakeConn) LocalAddr() netip.AddrPort  { return c.local }
func (c *fakeConn) RemoteAddr() netip.AddrPort { return c.remote }

func (c *fakeConn) Read(p []byte) (int, error) {
	c.reads++
	if len(c.in) > 0 {
		n := copy(p, c.in[0])
		if n < len(c.in[0]) {
			c.in[0] = c.in[0][n:]
		} else {
			c.in = c.in[1:]
		}
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.eof {
		return 0, nil
	}
	return 0, sock.ErrWouldBlock
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, errors.New("write on closed socket")
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n := len(p)
	if c.room >= 0 && n > c.room {
		n = c.room
	}
	if n == 0 && len(p) > 0 {
		return 0, sock.ErrWouldBlock
	}
	if c.room >= 0 {
		c.room -= n
	}
	c.written.Write(p[:n])
	return n, nil
}

func (c *fakeConn) Shutdown() error {
	if c.shutdownErr != nil {
		return c.shutdownErr
	}
	c.shutdown = true
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeListener struct {
	fd       int
	pending  []sock.Conn
	err      error
	shutdown bool
	closed   bool
}

func (l *fakeListener) Fd() int { return l.fd }

func (l *fakeListener) Accept() (sock.Conn, error) {
	if l.err != nil {
		return nil, l.err
	}
	if len(l.pending) == 0 {
		return nil, sock.ErrWouldBlock
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	return c, nil
}

func (l *fakeListener) Shutdown() error { l.shutdown = true; return nil }
func (l *fakeListener) Close() error    { l.closed = true; return nil }

// fakePoller records interest. Wait hands out scripted batches and then
// sleeps out its timeout with nothing to report.
type fakePoller struct {
	mu       sync.Mutex
	interest map[int]poll.Events
	script   [][]poll.Event
	closed   bool
	waits    int
}

func newFakePoller() *fakePoller {
	return &fakePoller{interest: make(map[int]poll.Events)}
}

func (p *fakePoller) Add(fd int, ev poll.Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	p.interest[fd] = ev
	return nil
}

func (p *fakePoller) Modify(fd int, ev poll.Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	p.interest[fd] = ev
	return nil
}

func (p *fakePoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	delete(p.interest, fd)
	return nil
}

func (p *fakePoller) Wait(timeout time.Duration, buf []poll.Event) ([]poll.Event, error) {
	p.mu.Lock()
	p.waits++
	if len(p.script) > 0 {
		batch := p.script[0]
		p.script = p.script[1:]
		p.mu.Unlock()
		return append(buf[:0], batch...), nil
	}
	p.mu.Unlock()
	time.Sleep(timeout)
	return buf[:0], nil
}

func (p *fakePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePoller) waitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits
}

func (p *fakePoller) registered(fd int) (poll.Events, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.interest[fd]
	return ev, ok
}

// fakeDialer hands out a prepared server-side connection.
type fakeDialer struct {
	conn  *fakeConn
	err   error
	calls int
	// boundErr is what the bound callback returned.
	boundErr error
}

var _ dialer.Dialer = (*fakeDialer)(nil)

func (d *fakeDialer) Dial(_ context.Context, _ netip.Addr, _ netip.AddrPort, bound dialer.BoundFunc) (sock.Conn, error) {
	d.calls++
	if d.conn != nil && bound != nil {
		if d.boundErr = bound(d.conn.local); d.boundErr != nil {
			return nil, d.boundErr
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

// failingRegistrar wraps an authority and refuses registrations.
type failingRegistrar struct {
	authority.Authority
}

func (failingRegistrar) Register(context.Context, authority.Binding) error {
	return errors.New("connection table is read-only")
}
