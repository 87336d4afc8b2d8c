package relay

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"

	"github.com/die-net/fwrelay/internal/authority"
	"github.com/die-net/fwrelay/internal/poll"
	"github.com/die-net/fwrelay/internal/sock"
)

var (
	connectFailureMsg = []byte("Proxy says: Can't connect to server\n")
	sendFailureMsg    = []byte("Can't reach server\n")
)

var errRegister = errors.New("register binding")

// Listener is a non-blocking listening socket. Accept returns
// sock.ErrWouldBlock when nothing is pending.
type Listener interface {
	Fd() int
	Accept() (sock.Conn, error)
	Shutdown() error
	Close() error
}

// Server relays connections accepted on one listener. It is not safe for
// concurrent use; everything happens on the goroutine running Serve.
type Server struct {
	cfg    Config
	poller poll.Poller
	log    *logrus.Entry

	ln      Listener
	conns   map[int]*conn
	events  []poll.Event
	scratch []byte
	chunk   []byte
}

// NewServer returns a Server that waits on p. Serve takes ownership of p
// and closes it on return.
func NewServer(cfg Config, p poll.Poller) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:     cfg,
		poller:  p,
		log:     cfg.Log,
		conns:   make(map[int]*conn),
		events:  make([]poll.Event, 0, 128),
		scratch: make([]byte, cfg.ReadChunk),
	}
}

// Serve runs the event loop on ln until ctx is done or the poller fails.
// On return every relayed socket, ln and the poller are closed.
func (s *Server) Serve(ctx context.Context, ln Listener) error {
	if err := s.poller.Add(ln.Fd(), poll.Readable); err != nil {
		_ = s.poller.Close()
		return fmt.Errorf("register listener: %w", err)
	}
	s.ln = ln
	defer s.stop()

	for ctx.Err() == nil {
		events, err := s.poller.Wait(s.cfg.PollInterval, s.events)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		s.events = events
		s.dispatch(ctx, events)
	}
	return nil
}

// dispatch handles one batch of readiness events. The listener goes first.
// Per descriptor, hang-up or error wins over read and write readiness, and
// events for descriptors released earlier in the batch are dropped.
func (s *Server) dispatch(ctx context.Context, events []poll.Event) {
	for _, ev := range events {
		if ev.Fd == s.ln.Fd() {
			s.accept(ctx)
		}
	}

	for _, ev := range events {
		if ev.Fd == s.ln.Fd() {
			continue
		}
		c, ok := s.conns[ev.Fd]
		if !ok {
			continue
		}
		if ev.Events&(poll.HangUp|poll.Error) != 0 {
			s.teardown(c, ev.Events.String())
			continue
		}
		if ev.Events&poll.Readable != 0 {
			s.readable(c)
		}
		if ev.Events&poll.Writable != 0 && s.conns[ev.Fd] == c {
			s.writable(c)
		}
	}
}

// accept takes one pending client connection and pairs it with a server
// connection. On failure only the client leg ever exists: it gets a short
// diagnostic and is closed, and nothing is added to the tables.
func (s *Server) accept(ctx context.Context) {
	c, err := s.ln.Accept()
	if errors.Is(err, sock.ErrWouldBlock) {
		return
	}
	if err != nil {
		s.log.WithError(err).Warn("accept failed")
		s.cfg.Metrics.SetupFailures.WithLabelValues("accept").Inc()
		return
	}
	s.cfg.Metrics.Accepted.Inc()

	l := &link{
		id:      uuid.New(),
		client:  c.RemoteAddr(),
		state:   Accepted,
		started: time.Now(),
	}
	l.log = s.log.WithFields(logrus.Fields{"link": l.id, "client": l.client.String()})

	up, reason, err := s.pair(ctx, c, l)
	if err == nil {
		err = s.establish(c, up, l)
		reason = "poll"
	}
	if err != nil {
		l.log.WithError(err).WithField("state", l.state).Info("setup failed")
		s.cfg.Metrics.SetupFailures.WithLabelValues(reason).Inc()
		_, _ = c.Write(connectFailureMsg)
		_ = c.Close()
		return
	}
	l.log.WithFields(logrus.Fields{"server": l.server.String(), "proxy": l.proxy.String()}).Debug("link established")
}

// pair resolves the server for c, then dials it. The binding is registered
// with the authority once the server-side socket is bound and before it
// connects.
func (s *Server) pair(ctx context.Context, c sock.Conn, l *link) (sock.Conn, string, error) {
	l.state = Resolving
	server, err := s.cfg.Authority.Resolve(ctx, authority.Flow{
		Client: c.RemoteAddr(),
		Local:  c.LocalAddr(),
		Fd:     c.Fd(),
	})
	if err != nil {
		return nil, "resolve", fmt.Errorf("resolve: %w", err)
	}
	l.server = server

	l.state = Connecting
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	up, err := s.cfg.Dialer.Dial(dctx, c.LocalAddr().Addr(), server, func(local netip.AddrPort) error {
		l.proxy = local
		b := authority.Binding{Client: l.client, Server: server, Proxy: local}
		if err := s.cfg.Authority.Register(ctx, b); err != nil {
			return fmt.Errorf("%w %s: %w", errRegister, b, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errRegister) {
			return nil, "register", err
		}
		return nil, "connect", err
	}
	return up, "", nil
}

// establish adds both legs to the poller and the connection table.
func (s *Server) establish(c, up sock.Conn, l *link) error {
	if err := s.poller.Add(c.Fd(), poll.Readable); err != nil {
		_ = up.Close()
		return err
	}
	if err := s.poller.Add(up.Fd(), poll.Readable); err != nil {
		_ = s.poller.Remove(c.Fd())
		_ = up.Close()
		return err
	}

	s.conns[c.Fd()] = &conn{sock: c, fd: c.Fd(), role: clientRole, peer: up.Fd(), link: l, interest: poll.Readable}
	s.conns[up.Fd()] = &conn{sock: up, fd: up.Fd(), role: serverRole, peer: c.Fd(), link: l, interest: poll.Readable}
	l.state = Established
	s.cfg.Metrics.ActiveLinks.Inc()
	return nil
}

// stop releases everything Serve owns.
func (s *Server) stop() {
	for fd, c := range s.conns {
		_ = s.poller.Remove(fd)
		_ = c.sock.Close()
		if c.role == clientRole {
			s.cfg.Inspector.Forget(fd)
			s.cfg.Metrics.ActiveLinks.Dec()
		}
		s.cfg.Metrics.PendingBytes.Sub(float64(len(c.pending)))
		delete(s.conns, fd)
	}
	_ = s.poller.Remove(s.ln.Fd())
	_ = s.ln.Shutdown()
	if err := s.ln.Close(); err != nil {
		s.log.WithError(err).Debug("close listener")
	}
	_ = s.poller.Close()
}
