package relay

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/fwrelay/internal/inspect"
	"github.com/die-net/fwrelay/internal/sock"
)

// readable drains c until it would block or more than ReadLimit bytes have
// been read, delivers what arrived, and then acts on end-of-stream or a
// read error.
func (s *Server) readable(c *conn) {
	if c.closing || c.paused {
		return
	}

	chunk := s.chunk[:0]
	var (
		eof     bool
		readErr error
	)
	for len(chunk) <= s.cfg.ReadLimit {
		n, err := c.sock.Read(s.scratch)
		if errors.Is(err, sock.ErrWouldBlock) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		if n == 0 {
			eof = true
			break
		}
		chunk = append(chunk, s.scratch[:n]...)
	}
	s.chunk = chunk[:0]

	if len(chunk) > 0 {
		s.deliver(c, chunk)
	}
	if s.conns[c.fd] != c {
		return
	}
	switch {
	case readErr != nil:
		c.link.log.WithError(readErr).WithField("role", c.role).Debug("read failed")
		s.requestShutdown(c, "read")
	case eof:
		s.requestShutdown(c, "eof")
	}
}

// deliver runs client chunks through the inspector before forwarding. A
// vetoed chunk is dropped and its sender shut down.
func (s *Server) deliver(c *conn, chunk []byte) {
	if c.role == clientRole {
		if s.cfg.Inspector.Inspect(c.fd, chunk) == inspect.Veto {
			name := s.cfg.Inspector.Name()
			c.link.log.WithField("policy", name).Warn("vetoed")
			s.cfg.Metrics.Vetoes.WithLabelValues(name).Inc()
			s.requestShutdown(c, "veto")
			return
		}
	}
	s.forward(c, chunk)
}

// forward sends chunk from c to its peer. If the peer already has buffered
// bytes the chunk is queued behind them; otherwise it is sent directly and
// any remainder is buffered on the peer.
func (s *Server) forward(c *conn, chunk []byte) {
	p := s.conns[c.peer]
	if p == nil || p.closing {
		c.link.log.WithFields(logrus.Fields{"role": c.role, "bytes": len(chunk)}).Debug("peer closing, dropped")
		return
	}

	if len(p.pending) > 0 {
		s.queue(c, p, chunk)
		return
	}

	n, err := p.sock.Write(chunk)
	if errors.Is(err, sock.ErrWouldBlock) {
		n, err = 0, nil
	}
	if err != nil {
		c.link.log.WithError(err).WithField("role", p.role).Debug("send failed")
		_, _ = c.sock.Write(sendFailureMsg)
		s.requestShutdown(c, "send")
		return
	}
	s.cfg.Metrics.Bytes.WithLabelValues(c.role.direction()).Add(float64(n))

	if n < len(chunk) {
		s.queue(c, p, chunk[n:])
	}
}

// queue appends b to p's pending buffer and pauses the sender c once the
// buffer is over the high-water mark.
func (s *Server) queue(c, p *conn, b []byte) {
	p.pending = append(p.pending, b...)
	s.cfg.Metrics.PendingBytes.Add(float64(len(b)))
	if len(p.pending) > s.cfg.MaxPending && !c.paused {
		c.paused = true
		c.link.log.WithField("pending", len(p.pending)).Debug("paused reading")
		s.updateInterest(c)
	}
	if s.conns[p.fd] == p {
		s.updateInterest(p)
	}
}

// writable flushes c's pending buffer. A notification with nothing to
// flush is stale and only reverts the interest.
func (s *Server) writable(c *conn) {
	if c.closing {
		return
	}
	if len(c.pending) > 0 {
		n, err := c.sock.Write(c.pending)
		if errors.Is(err, sock.ErrWouldBlock) {
			n, err = 0, nil
		}
		if err != nil {
			c.link.log.WithError(err).WithField("role", c.role).Debug("flush failed")
			s.requestShutdown(c, "send")
			return
		}
		c.pending = c.pending[n:]
		s.cfg.Metrics.PendingBytes.Sub(float64(n))
		if p := s.conns[c.peer]; p != nil {
			s.cfg.Metrics.Bytes.WithLabelValues(p.role.direction()).Add(float64(n))
		}
	}

	if len(c.pending) == 0 {
		c.pending = nil
		if p := s.conns[c.peer]; p != nil && p.paused {
			p.paused = false
			s.updateInterest(p)
		}
	}
	if s.conns[c.fd] == c {
		s.updateInterest(c)
	}
}

// updateInterest reregisters c with the poller if its wanted interest
// changed.
func (s *Server) updateInterest(c *conn) {
	want := c.wantInterest()
	if want == c.interest {
		return
	}
	if err := s.poller.Modify(c.fd, want); err != nil {
		c.link.log.WithError(err).Warn("update interest")
		s.teardown(c, "poll")
		return
	}
	c.interest = want
}

// requestShutdown half-closes c and stops watching it for data. The pair is
// released when the poller reports the resulting hang-up. If the socket
// cannot be shut down the pair is released at once.
func (s *Server) requestShutdown(c *conn, reason string) {
	if c.closing {
		return
	}
	c.closing = true
	c.link.state = ShuttingDown
	s.cfg.Metrics.Shutdowns.WithLabelValues(reason).Inc()
	c.link.log.WithFields(logrus.Fields{"role": c.role, "reason": reason}).Debug("shutting down")

	if err := s.poller.Modify(c.fd, 0); err != nil {
		s.teardown(c, "poll")
		return
	}
	c.interest = 0
	if err := c.sock.Shutdown(); err != nil {
		c.link.log.WithError(err).Debug("shutdown failed")
		s.teardown(c, "shutdown")
	}
}

// teardown closes both legs of c's pair and forgets them in one step.
func (s *Server) teardown(c *conn, cause string) {
	if s.conns[c.fd] != c {
		return
	}
	legs := [2]*conn{c, nil}
	if p := s.conns[c.peer]; p != nil && p.peer == c.fd {
		legs[1] = p
	}
	for _, x := range legs {
		if x == nil || s.conns[x.fd] != x {
			continue
		}
		_ = s.poller.Remove(x.fd)
		_ = x.sock.Close()
		delete(s.conns, x.fd)
		if x.role == clientRole {
			s.cfg.Inspector.Forget(x.fd)
		}
		s.cfg.Metrics.PendingBytes.Sub(float64(len(x.pending)))
		x.pending = nil
	}

	l := c.link
	l.state = Closed
	s.cfg.Metrics.ActiveLinks.Dec()
	s.cfg.Metrics.LinkDuration.Observe(time.Since(l.started).Seconds())
	l.log.WithField("cause", cause).Debug("link closed")
}
