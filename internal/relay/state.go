package relay

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/fwrelay/internal/poll"
	"github.com/die-net/fwrelay/internal/sock"
)

// PairState is the lifecycle stage of a client/server pair.
type PairState int

const (
	Accepted PairState = iota
	Resolving
	Connecting
	Established
	ShuttingDown
	Closed
)

func (s PairState) String() string {
	switch s {
	case Accepted:
		return "ACCEPTED"
	case Resolving:
		return "RESOLVING"
	case Connecting:
		return "CONNECTING"
	case Established:
		return "ESTABLISHED"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("PairState(%d)", int(s))
	}
}

type role int

const (
	clientRole role = iota
	serverRole
)

func (r role) String() string {
	if r == clientRole {
		return "client"
	}
	return "server"
}

// direction labels bytes written on behalf of a sender with this role.
func (r role) direction() string {
	if r == clientRole {
		return "client_to_server"
	}
	return "server_to_client"
}

// link is shared by the two legs of a pair.
type link struct {
	id      string
	client  netip.AddrPort
	server  netip.AddrPort
	proxy   netip.AddrPort
	state   PairState
	started time.Time
	log     *logrus.Entry
}

// conn is one leg of a pair.
type conn struct {
	sock sock.Conn
	fd   int
	role role
	peer int
	link *link

	// pending holds bytes read from the peer that this socket has not
	// accepted yet.
	pending  []byte
	interest poll.Events
	// paused is set while the peer's pending buffer is over the high-water
	// mark.
	paused  bool
	closing bool
}

// wantInterest derives the poller interest from the leg's state.
func (c *conn) wantInterest() poll.Events {
	switch {
	case c.closing:
		return 0
	case c.paused && len(c.pending) > 0:
		return poll.Writable
	case c.paused:
		return 0
	case len(c.pending) > 0:
		return poll.Readable | poll.Writable
	default:
		return poll.Readable
	}
}
