package poll

import (
	"strings"
	"time"
)

// Events is a set of readiness conditions.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	HangUp
	Error
)

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, c := range []struct {
		ev   Events
		name string
	}{
		{Readable, "read"},
		{Writable, "write"},
		{HangUp, "hup"},
		{Error, "err"},
	} {
		if e&c.ev != 0 {
			parts = append(parts, c.name)
		}
	}
	return strings.Join(parts, "|")
}

// Event reports the conditions observed on one descriptor.
type Event struct {
	Fd     int
	Events Events
}

// Poller waits for readiness on a set of registered descriptors.
type Poller interface {
	Add(fd int, ev Events) error
	Modify(fd int, ev Events) error
	Remove(fd int) error
	// Wait blocks for at most timeout and appends the ready events to
	// buf[:0]. An interrupted wait returns no events and no error.
	Wait(timeout time.Duration, buf []Event) ([]Event, error)
	Close() error
}
