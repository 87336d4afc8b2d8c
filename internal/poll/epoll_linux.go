//go:build linux

package poll

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type epoll struct {
	fd  int
	raw []unix.EpollEvent
}

// New creates an epoll-backed Poller.
func New() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epoll{fd: fd, raw: make([]unix.EpollEvent, 128)}, nil
}

func (p *epoll) Add(fd int, ev Events) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epoll) Modify(fd int, ev Events) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epoll) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll del %d: %w", fd, err)
	}
	return nil
}

func (p *epoll) ctl(op, fd int, ev Events) error {
	e := unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, op, fd, &e); err != nil {
		return fmt.Errorf("epoll ctl %d fd %d: %w", op, fd, err)
	}
	return nil
}

func (p *epoll) Wait(timeout time.Duration, buf []Event) ([]Event, error) {
	buf = buf[:0]
	n, err := unix.EpollWait(p.fd, p.raw, int(timeout/time.Millisecond))
	if errors.Is(err, unix.EINTR) {
		return buf, nil
	}
	if err != nil {
		return buf, fmt.Errorf("epoll wait: %w", err)
	}
	for _, e := range p.raw[:n] {
		buf = append(buf, Event{Fd: int(e.Fd), Events: fromEpoll(e.Events)})
	}
	if n == len(p.raw) {
		p.raw = make([]unix.EpollEvent, 2*len(p.raw))
	}
	return buf, nil
}

func (p *epoll) Close() error {
	return unix.Close(p.fd)
}

func toEpoll(ev Events) uint32 {
	var r uint32
	if ev&Readable != 0 {
		r |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev&Writable != 0 {
		r |= unix.EPOLLOUT
	}
	return r
}

func fromEpoll(r uint32) Events {
	var ev Events
	if r&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		ev |= Readable
	}
	if r&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if r&unix.EPOLLHUP != 0 {
		ev |= HangUp
	}
	if r&unix.EPOLLERR != 0 {
		ev |= Error
	}
	return ev
}
