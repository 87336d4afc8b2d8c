//go:build linux

package poll

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/assert"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	assert.NilError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func waitFor(t *testing.T, p Poller, fd int) Events {
	t.Helper()

	evs, err := p.Wait(time.Second, nil)
	assert.NilError(t, err)
	var got Events
	for _, ev := range evs {
		if ev.Fd == fd {
			got |= ev.Events
		}
	}
	return got
}

func TestEpollReadable(t *testing.T) {
	t.Parallel()

	p, err := New()
	assert.NilError(t, err)
	defer p.Close()

	a, b := socketPair(t)
	assert.NilError(t, p.Add(a, Readable))

	evs, err := p.Wait(10*time.Millisecond, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(evs), 0)

	_, err = unix.Write(b, []byte("x"))
	assert.NilError(t, err)
	assert.Equal(t, waitFor(t, p, a), Readable)
}

func TestEpollWritableInterest(t *testing.T) {
	t.Parallel()

	p, err := New()
	assert.NilError(t, err)
	defer p.Close()

	a, _ := socketPair(t)
	assert.NilError(t, p.Add(a, Readable))
	assert.NilError(t, p.Modify(a, Readable|Writable))
	assert.Equal(t, waitFor(t, p, a), Writable)

	assert.NilError(t, p.Remove(a))
	assert.Assert(t, p.Remove(a) != nil)
}

func TestEpollHangUpWithoutInterest(t *testing.T) {
	t.Parallel()

	p, err := New()
	assert.NilError(t, err)
	defer p.Close()

	a, _ := socketPair(t)
	assert.NilError(t, p.Add(a, Readable))
	assert.NilError(t, p.Modify(a, 0))
	assert.NilError(t, unix.Shutdown(a, unix.SHUT_RDWR))

	assert.Assert(t, waitFor(t, p, a)&HangUp != 0)
}

func TestEventsString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Events(0).String(), "none")
	assert.Equal(t, (Readable | HangUp).String(), "read|hup")
}
