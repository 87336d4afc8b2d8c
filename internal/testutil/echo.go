package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/die-net/fwrelay/internal/sock"
)

// StartEchoTCPServer listens on loopback and echoes every accepted
// connection until its peer closes. Closing the listener stops accepting.
func StartEchoTCPServer(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	return ln
}

func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(buf))
	}
}

// AssertEchoConn is AssertEcho for a non-blocking sock.Conn. It gives up
// after five seconds.
func AssertEchoConn(t *testing.T, c sock.Conn, msg []byte) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for rest := msg; len(rest) > 0; {
		n, err := c.Write(rest)
		switch {
		case errors.Is(err, sock.ErrWouldBlock):
			time.Sleep(5 * time.Millisecond)
		case err != nil:
			t.Fatal(err)
		}
		rest = rest[n:]
		if time.Now().After(deadline) {
			t.Fatal("timed out writing")
		}
	}

	got := make([]byte, 0, len(msg))
	buf := make([]byte, len(msg))
	for len(got) < len(msg) {
		n, err := c.Read(buf[:len(msg)-len(got)])
		switch {
		case errors.Is(err, sock.ErrWouldBlock):
			if time.Now().After(deadline) {
				t.Fatalf("timed out reading, got %q", string(got))
			}
			time.Sleep(5 * time.Millisecond)
			continue
		case err != nil:
			t.Fatal(err)
		case n == 0:
			t.Fatalf("unexpected EOF after %q", string(got))
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(got))
	}
}
