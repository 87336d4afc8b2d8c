package inspect

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
)

// MaxMessage caps how much of one SMTP message body is kept for
// classification. Bytes past the cap are forwarded uninspected.
const MaxMessage = 256 << 10

var (
	dataCmd        = []byte("DATA")
	dataTerminator = []byte("\r\n.\r\n")
)

// SMTP classifies message bodies sent after a DATA command. The body is
// accumulated across chunks and classified again on every chunk, so a
// message split over several reads is judged as a whole. State resets once
// the terminating "." line is seen.
type SMTP struct {
	c     Classifier
	conns map[int]*smtpConn
}

type smtpConn struct {
	msg []byte
	// tail holds the last bytes of the data stream so that a terminator
	// split across chunks is still found.
	tail []byte
}

func NewSMTP(c Classifier) *SMTP {
	return &SMTP{c: c, conns: make(map[int]*smtpConn)}
}

func (*SMTP) Name() string { return "smtp" }

func (s *SMTP) Forget(fd int) {
	delete(s.conns, fd)
}

func (s *SMTP) Inspect(fd int, chunk []byte) Verdict {
	for len(chunk) > 0 {
		st := s.conns[fd]
		if st == nil {
			rest, ok := afterDataCommand(chunk)
			if !ok {
				return Forward
			}
			// The body starts on a fresh line.
			st = &smtpConn{tail: []byte("\r\n")}
			s.conns[fd] = st
			chunk = rest
			continue
		}

		body, rest, done := st.feed(chunk)
		st.msg = appendCapped(st.msg, body)
		if s.c.Classify(messageText(st.msg)) {
			return Veto
		}
		if !done {
			return Forward
		}
		delete(s.conns, fd)
		chunk = rest
	}
	return Forward
}

// feed consumes chunk in DATA mode. It returns the message bytes it
// contained, whatever followed the terminator, and whether the terminator
// was seen.
func (st *smtpConn) feed(chunk []byte) (body, rest []byte, done bool) {
	joined := append(append([]byte(nil), st.tail...), chunk...)
	i := bytes.Index(joined, dataTerminator)
	if i < 0 {
		if len(joined) > len(dataTerminator) {
			joined = joined[len(joined)-len(dataTerminator):]
		}
		st.tail = joined
		return chunk, nil, false
	}
	// Terminator offsets in joined are shifted by len(tail).
	end := i - len(st.tail)
	if end < 0 {
		end = 0
	}
	after := i + len(dataTerminator) - len(st.tail)
	return chunk[:end], chunk[after:], true
}

func appendCapped(dst, src []byte) []byte {
	if room := MaxMessage - len(dst); room < len(src) {
		if room <= 0 {
			return dst
		}
		src = src[:room]
	}
	return append(dst, src...)
}

// afterDataCommand finds a DATA command line in chunk and returns what
// follows it.
func afterDataCommand(chunk []byte) ([]byte, bool) {
	for line := chunk; len(line) > 0; {
		next := len(line)
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			next = i + 1
		}
		cmd := bytes.TrimRight(line[:next], "\r\n")
		if bytes.EqualFold(bytes.TrimSpace(cmd), dataCmd) {
			return line[next:], true
		}
		line = line[next:]
	}
	return nil, false
}

// messageText returns the text of a possibly incomplete message: the body
// when headers parse, each part's body joined with CRLF for multipart
// messages, and the raw bytes otherwise.
func messageText(msg []byte) string {
	m, err := mail.ReadMessage(bytes.NewReader(msg))
	if err != nil {
		return string(msg)
	}
	body, _ := io.ReadAll(m.Body)

	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return string(body)
	}

	var parts []string
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		b, _ := io.ReadAll(p)
		parts = append(parts, string(b))
	}
	if len(parts) == 0 {
		return string(body)
	}
	return strings.Join(parts, "\r\n")
}
