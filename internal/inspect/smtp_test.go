package inspect

import (
	"testing"

	"gotest.tools/assert"

	"github.com/die-net/fwrelay/internal/dlp"
)

func feed(s *SMTP, fd int, chunks ...string) []Verdict {
	var out []Verdict
	for _, c := range chunks {
		out = append(out, s.Inspect(fd, []byte(c)))
	}
	return out
}

func TestSMTPCommandsForwarded(t *testing.T) {
	t.Parallel()

	s := NewSMTP(dlp.New())
	got := feed(s, 4, "EHLO client\r\n", "MAIL FROM:<a@x>\r\n", "#include <stdio.h>\r\n")
	assert.DeepEqual(t, got, []Verdict{Forward, Forward, Forward})
	assert.Equal(t, len(s.conns), 0)
}

func TestSMTPVetoAcrossChunks(t *testing.T) {
	t.Parallel()

	s := NewSMTP(dlp.New())
	got := feed(s, 4,
		"DATA\r\n",
		"Subject: notes\r\n\r\nsee below\r\n#include <std",
		"io.h>\r\n",
	)
	assert.DeepEqual(t, got, []Verdict{Forward, Forward, Veto})

	s.Forget(4)
	assert.Equal(t, len(s.conns), 0)
}

func TestSMTPPipelinedData(t *testing.T) {
	t.Parallel()

	s := NewSMTP(dlp.New())
	got := feed(s, 4,
		"MAIL FROM:<a@x>\r\nRCPT TO:<b@y>\r\nDATA\r\n",
		"Subject: x\r\n\r\nint main(void) {\r\n",
	)
	assert.DeepEqual(t, got, []Verdict{Forward, Veto})
}

func TestSMTPResetsAfterTerminator(t *testing.T) {
	t.Parallel()

	s := NewSMTP(dlp.New())
	got := feed(s, 4,
		"DATA\r\n",
		"Subject: x\r\n\r\nhello there\r\n.",
		"\r\nQUIT\r\n",
		"#include <stdio.h>\r\n",
	)
	assert.DeepEqual(t, got, []Verdict{Forward, Forward, Forward, Forward})
	assert.Equal(t, len(s.conns), 0)
}

func TestSMTPSecondMessage(t *testing.T) {
	t.Parallel()

	s := NewSMTP(dlp.New())
	got := feed(s, 4,
		"DATA\r\n",
		"Subject: one\r\n\r\nfine\r\n.\r\nMAIL FROM:<a@x>\r\n",
		"DATA\r\n",
		"Subject: two\r\n\r\n#define LEN 10\r\n#include <string.h>\r\n",
	)
	assert.DeepEqual(t, got, []Verdict{Forward, Forward, Forward, Veto})
}

func TestSMTPConnectionsIndependent(t *testing.T) {
	t.Parallel()

	s := NewSMTP(dlp.New())
	assert.Equal(t, s.Inspect(4, []byte("DATA\r\n")), Forward)
	assert.Equal(t, s.Inspect(9, []byte("#include <stdio.h>\r\n")), Forward)
	assert.Equal(t, s.Inspect(4, []byte("#include <stdio.h>\r\n")), Veto)
}

func TestMessageText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{
			name: "plain",
			msg:  "Subject: x\r\n\r\nhello\r\n",
			want: "hello\r\n",
		},
		{
			name: "no headers",
			msg:  "#include <stdio.h>\r\n",
			want: "#include <stdio.h>\r\n",
		},
		{
			name: "multipart",
			msg: "Subject: x\r\nContent-Type: multipart/mixed; boundary=XX\r\n\r\n" +
				"--XX\r\nContent-Type: text/plain\r\n\r\nhello\r\n" +
				"--XX\r\nContent-Type: text/plain\r\n\r\nworld\r\n--XX--\r\n",
			want: "hello\r\nworld",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, messageText([]byte(tt.msg)), tt.want)
		})
	}
}

func TestAppendCapped(t *testing.T) {
	t.Parallel()

	buf := appendCapped(make([]byte, MaxMessage-2), []byte("abcd"))
	assert.Equal(t, len(buf), MaxMessage)
	assert.Equal(t, string(buf[MaxMessage-2:]), "ab")
	assert.Equal(t, len(appendCapped(buf, []byte("e"))), MaxMessage)
}
