package inspect

import (
	"testing"

	"gotest.tools/assert"

	"github.com/die-net/fwrelay/internal/dlp"
)

const (
	leakRequest  = "GET / HTTP/1.1\r\nHost: x\r\n\r\n#include <stdio.h>\nint main(void) { return 0; }\n"
	proseRequest = "POST /notes HTTP/1.1\r\nHost: x\r\n\r\nMeeting moved to Thursday afternoon.\nPlease bring the quarterly numbers.\n"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		wantName string
		wantPort uint16
		wantErr  bool
	}{
		{name: "none", wantName: "none"},
		{name: "http", wantName: "http", wantPort: 8001},
		{name: "SMTP", wantName: "smtp", wantPort: 2500},
		{name: "orientdb", wantName: "orientdb", wantPort: 24801},
		{name: "ftp", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := New(tt.name, dlp.New())
			if tt.wantErr {
				assert.Assert(t, err != nil)
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, in.Name(), tt.wantName)

			port, ok := DefaultPort(tt.name)
			assert.Equal(t, ok, tt.wantPort != 0)
			assert.Equal(t, port, tt.wantPort)
		})
	}
}

func TestPassthrough(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Passthrough{}.Inspect(3, []byte(leakRequest)), Forward)
}

func TestHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chunk string
		want  Verdict
	}{
		{name: "code in body", chunk: leakRequest, want: Veto},
		{name: "prose in body", chunk: proseRequest, want: Forward},
		{name: "headers only", chunk: "GET / HTTP/1.1\r\nHost: x\r\n\r\n", want: Forward},
		{name: "body continuation", chunk: "#include <stdlib.h>\nvoid f() {\n}\n", want: Veto},
		{name: "escaped newlines in form field", chunk: "POST / HTTP/1.1\r\n\r\nsrc=#include <stdio.h>\\nint x;", want: Veto},
	}
	h := NewHTTP(dlp.New())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, h.Inspect(5, []byte(tt.chunk)), tt.want)
		})
	}
}

func TestSQLPrivilege(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chunk string
		want  Verdict
	}{
		{
			name:  "grant on ouser",
			chunk: "POST /command/demodb/sql/-/20 HTTP/1.1\r\nHost: x\r\n\r\nGRANT UPDATE ON database.class.ouser TO writer",
			want:  Veto,
		},
		{
			name:  "grant with bare newlines",
			chunk: "POST /command/demodb/sql/-/20 HTTP/1.1\nHost: x\n\ngrant execute on database.function to writer",
			want:  Veto,
		},
		{
			name:  "plain query",
			chunk: "POST /command/demodb/sql/-/20 HTTP/1.1\r\nHost: x\r\n\r\nselect from V",
			want:  Forward,
		},
		{
			name:  "grant to reader",
			chunk: "POST /command/demodb/sql/-/20 HTTP/1.1\r\n\r\ngrant read on database.systemclusters to reader",
			want:  Forward,
		},
		{
			name:  "not a command",
			chunk: "GET /command/demodb/sql/-/20 HTTP/1.1\r\n\r\ngrant read on database.function to writer",
			want:  Forward,
		},
		{
			name:  "grant in header only",
			chunk: "POST /command/demodb/sql/-/20 HTTP/1.1\r\nX-Note: grant read on database.function to writer\r\n\r\nselect 1",
			want:  Forward,
		},
	}
	p := NewSQLPrivilege()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, p.Inspect(7, []byte(tt.chunk)), tt.want)
		})
	}
}
