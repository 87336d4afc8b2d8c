package inspect

import (
	"bytes"
	"fmt"
	"regexp"
)

var orientCommand = regexp.MustCompile(`^POST /command/.*/sql/-/20`)

var orientGrants = func() [][]byte {
	var grants [][]byte
	for _, target := range []string{"database.class.ouser", "database.function", "database.systemclusters"} {
		for _, priv := range []string{"create", "read", "update", "execute", "delete"} {
			grants = append(grants, fmt.Appendf(nil, "grant %s on %s to writer", priv, target))
		}
	}
	return grants
}()

// SQLPrivilege vetoes OrientDB REST SQL commands that grant the writer
// role privileges on the user, function or system-cluster resources.
type SQLPrivilege struct{}

func NewSQLPrivilege() *SQLPrivilege {
	return &SQLPrivilege{}
}

func (*SQLPrivilege) Name() string { return "orientdb" }

func (*SQLPrivilege) Inspect(_ int, chunk []byte) Verdict {
	if !orientCommand.Match(chunk) {
		return Forward
	}
	payload := chunk
	if i := bytes.Index(chunk, headerEnd); i >= 0 {
		payload = chunk[i+len(headerEnd):]
	} else if i := bytes.Index(chunk, []byte("\n\n")); i >= 0 {
		payload = chunk[i+2:]
	}
	payload = bytes.ToLower(payload)
	for _, g := range orientGrants {
		if bytes.Contains(payload, g) {
			return Veto
		}
	}
	return Forward
}

func (*SQLPrivilege) Forget(int) {}
