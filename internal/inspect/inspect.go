// Package inspect holds the per-protocol policies that look at
// client-to-server data before the relay forwards it.
//
// An Inspector is owned by the relay's event loop and is never called
// concurrently. Policies that track state per connection key it by the
// client descriptor and drop it in Forget.
package inspect

import (
	"fmt"
	"sort"
	"strings"
)

// Verdict is the outcome of inspecting one chunk.
type Verdict int

const (
	Forward Verdict = iota
	Veto
)

func (v Verdict) String() string {
	switch v {
	case Forward:
		return "forward"
	case Veto:
		return "veto"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Classifier reports whether text is content that must not leave.
type Classifier interface {
	Classify(text string) bool
}

type Inspector interface {
	// Name identifies the policy in logs and metrics.
	Name() string
	// Inspect looks at one chunk read from the client connection fd.
	Inspect(fd int, chunk []byte) Verdict
	// Forget drops any state kept for fd.
	Forget(fd int)
}

// Passthrough forwards everything.
type Passthrough struct{}

func (Passthrough) Name() string                { return "none" }
func (Passthrough) Inspect(int, []byte) Verdict { return Forward }
func (Passthrough) Forget(int)                  {}

type policy struct {
	port uint16
	new  func(Classifier) Inspector
}

var policies = map[string]policy{
	"none":     {port: 0, new: func(Classifier) Inspector { return Passthrough{} }},
	"http":     {port: 8001, new: func(c Classifier) Inspector { return NewHTTP(c) }},
	"smtp":     {port: 2500, new: func(c Classifier) Inspector { return NewSMTP(c) }},
	"orientdb": {port: 24801, new: func(Classifier) Inspector { return NewSQLPrivilege() }},
}

// New returns the policy called name. Content policies consult c.
func New(name string, c Classifier) (Inspector, error) {
	p, ok := policies[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown inspection policy %q (want one of %s)", name, strings.Join(Names(), ", "))
	}
	return p.new(c), nil
}

// DefaultPort is the port a policy listens on when no listen address is
// configured. ok is false for policies without one.
func DefaultPort(name string) (port uint16, ok bool) {
	p, found := policies[strings.ToLower(name)]
	if !found || p.port == 0 {
		return 0, false
	}
	return p.port, true
}

// Names lists the known policy names.
func Names() []string {
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
