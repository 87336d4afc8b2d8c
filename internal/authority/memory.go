package authority

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
)

// StaticFlow is a configured client to server mapping.
type StaticFlow struct {
	Client string `yaml:"client"`
	Server string `yaml:"server"`
}

// Memory is an in-process flow table. It backs static:// and stands in for
// the packet filter in tests.
type Memory struct {
	mu       sync.Mutex
	flows    map[netip.AddrPort][]netip.AddrPort
	bindings []Binding
}

var _ Authority = (*Memory)(nil)

func NewMemory(flows ...StaticFlow) (*Memory, error) {
	m := &Memory{flows: make(map[netip.AddrPort][]netip.AddrPort)}
	for _, f := range flows {
		client, err := netip.ParseAddrPort(f.Client)
		if err != nil {
			return nil, fmt.Errorf("static flow client %q: %w", f.Client, err)
		}
		server, err := netip.ParseAddrPort(f.Server)
		if err != nil {
			return nil, fmt.Errorf("static flow server %q: %w", f.Server, err)
		}
		m.Add(client, server)
	}
	return m, nil
}

// Add records a flow from client to server. Adding a second server for the
// same client makes resolution ambiguous.
func (m *Memory) Add(client, server netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[client] = append(m.flows[client], server)
}

func (m *Memory) Remove(client netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flows, client)
}

func (m *Memory) Resolve(_ context.Context, f Flow) (netip.AddrPort, error) {
	m.mu.Lock()
	servers := slices.Clone(m.flows[f.Client])
	m.mu.Unlock()
	return pick(f.Client, servers)
}

func (m *Memory) Register(_ context.Context, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings = append(m.bindings, b)
	return nil
}

// Bindings returns every registration received so far.
func (m *Memory) Bindings() []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.bindings)
}
