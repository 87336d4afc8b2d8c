package authority

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

// DefaultTablePath is where the packet filter exposes its connection table.
const DefaultTablePath = "/sys/class/fw/fw_con_tab/show_and_handle_connections"

// recordAddProxyAsClient is the record kind that attaches a proxy-as-client
// port to an existing client/server row.
const recordAddProxyAsClient = 1

// TCPState is the packet filter's view of one TCP leg.
type TCPState int

const (
	NoConnection TCPState = iota
	SynSent
	SynAckSent
	Established
	FinSent
	OnlyAckSent
	FinAckSent
	Closed
)

var stateNames = [...]string{
	"TCP_NO_CONNECTION",
	"TCP_OPEN_SYN_SENT",
	"TCP_OPEN_SYN_ACK_SENT",
	"TCP_IS_ESTABLISHED",
	"TCP_CLOSE_FIN_SENT",
	"TCP_CLOSE_ONLY_ACK_SENT",
	"TCP_CLOSE_FIN_ACK_SENT",
	"TCP_IS_CLOSED",
}

func (s TCPState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "TCP_STATE(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Row is one entry of the connection table.
type Row struct {
	Client        netip.AddrPort
	Server        netip.AddrPort
	ProxyAsServer uint16
	ProxyAsClient uint16
	// State is the state of a directly connected flow. It is NoConnection
	// for rows that are already proxied.
	State TCPState
	// ClientLeg and ServerLeg are the states of the proxy-to-client and
	// proxy-to-server connections of a proxied row.
	ClientLeg TCPState
	ServerLeg TCPState
}

// Proxied reports whether the row carries the extended proxy tuple.
func (r Row) Proxied() bool {
	return r.State == NoConnection
}

// ParseRow parses one table line. Addresses and ports are the raw network
// byte order values printed as host integers.
func ParseRow(line string) (Row, error) {
	f := strings.Fields(line)
	if len(f) != 9 {
		return Row{}, fmt.Errorf("connection row %q: want 9 fields, got %d", line, len(f))
	}

	var n [9]uint64
	for i, s := range f {
		bits := 16
		switch {
		case i == 0 || i == 2:
			bits = 32
		case i >= 6:
			bits = 8
		}
		v, err := strconv.ParseUint(s, 10, bits)
		if err != nil {
			return Row{}, fmt.Errorf("connection row %q: field %d: %w", line, i, err)
		}
		n[i] = v
	}

	return Row{
		Client:        netip.AddrPortFrom(ipFromWire(uint32(n[0])), portFromWire(uint16(n[1]))),
		Server:        netip.AddrPortFrom(ipFromWire(uint32(n[2])), portFromWire(uint16(n[3]))),
		ProxyAsServer: portFromWire(uint16(n[4])),
		ProxyAsClient: portFromWire(uint16(n[5])),
		State:         TCPState(n[6]),
		ClientLeg:     TCPState(n[7]),
		ServerLeg:     TCPState(n[8]),
	}, nil
}

// ParseTable parses every non-blank line of r.
func ParseTable(r io.Reader) ([]Row, error) {
	var rows []Row
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		row, err := ParseRow(line)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read connection table: %w", err)
	}
	return rows, nil
}

// FormatRegister encodes b as the single control line the packet filter
// accepts: record kind, client ip, client port, server ip, server port and
// proxy-as-client port, all in network byte order.
func FormatRegister(b Binding) (string, error) {
	if !b.Client.Addr().Is4() || !b.Server.Addr().Is4() {
		return "", fmt.Errorf("register %s: connection table is IPv4 only", b)
	}
	return fmt.Sprintf("%d %d %d %d %d %d\n",
		recordAddProxyAsClient,
		ipToWire(b.Client.Addr()), portToWire(b.Client.Port()),
		ipToWire(b.Server.Addr()), portToWire(b.Server.Port()),
		portToWire(b.Proxy.Port()),
	), nil
}

// Table is the packet filter's connection table exposed as a device
// attribute: reading lists the rows, writing a control line updates them.
type Table struct {
	path string
}

var _ Authority = (*Table)(nil)

func NewTable(path string) *Table {
	return &Table{path: path}
}

func (t *Table) Rows() ([]Row, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open connection table: %w", err)
	}
	defer f.Close()
	return ParseTable(f)
}

func (t *Table) Resolve(ctx context.Context, fl Flow) (netip.AddrPort, error) {
	if err := ctx.Err(); err != nil {
		return netip.AddrPort{}, err
	}
	rows, err := t.Rows()
	if err != nil {
		return netip.AddrPort{}, err
	}
	var servers []netip.AddrPort
	for _, r := range rows {
		if r.Client == fl.Client {
			servers = append(servers, r.Server)
		}
	}
	return pick(fl.Client, servers)
}

func (t *Table) Register(ctx context.Context, b Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := FormatRegister(b)
	if err != nil {
		return err
	}
	// No O_CREATE: a missing attribute means the filter is not loaded.
	f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("open connection table: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("register %s: %w", b, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("register %s: %w", b, err)
	}
	return nil
}

func ipFromWire(v uint32) netip.Addr {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

func ipToWire(a netip.Addr) uint32 {
	b := a.As4()
	return binary.NativeEndian.Uint32(b[:])
}

func portFromWire(v uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], v)
	return binary.BigEndian.Uint16(b[:])
}

func portToWire(p uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], p)
	return binary.NativeEndian.Uint16(b[:])
}
