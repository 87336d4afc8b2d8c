//go:build linux

package authority

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// OriginalDst resolves flows redirected by netfilter (REDIRECT or TPROXY)
// through SO_ORIGINAL_DST on the accepted socket. Registration is a no-op:
// conntrack follows the relay's own connection without help.
type OriginalDst struct{}

var _ Authority = OriginalDst{}

func NewOriginalDst() (OriginalDst, error) {
	return OriginalDst{}, nil
}

func (OriginalDst) Resolve(_ context.Context, f Flow) (netip.AddrPort, error) {
	// The kernel fills a sockaddr_in; an ipv6_mreq is large enough to
	// carry it.
	mreq, err := unix.GetsockoptIPv6Mreq(f.Fd, unix.SOL_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: SO_ORIGINAL_DST: %w: %w", f.Client, err, ErrNoMatch)
	}
	raw := mreq.Multiaddr
	if binary.NativeEndian.Uint16(raw[0:2]) != unix.AF_INET {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: original destination is not IPv4: %w", f.Client, ErrNoMatch)
	}
	port := binary.BigEndian.Uint16(raw[2:4])
	addr := netip.AddrFrom4([4]byte{raw[4], raw[5], raw[6], raw[7]})
	return netip.AddrPortFrom(addr, port), nil
}

func (OriginalDst) Register(context.Context, Binding) error {
	return nil
}
