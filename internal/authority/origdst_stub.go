//go:build !linux

package authority

import (
	"context"
	"errors"
	"net/netip"
)

type OriginalDst struct{}

func NewOriginalDst() (OriginalDst, error) {
	return OriginalDst{}, errors.New("original destination lookup is only supported on linux")
}

func (OriginalDst) Resolve(context.Context, Flow) (netip.AddrPort, error) {
	return netip.AddrPort{}, ErrNoMatch
}

func (OriginalDst) Register(context.Context, Binding) error {
	return nil
}
