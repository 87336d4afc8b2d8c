//go:build !linux

package poll

import "errors"

func New() (Poller, error) {
	return nil, errors.New("readiness polling is only supported on linux")
}
