package relay

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/fwrelay/internal/authority"
	"github.com/die-net/fwrelay/internal/dialer"
	"github.com/die-net/fwrelay/internal/inspect"
	"github.com/die-net/fwrelay/internal/metrics"
)

const (
	DefaultPollInterval   = time.Second
	DefaultConnectTimeout = 2 * time.Second
	DefaultReadChunk      = 4096
	DefaultReadLimit      = 4096
	DefaultMaxPending     = 1 << 20
)

type Config struct {
	// PollInterval bounds each wait, and so how quickly cancellation is
	// noticed.
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	// ReadChunk is the size of a single read. A readable socket is drained
	// until it would block or more than ReadLimit bytes have been read.
	ReadChunk int
	ReadLimit int
	// MaxPending is the buffered byte count on one leg above which reading
	// from the other leg is paused until the buffer drains.
	MaxPending int

	Authority authority.Authority
	Dialer    dialer.Dialer
	Inspector inspect.Inspector
	Log       *logrus.Entry
	Metrics   *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = DefaultReadChunk
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.Inspector == nil {
		c.Inspector = inspect.Passthrough{}
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
}
