// Package config loads the relay configuration from an optional YAML file
// and FWRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/die-net/fwrelay/internal/authority"
	"github.com/die-net/fwrelay/internal/dlp"
	"github.com/die-net/fwrelay/internal/inspect"
	"github.com/die-net/fwrelay/internal/relay"
)

const envPrefix = "FWRELAY_"

type Config struct {
	// Listen is the client-facing address. Empty means all addresses on
	// the policy's default port.
	Listen string `yaml:"listen"`
	// Policy names the inspection policy: none, http, smtp or orientdb.
	Policy string `yaml:"policy"`
	// Authority is the connection authority URL, e.g. fwtable:// or
	// redis://host:6379/0.
	Authority string `yaml:"authority"`
	// Interfaces are the relay's two interface addresses.
	Interfaces   []string `yaml:"interfaces"`
	Transparent  bool     `yaml:"transparent"`
	Backlog      int      `yaml:"backlog"`
	TCPKeepAlive string   `yaml:"tcp_keepalive"`
	DebugListen  string   `yaml:"debug_listen"`

	Relay RelayConfig `yaml:"relay"`
	DLP   DLPConfig   `yaml:"dlp"`
	Log   LogConfig   `yaml:"log"`

	// Flows seed the static:// authority.
	Flows []authority.StaticFlow `yaml:"flows"`
}

type RelayConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ReadChunk      int           `yaml:"read_chunk"`
	ReadLimit      int           `yaml:"read_limit"`
	MaxPending     int           `yaml:"max_pending"`
}

type DLPConfig struct {
	Threshold       float64 `yaml:"threshold"`
	SanitizeNewline *bool   `yaml:"sanitize_newline"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// LoadConfig reads path, applies defaults and then environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return &c, nil
}

func (c *Config) SetDefaults() {
	if c.Policy == "" {
		c.Policy = "none"
	}
	if c.Authority == "" {
		c.Authority = "fwtable://"
	}
	if c.TCPKeepAlive == "" {
		c.TCPKeepAlive = "on"
	}
	if c.Relay.ConnectTimeout == 0 {
		c.Relay.ConnectTimeout = relay.DefaultConnectTimeout
	}
	if c.Relay.PollInterval == 0 {
		c.Relay.PollInterval = relay.DefaultPollInterval
	}
	if c.Relay.ReadChunk == 0 {
		c.Relay.ReadChunk = relay.DefaultReadChunk
	}
	if c.Relay.ReadLimit == 0 {
		c.Relay.ReadLimit = relay.DefaultReadLimit
	}
	if c.Relay.MaxPending == 0 {
		c.Relay.MaxPending = relay.DefaultMaxPending
	}
	if c.DLP.Threshold == 0 {
		c.DLP.Threshold = dlp.DefaultThreshold
	}
	if c.DLP.SanitizeNewline == nil {
		on := true
		c.DLP.SanitizeNewline = &on
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// ApplyEnvOverrides replaces fields from FWRELAY_* variables. Values that
// do not parse are ignored.
func (c *Config) ApplyEnvOverrides() {
	if val := getenv("LISTEN"); val != "" {
		c.Listen = val
	}
	if val := getenv("POLICY"); val != "" {
		c.Policy = val
	}
	if val := getenv("AUTHORITY"); val != "" {
		c.Authority = val
	}
	if val := getenv("INTERFACES"); val != "" {
		c.Interfaces = splitList(val)
	}
	if val := getenv("TRANSPARENT"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Transparent = b
		}
	}
	if val := getenv("TCP_KEEPALIVE"); val != "" {
		c.TCPKeepAlive = val
	}
	if val := getenv("DEBUG_LISTEN"); val != "" {
		c.DebugListen = val
	}
	if val := getenv("CONNECT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Relay.ConnectTimeout = d
		}
	}
	if val := getenv("MAX_PENDING"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Relay.MaxPending = i
		}
	}
	if val := getenv("DLP_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.DLP.Threshold = f
		}
	}
	if val := getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
}

// Validate checks the fields that cannot be defaulted away.
func (c *Config) Validate() error {
	var errs []error
	if _, err := inspect.New(c.Policy, nil); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.InterfaceAddrs(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Interfaces) > 2 {
		errs = append(errs, fmt.Errorf("at most two interfaces, got %d", len(c.Interfaces)))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log format %q: want text or json", c.Log.Format))
	}
	if c.Relay.MaxPending < c.Relay.ReadLimit {
		errs = append(errs, fmt.Errorf("max_pending %d is below read_limit %d", c.Relay.MaxPending, c.Relay.ReadLimit))
	}
	if c.DLP.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("dlp threshold must be positive, got %v", c.DLP.Threshold))
	}
	return errors.Join(errs...)
}

// ListenAddr is Listen, or the policy's default port on all addresses.
func (c *Config) ListenAddr() (string, error) {
	if c.Listen != "" {
		return c.Listen, nil
	}
	port, ok := inspect.DefaultPort(c.Policy)
	if !ok {
		return "", fmt.Errorf("policy %q has no default port; set a listen address", c.Policy)
	}
	return ":" + strconv.Itoa(int(port)), nil
}

func (c *Config) InterfaceAddrs() ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(c.Interfaces))
	for _, s := range c.Interfaces {
		a, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("interface address: %w", err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// Classifier builds the text classifier from the dlp section.
func (c *Config) Classifier() *dlp.Classifier {
	return &dlp.Classifier{
		Threshold:       c.DLP.Threshold,
		SanitizeNewline: c.DLP.SanitizeNewline == nil || *c.DLP.SanitizeNewline,
	}
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
