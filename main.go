package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/fwrelay/internal/authority"
	"github.com/die-net/fwrelay/internal/config"
	"github.com/die-net/fwrelay/internal/dialer"
	"github.com/die-net/fwrelay/internal/dlp"
	"github.com/die-net/fwrelay/internal/inspect"
	"github.com/die-net/fwrelay/internal/metrics"
	"github.com/die-net/fwrelay/internal/poll"
	"github.com/die-net/fwrelay/internal/relay"
	"github.com/die-net/fwrelay/internal/sock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := newFlags(pflag.CommandLine)
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(flags.configPath); err != nil {
			return err
		}
	} else {
		cfg.ApplyEnvOverrides()
	}
	flags.overlay(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ka, err := parseTCPKeepAlive(cfg.TCPKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	ifaces, err := cfg.InterfaceAddrs()
	if err != nil {
		return err
	}

	auth, err := authority.New(authority.Config{Flows: cfg.Flows}, cfg.Authority)
	if err != nil {
		return fmt.Errorf("invalid --authority: %w", err)
	}
	if c, ok := auth.(io.Closer); ok {
		defer c.Close()
	}

	inspector, err := inspect.New(cfg.Policy, cfg.Classifier())
	if err != nil {
		return fmt.Errorf("invalid --policy: %w", err)
	}

	listenAddr, err := cfg.ListenAddr()
	if err != nil {
		return err
	}
	ln, err := sock.Listen(listenAddr, sock.ListenConfig{
		Backlog:     cfg.Backlog,
		Transparent: cfg.Transparent,
		KeepAlive:   ka,
	})
	if err != nil {
		return err
	}

	poller, err := poll.New()
	if err != nil {
		_ = ln.Close()
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := relay.NewServer(relay.Config{
		PollInterval:   cfg.Relay.PollInterval,
		ConnectTimeout: cfg.Relay.ConnectTimeout,
		ReadChunk:      cfg.Relay.ReadChunk,
		ReadLimit:      cfg.Relay.ReadLimit,
		MaxPending:     cfg.Relay.MaxPending,
		Authority:      auth,
		Dialer: dialer.New(dialer.Config{
			DialTimeout: cfg.Relay.ConnectTimeout,
			KeepAlive:   ka,
			Interfaces:  ifaces,
		}),
		Inspector: inspector,
		Log:       log.WithField("component", "relay"),
		Metrics:   metrics.New(reg),
	}, poller)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "ok\n")
		})
		mux.Handle("/debug/", http.DefaultServeMux)

		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			_ = ln.Close()
			_ = poller.Close()
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.WithField("addr", cfg.DebugListen).Info("debug listening")
	}

	g.Go(func() error {
		if err := srv.Serve(ctx, ln); err != nil {
			return fmt.Errorf("relay serve: %w", err)
		}
		return nil
	})
	log.WithFields(logrus.Fields{
		"addr":      ln.Addr().String(),
		"policy":    cfg.Policy,
		"authority": cfg.Authority,
	}).Info("relay listening")

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

type cliFlags struct {
	fs *pflag.FlagSet

	configPath     string
	listen         string
	policy         string
	authority      string
	interfaces     []string
	transparent    bool
	backlog        int
	connectTimeout time.Duration
	pollInterval   time.Duration
	maxPending     int
	dlpThreshold   float64
	debugListen    string
	tcpKeepAlive   string
	logLevel       string
	logFormat      string
}

func newFlags(fs *pflag.FlagSet) *cliFlags {
	f := &cliFlags{fs: fs}
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file. Empty uses defaults plus FWRELAY_* environment variables.")
	fs.StringVar(&f.listen, "listen", "", "Client-facing listen address (default: the policy's port on all addresses)")
	fs.StringVar(&f.policy, "policy", "none", "Inspection policy: "+strings.Join(inspect.Names(), "|"))
	fs.StringVar(&f.authority, "authority", "fwtable://", "Connection authority: fwtable://[path] | origdst:// | redis://[user:pass@]host:port/db[?prefix=&ttl=] | static://")
	fs.StringSliceVar(&f.interfaces, "interfaces", nil, "The relay's interface addresses; server connections bind to the one the client did not arrive on")
	fs.BoolVar(&f.transparent, "transparent", false, "Set IP_TRANSPARENT on the listener for TPROXY redirection")
	fs.IntVar(&f.backlog, "backlog", 0, "Listen backlog (0 uses the system maximum)")
	fs.DurationVar(&f.connectTimeout, "connect-timeout", relay.DefaultConnectTimeout, "Timeout for connecting to the server")
	fs.DurationVar(&f.pollInterval, "poll-interval", relay.DefaultPollInterval, "Longest single wait of the event loop")
	fs.IntVar(&f.maxPending, "max-pending", relay.DefaultMaxPending, "Buffered bytes per connection above which reading from its peer pauses")
	fs.Float64Var(&f.dlpThreshold, "dlp-threshold", dlp.DefaultThreshold, "Normalized score at which text is treated as source code")
	fs.StringVar(&f.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /metrics, /healthz and /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	fs.StringVar(&f.tcpKeepAlive, "tcp-keepalive", "on", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: trace|debug|info|warn|error")
	fs.StringVar(&f.logFormat, "log-format", "text", "Log format: text|json")
	return f
}

// overlay copies the flags given on the command line onto cfg, so they win
// over the file and the environment.
func (f *cliFlags) overlay(cfg *config.Config) {
	f.fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "listen":
			cfg.Listen = f.listen
		case "policy":
			cfg.Policy = f.policy
		case "authority":
			cfg.Authority = f.authority
		case "interfaces":
			cfg.Interfaces = f.interfaces
		case "transparent":
			cfg.Transparent = f.transparent
		case "backlog":
			cfg.Backlog = f.backlog
		case "connect-timeout":
			cfg.Relay.ConnectTimeout = f.connectTimeout
		case "poll-interval":
			cfg.Relay.PollInterval = f.pollInterval
		case "max-pending":
			cfg.Relay.MaxPending = f.maxPending
		case "dlp-threshold":
			cfg.DLP.Threshold = f.dlpThreshold
		case "debug-listen":
			cfg.DebugListen = f.debugListen
		case "tcp-keepalive":
			cfg.TCPKeepAlive = f.tcpKeepAlive
		case "log-level":
			cfg.Log.Level = f.logLevel
		case "log-format":
			cfg.Log.Format = f.logFormat
		}
	})
}

func newLogger(c config.LogConfig) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(lvl)
	switch c.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid --log-format: %q", c.Format)
	}
	return l, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositive(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositive(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositive(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
