// Package cmd wires up the CLI flags and runs the connect mode.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"tcpsess/config"
	"tcpsess/internal/core"
	"tcpsess/internal/metrics"
	"tcpsess/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X tcpsess/cmd.version=1.1.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Overridable in tests.
var (
	stdin       io.Reader = os.Stdin  //nolint:gochecknoglobals
	stderr      io.Writer = os.Stderr //nolint:gochecknoglobals
	interactive           = isTerminal //nolint:gochecknoglobals
)

func isTerminal() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

// flagValues holds what was given on the command line.  Only flags the
// user actually set override the lower configuration layers.
type flagValues struct {
	transport  string
	timeoutSec int
	localPort  int
	chunkSize  int
	retries    int
	secure     bool
	configFile string
	metrics    bool
	verbose    int
}

// Execute parses args and runs a session.  Configuration is layered as
// defaults < config file < environment < flags.
func Execute(ctx context.Context, args []string) error {
	var fv flagValues
	fs := flag.NewFlagSet("tcpsess", flag.ContinueOnError)

	// ── connection ───────────────────────────────────────────────
	fs.StringVarP(&fv.transport, "transport", "t", config.DefaultTransport, "Transport backend: auto, epoll or netconn")
	fs.IntVarP(&fv.timeoutSec, "timeout", "w", int(config.DefaultConnTimeout/time.Second), "Connect and idle timeout in seconds (0 disables)")
	fs.IntVarP(&fv.localPort, "port", "p", 0, "Local source port (netconn only)")
	fs.BoolVar(&fv.secure, "secure", false, "Use TLS (not implemented)")

	// ── session ──────────────────────────────────────────────────
	fs.IntVar(&fv.chunkSize, "chunk-size", config.DefaultChunkSize, "Bytes per socket read")
	fs.IntVar(&fv.retries, "retries", config.DefaultRetries, "Extra connection attempts after a failed open")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&fv.configFile, "config", "", "Config file (yaml, toml or json)")
	fs.BoolVar(&fv.metrics, "metrics", false, "Print session metrics as JSON on exit")
	fs.CountVarP(&fv.verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")

	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("tcpsess %s\n", version)
		return nil
	}

	cfg, err := resolve(fs, &fv)
	if err != nil {
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dryRun {
		fmt.Fprintf(stderr, "config ok: %s via %s, timeout %v, chunk %d, retries %d\n",
			cfg.Addr(), cfg.Transport, cfg.Timeout, cfg.ChunkSize, cfg.Retries)
		return nil
	}

	// ── run ──────────────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(stderr)

	var m *metrics.Collector
	if cfg.ShowMetrics {
		m = metrics.New()
		defer func() { fmt.Fprintln(stderr, m.JSON()) }()
	}

	mode, err := core.Build(cfg, logger, m)
	if err != nil {
		return err
	}
	if cm, ok := mode.(*core.ConnectMode); ok {
		cm.Stdin = stdin
	}

	err = mode.Run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Verbose("interrupted")
		return nil
	}
	return err
}

// resolve assembles the configuration from every layer.
func resolve(fs *flag.FlagSet, fv *flagValues) (*config.Config, error) {
	cfg := config.Default()

	path := fv.configFile
	if path == "" {
		path = os.Getenv("TCPSESS_CONFIG")
	}
	if path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	config.LoadFromEnv(cfg)
	cfg.ConfigFile = path

	if fs.Changed("transport") {
		cfg.Transport = fv.transport
	}
	if fs.Changed("timeout") {
		cfg.Timeout = time.Duration(fv.timeoutSec) * time.Second
	}
	if fs.Changed("port") {
		cfg.LocalPort = fv.localPort
	}
	if fs.Changed("chunk-size") {
		cfg.ChunkSize = fv.chunkSize
	}
	if fs.Changed("retries") {
		cfg.Retries = fv.retries
	}
	if fs.Changed("secure") {
		cfg.Secure = fv.secure
	}
	if fs.Changed("metrics") {
		cfg.ShowMetrics = fv.metrics
	}
	if fs.Changed("verbose") {
		cfg.Verbose = fv.verbose
	}

	if err := parsePositional(cfg, fs.Args()); err != nil {
		return nil, err
	}
	cfg.Interactive = interactive()
	return cfg, nil
}

// ── helpers ──────────────────────────────────────────────────────────

// parsePositional reads "host port".  Either may be omitted when the
// config file or environment supplies it.
func parsePositional(cfg *config.Config, remaining []string) error {
	switch len(remaining) {
	case 0:
	case 1:
		cfg.Host = remaining[0]
	case 2:
		cfg.Host = remaining[0]
		port, err := util.ParsePort(remaining[1])
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		cfg.Port = port
	default:
		return fmt.Errorf("too many arguments (use --help for usage)")
	}
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(stderr, `tcpsess – non-blocking TCP client v%s

Usage:
  tcpsess [options] <host> <port>

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(stderr, `
Environment:
  TCPSESS_HOST, TCPSESS_PORT, TCPSESS_TRANSPORT, TCPSESS_TIMEOUT, ...
  TCPSESS_CONFIG names a config file.

Examples:
  tcpsess example.com 80                        Interactive session
  echo "hello" | tcpsess host.example.com 9000  Pipe data
  tcpsess -t netconn -p 4000 example.com 80     Bind a source port
  tcpsess --retries 3 -vv db.internal 5432      Retry a refused connect
`)
}
