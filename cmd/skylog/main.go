// Package main is the CLI entry point for skylog, a tamper-evident
// structured logger. Every record is signed with HMAC-SHA256 over its
// content and its predecessor's signature, so edits, deletions and
// reorderings of a sink are detectable by replaying the chain.
//
// Layout on disk (log_dir, default ./logs):
//
//	access.log       access channel chain
//	application.log  application channel chain (and every unrouted name)
//	security.log     security channel chain
//	error.log        error channel chain
//	alerts.log       catch-all chain: every ERROR-and-above record
//	index.db         SQLite projection used by `skylog query`
//
// CLI commands (cobra):
//
//	skylog verify [path]   - Replay chains and report tampering
//	skylog emit            - Sign and append one event
//	skylog tail [channel]  - Show recent records, -f to follow
//	skylog query           - Filter records through the SQLite index
//	skylog export          - Export a sink as jsonl, json or csv
//	skylog index rebuild   - Re-project every sink into the index
//	skylog serve           - HTTP ingestion, live feed and metrics
//	skylog config          - Show or initialize the configuration
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skylog/skylog/internal/audit"
	"github.com/skylog/skylog/internal/config"
	"github.com/skylog/skylog/internal/feed"
	"github.com/skylog/skylog/internal/metrics"
	"github.com/skylog/skylog/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errAlarm is returned by verify when any file failed, so the process
// exits non-zero. The diagnosis itself has already been printed.
var errAlarm = errors.New("tampering detected")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// cli holds the global flags shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "skylog",
		Short: "skylog: tamper-evident structured logging",
		Long: `skylog writes structured JSON records into per-channel sinks
(access, application, security, error) and links every record to its
predecessor with an HMAC-SHA256 signature. Editing, deleting or reordering
a line breaks the chain, and 'skylog verify' reports exactly where.

The signing secret is read from the environment variable named by
secret_env in the config (default LOG_SECRET_KEY).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var lvl slog.Level
			if err := lvl.UnmarshalText([]byte(c.logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", config.DefaultPath, "Path to the skylog config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Diagnostics level on stderr (debug, info, warn, error)")

	root.AddCommand(
		c.verifyCmd(),
		c.emitCmd(),
		c.tailCmd(),
		c.queryCmd(),
		c.exportCmd(),
		c.indexCmd(),
		c.serveCmd(),
		c.configCmd(),
	)
	return root
}

// loadConfig reads the config file named by --config.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// loadSecret loads the config and the signing secret. A missing secret is
// fatal for every command that signs or verifies.
func (c *cli) loadSecret() (*config.Config, []byte, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	secret, err := cfg.LoadSecret()
	if err != nil {
		return nil, nil, err
	}
	return cfg, secret, nil
}

// openLogger opens the sinks for writing. When the index is enabled it is
// attached as an observer so queries stay current.
func (c *cli) openLogger(cfg *config.Config, secret []byte, observers ...audit.Observer) (*audit.Logger, func(), error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	cleanup := func() {}
	if cfg.Index.Enabled {
		idx, err := audit.OpenIndex(cfg.IndexPath())
		if err != nil {
			return nil, nil, err
		}
		observers = append(observers, idx)
		cleanup = func() { idx.Close() }
	}

	opts := cfg.AuditOptions(secret)
	opts.Observers = observers
	l, err := audit.Open(opts)
	if errors.Is(err, audit.ErrSinkLocked) {
		cleanup()
		return nil, nil, fmt.Errorf("%w (is 'skylog serve' running? post events to it instead)", err)
	}
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return l, func() {
		l.Close()
		cleanup()
	}, nil
}

// allChains lists every chain key: the four channels, then the catch-all.
func allChains() []string {
	out := make([]string, 0, len(audit.Channels)+1)
	for _, ch := range audit.Channels {
		out = append(out, string(ch))
	}
	return append(out, audit.RootChain)
}

// chainArg maps a CLI channel argument onto a chain key. "catch_all" and
// "alerts" name the catch-all chain.
func chainArg(name string) (string, error) {
	switch name {
	case audit.RootChain, "catch_all", "alerts":
		return audit.RootChain, nil
	}
	ch, err := audit.ParseChannel(name)
	if err != nil {
		return "", err
	}
	return string(ch), nil
}

// ============================================================================
// skylog verify: Replay chains
// ============================================================================

// defaultVerifyChains are checked when verify runs without a path.
var defaultVerifyChains = []string{
	string(audit.ChannelSecurity),
	string(audit.ChannelApplication),
	string(audit.ChannelError),
}

func (c *cli) verifyCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "verify [path]",
		Short: "Verify the integrity of one sink or the well-known sinks",
		Long: `Replay the signature chain of a sink. Every line is checked: a line
that is not a record is reported as MALFORMED, a prev_signature that does
not match its predecessor as CHAIN BROKEN (deleted, inserted or reordered
lines), and a signature that does not match the content as DATA TAMPERED
(edited line). The scan never stops early.

With a path, verifies that file. Without one, verifies the security,
application and error sinks (--all adds access and the catch-all),
skipping sinks that do not exist yet.

Exits non-zero when any verified file raised an ALARM.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secret, err := c.loadSecret()
			if err != nil {
				return err
			}
			v, err := audit.NewVerifier(secret)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				if !verifyFile(out, v, args[0]) {
					return errAlarm
				}
				return nil
			}

			chains := defaultVerifyChains
			if all {
				chains = append([]string{string(audit.ChannelAccess)}, chains...)
				chains = append(chains, audit.RootChain)
			}

			ok := true
			for _, chain := range chains {
				path := cfg.SinkPath(chain)
				if _, err := os.Stat(path); err != nil {
					continue
				}
				if !verifyFile(out, v, path) {
					ok = false
				}
				fmt.Fprintln(out, strings.Repeat("-", 40))
			}
			if !ok {
				return errAlarm
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Also verify the access and catch-all sinks")
	return cmd
}

// verifyFile prints the diagnosis of one sink and reports whether it is
// intact.
func verifyFile(w io.Writer, v *audit.Verifier, path string) bool {
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(w, "ERROR: file %s does not exist.\n", path)
		return false
	}

	fmt.Fprintf(w, "--- Verifying file: %s ---\n", path)
	rep, err := v.VerifyFile(path)
	for _, a := range rep.Anomalies {
		fmt.Fprintln(w, a.String())
	}
	if err != nil {
		fmt.Fprintf(w, "ERROR: reading %s stopped after line %d: %v\n", path, rep.Lines, err)
		fmt.Fprintf(w, "ALARM: %s could not be verified completely!\n", path)
		return false
	}

	if rep.OK() {
		fmt.Fprintf(w, "SUCCESS: integrity confirmed. Analyzed %d lines.\n", rep.Lines)
		return true
	}
	fmt.Fprintf(w, "ALARM: tampering detected in %s! %d anomalies in %d lines.\n", path, len(rep.Anomalies), rep.Lines)
	return false
}

// ============================================================================
// skylog emit: Append one event
// ============================================================================

func (c *cli) emitCmd() *cobra.Command {
	var (
		channel string
		level   string
		fields  []string
	)

	cmd := &cobra.Command{
		Use:   "emit [message...]",
		Short: "Sign and append one event",
		Long: `Sign one event as the next link of its channel's chain and append it.
ERROR-and-above events are also mirrored into the catch-all chain.

Examples:
  skylog emit -c security -l WARNING -f ip=192.168.1.10 bad password for pilot_737
  skylog emit -c routes.flights flight LX318 booked`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secret, err := c.loadSecret()
			if err != nil {
				return err
			}
			lvl, err := audit.ParseLevel(level)
			if err != nil {
				return err
			}
			fieldMap, err := parseFields(fields)
			if err != nil {
				return err
			}

			l, closeAll, err := c.openLogger(cfg, secret)
			if err != nil {
				return err
			}
			defer closeAll()

			rec, err := l.Emit(audit.Event{
				Channel: channel,
				Level:   lvl,
				Message: strings.Join(args, " "),
				Fields:  fieldMap,
			})
			if errors.Is(err, audit.ErrFiltered) {
				fmt.Fprintf(cmd.ErrOrStderr(), "[skylog] %s event below the %s threshold, not written\n", lvl, channel)
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to append event: %w", err)
			}

			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&channel, "channel", "c", string(audit.DefaultChannel), "Logger name (a channel, an alias, or any name)")
	cmd.Flags().StringVarP(&level, "level", "l", "INFO", "Level: DEBUG, INFO, WARNING, ERROR, CRITICAL")
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "Extra field as key=value (repeatable, not signed)")
	return cmd
}

// parseFields turns key=value flags into a field map.
func parseFields(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q (want key=value)", kv)
		}
		out[k] = v
	}
	return out, nil
}

// ============================================================================
// skylog tail: Recent records
// ============================================================================

func (c *cli) tailCmd() *cobra.Command {
	var (
		follow bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "tail [channel]",
		Short: "Show recent records of a channel",
		Long: `Show the most recent records of a channel sink (default: application).
Use "alerts" for the catch-all sink and -f to follow new records like tail -f.
Tail reads the sink as-is; run 'skylog verify' to check it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			name := string(audit.DefaultChannel)
			if len(args) == 1 {
				name = args[0]
			}
			chain, err := chainArg(name)
			if err != nil {
				return err
			}
			path := cfg.SinkPath(chain)
			out := cmd.OutOrStdout()

			records, err := audit.ReadRecords(path)
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}
			for _, nr := range records {
				printRecord(out, chain, nr.Line, nr.Record)
			}

			if !follow {
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = audit.Follow(ctx, path, func(nr audit.NumberedRecord) {
				printRecord(out, chain, nr.Line, nr.Record)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow new records in real time")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of recent records to show")
	return cmd
}

// printRecord formats one record for the terminal.
func printRecord(w io.Writer, chain string, line int, r audit.Record) {
	fmt.Fprintf(w, "[%s] %-8s %-11s #%-5d %-16s %s", r.Timestamp, r.Level, chain, line, r.Name, r.Message)
	if len(r.Fields) > 0 {
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, " %s=%v", k, r.Fields[k])
		}
	}
	fmt.Fprintln(w)
}

// ============================================================================
// skylog query: Filtered search through the index
// ============================================================================

func (c *cli) queryCmd() *cobra.Command {
	var (
		channel string
		name    string
		level   string
		since   string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query records with filters",
		Long: `Query the SQLite index of all sinks. The index is a projection for
convenience; the sink files are the evidence. Run 'skylog index rebuild'
if the index is missing or stale.

Examples:
  skylog query --channel security --level WARNING --since 1h
  skylog query --name routes.flights --limit 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			params := audit.QueryParams{Name: name, Since: since, Limit: limit}
			if channel != "" {
				if params.Chain, err = chainArg(channel); err != nil {
					return err
				}
			}
			if level != "" {
				if params.MinLevel, err = audit.ParseLevel(level); err != nil {
					return err
				}
			}

			idx, err := audit.OpenIndex(cfg.IndexPath())
			if err != nil {
				return err
			}
			defer idx.Close()

			rows, err := idx.Query(params)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No matching records found.")
				return nil
			}
			for _, r := range rows {
				printRecord(out, r.Chain, r.Line, r.Record)
			}
			fmt.Fprintf(out, "\n%d records found.\n", len(rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Filter by channel (or alerts)")
	cmd.Flags().StringVar(&name, "name", "", "Filter by logger name")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level")
	cmd.Flags().StringVar(&since, "since", "", "Records since a duration (1h, 30m) or an RFC 3339 timestamp")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of records to return")
	return cmd
}

// ============================================================================
// skylog export: Export a sink
// ============================================================================

func (c *cli) exportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export [channel]",
		Short: "Export a channel sink",
		Long: `Export the records of a channel sink (default: application) to stdout.
Supported formats: jsonl, json, csv. Malformed lines are left out; run
'skylog verify' first when the export is used as evidence.

Example:
  skylog export security --format csv > security.csv`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			name := string(audit.DefaultChannel)
			if len(args) == 1 {
				name = args[0]
			}
			chain, err := chainArg(name)
			if err != nil {
				return err
			}
			return audit.Export(cmd.OutOrStdout(), cfg.SinkPath(chain), format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "jsonl", "Export format: jsonl, json, csv")
	return cmd
}

// ============================================================================
// skylog index: SQLite index maintenance
// ============================================================================

func (c *cli) indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the SQLite query index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Re-project every sink into the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
			idx, err := audit.OpenIndex(cfg.IndexPath())
			if err != nil {
				return err
			}
			defer idx.Close()

			out := cmd.OutOrStdout()
			chains := allChains()
			for _, chain := range chains {
				path := cfg.SinkPath(chain)
				if _, err := os.Stat(path); err != nil {
					fmt.Fprintf(out, "[skylog] %-11s skipped (no sink at %s)\n", chain, path)
					continue
				}
				n, err := idx.Rebuild(chain, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "[skylog] %-11s %d records indexed\n", chain, n)
			}
			return nil
		},
	})
	return cmd
}

// ============================================================================
// skylog serve: HTTP ingestion
// ============================================================================

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP ingestion, the live feed and metrics",
		Long: `Run the logger as a service so other processes can log through the
same chains:

  POST /v1/events  {"channel","level","message","fields"} -> 202 + record
  GET  /feed       WebSocket live feed (?chain=security&min_level=ERROR)
  GET  /metrics    Prometheus metrics
  GET  /health     Liveness and current chain heads
  POST /shutdown   Graceful shutdown (loopback only)

Aliases in the config file are reloaded on change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd)
		},
	}
}

// runServe wires the whole stack together:
//
//  1. Load config and the signing secret (fatal if missing)
//  2. Register metrics, start the feed hub
//  3. Open the sinks with metrics, feed and index as observers
//  4. Watch the config file to hot-reload aliases
//  5. Serve until SIGINT/SIGTERM or POST /shutdown
func (c *cli) runServe(cmd *cobra.Command) error {
	cfg, secret, err := c.loadSecret()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	hub := feed.NewHub()
	defer hub.Close()

	l, closeAll, err := c.openLogger(cfg, secret, m, hub)
	if err != nil {
		return err
	}
	defer closeAll()

	watcher, err := config.NewWatcher(c.configPath, config.WatchTargets{
		OnConfigChange: func() {
			next, loadErr := config.Load(c.configPath)
			if loadErr != nil {
				slog.Warn("config reload failed, keeping previous aliases", "error", loadErr)
				return
			}
			if setErr := l.Resolver().SetAliases(next.Aliases); setErr != nil {
				slog.Warn("alias reload failed, keeping previous aliases", "error", setErr)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[skylog] Aliases reloaded (%d)\n", len(next.Aliases))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	srv := server.New(server.Options{
		Logger:   l,
		Hub:      hub,
		Metrics:  m,
		Gatherer: reg,
		Version:  version,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l.Log(audit.Event{
		Channel: string(audit.ChannelApplication),
		Level:   audit.LevelInfo,
		Message: "skylog server started",
		Fields:  map[string]any{"version": version, "addr": cfg.Addr()},
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "[skylog] Listening on http://%s\n", cfg.Addr())
	fmt.Fprintf(out, "[skylog] Sinks in %s\n", cfg.LogDir)
	fmt.Fprintln(out, "[skylog] Press Ctrl+C to stop")

	if err := srv.Run(ctx, cfg.Addr()); err != nil {
		return err
	}

	l.Log(audit.Event{
		Channel: string(audit.ChannelApplication),
		Level:   audit.LevelInfo,
		Message: "skylog server stopped",
	})
	fmt.Fprintln(out, "[skylog] Stopped")
	return nil
}

// ============================================================================
// skylog config: Configuration management
// ============================================================================

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# config file: %s\n", c.configPath)
			if _, err := os.Stat(c.configPath); os.IsNotExist(err) {
				fmt.Fprintln(out, "# (not found, showing defaults; run 'skylog config init')")
			}
			fmt.Fprintln(out, "# sinks:")
			for _, chain := range allChains() {
				fmt.Fprintf(out, "#   %-11s %s\n", chain, cfg.SinkPath(chain))
			}
			if _, err := cfg.LoadSecret(); err != nil {
				fmt.Fprintf(out, "# secret: NOT SET (%s)\n", cfg.SecretEnv)
			} else {
				fmt.Fprintf(out, "# secret: set (%s)\n", cfg.SecretEnv)
			}
			return writeYAML(out, cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(c.configPath); err == nil {
				return fmt.Errorf("config already exists at %s", c.configPath)
			}
			if err := config.WriteDefault(c.configPath); err != nil {
				return fmt.Errorf("failed to write default config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[skylog] Wrote %s\n", c.configPath)
			return nil
		},
	})
	return cmd
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}
