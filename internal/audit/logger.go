package audit

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
)

// DefaultFiles maps every chain key to its sink file name.
var DefaultFiles = map[string]string{
	string(ChannelAccess):      "access.log",
	string(ChannelApplication): "application.log",
	string(ChannelSecurity):    "security.log",
	string(ChannelError):       "error.log",
	RootChain:                  "alerts.log",
}

// DefaultMinLevel returns the default threshold of a chain's sink:
// ERROR for the catch-all, INFO for the channels.
func DefaultMinLevel(chain string) Level {
	if chain == RootChain {
		return LevelError
	}
	return LevelInfo
}

// Logger is the entry point callers log through. It resolves the logger
// name to a channel, signs the event as the next link of that channel's
// chain, appends it to the channel sink and, for error-and-above events,
// mirrors it into the catch-all chain.
type Logger struct {
	resolver *Resolver
	enricher *Enricher
	router   *Router
	closed   atomic.Bool
}

// NewLogger wires the three stages together. A nil resolver folds every
// unknown name into DefaultChannel.
func NewLogger(enricher *Enricher, router *Router, resolver *Resolver) *Logger {
	if resolver == nil {
		resolver = &Resolver{}
	}
	return &Logger{resolver: resolver, enricher: enricher, router: router}
}

// Options configures Open.
type Options struct {
	// Dir holds the sink files.
	Dir string
	// Secret is the HMAC key. Required.
	Secret []byte
	// Files overrides sink file names per chain key; relative names are
	// resolved against Dir.
	Files map[string]string
	// MinLevels overrides sink thresholds per chain key.
	MinLevels map[string]Level
	// Aliases route logger names onto channels (see Resolver).
	Aliases []Alias
	// Observers are notified of every append.
	Observers []Observer
}

// SinkPath returns the file a chain is written to under opts.
func (o Options) SinkPath(chain string) string {
	name := DefaultFiles[chain]
	if f, ok := o.Files[chain]; ok && f != "" {
		name = f
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(o.Dir, name)
}

// Open builds a Logger over file sinks. Each chain is seeded from the last
// record already present in its sink, so a restarted process continues
// the existing chains instead of starting over at Genesis.
func Open(opts Options) (*Logger, error) {
	if len(opts.Secret) == 0 {
		return nil, ErrNoSecret
	}

	resolver, err := NewResolver(opts.Aliases)
	if err != nil {
		return nil, err
	}

	state := NewChainState(chainKeys()...)
	routes := make(map[string]Route, len(DefaultFiles))
	var opened []Sink
	closeOpened := func() {
		for _, s := range opened {
			s.Close()
		}
	}

	owners := make(map[string]string, len(DefaultFiles))
	for _, chain := range chainKeys() {
		path := opts.SinkPath(chain)
		if other, ok := owners[filepath.Clean(path)]; ok {
			closeOpened()
			return nil, fmt.Errorf("chains %q and %q share sink %s", other, chain, path)
		}
		owners[filepath.Clean(path)] = chain

		// The lock is held before the tail is read.
		sink, err := OpenFileSink(path)
		if err != nil {
			closeOpened()
			return nil, err
		}
		opened = append(opened, sink)

		tail, err := readTail(path)
		if err != nil {
			closeOpened()
			return nil, fmt.Errorf("recovering %s chain from %s: %w", chain, path, err)
		}
		if tail.last != nil {
			state.Seed(chain, tail.last.Signature)
		}

		minLevel := DefaultMinLevel(chain)
		if lvl, ok := opts.MinLevels[chain]; ok {
			minLevel = lvl
		}
		routes[chain] = Route{Sink: sink, MinLevel: minLevel, Lines: tail.lines}
	}

	router, err := NewRouter(routes, opts.Observers...)
	if err != nil {
		closeOpened()
		return nil, err
	}
	enricher, err := NewEnricher(opts.Secret, state)
	if err != nil {
		closeOpened()
		return nil, err
	}

	slog.Info("audit log initialized", "dir", opts.Dir)
	return NewLogger(enricher, router, resolver), nil
}

// Resolver returns the logger's channel resolver, e.g. to reload aliases.
func (l *Logger) Resolver() *Resolver { return l.resolver }

// State returns the logger's chain state.
func (l *Logger) State() *ChainState { return l.enricher.State() }

// Emit signs and appends ev, returning the channel record (or, when only
// the catch-all accepted the level, the catch-all record). It returns
// ErrFiltered when no sink accepts the level, ErrInvalidLevel for a level
// outside the fixed set and ErrRecordTooLarge when the encoded record
// exceeds MaxRecordSize.
func (l *Logger) Emit(ev Event) (Record, error) {
	if l.closed.Load() {
		return Record{}, ErrClosed
	}
	if !ev.Level.Valid() {
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidLevel, int(ev.Level))
	}

	ch, folded := l.resolver.Resolve(ev.Channel)
	if folded {
		slog.Debug("unrouted logger folded into default channel", "name", ev.Channel, "channel", ch)
	}
	chain := string(ch)

	toChannel := l.router.Accepts(chain, ev.Level)
	toRoot := ev.Level >= LevelError && l.router.Accepts(RootChain, ev.Level)
	if !toChannel && !toRoot {
		return Record{}, ErrFiltered
	}

	// Both links share one timestamp.
	if ev.Time.IsZero() {
		ev.Time = l.enricher.now()
	}

	var (
		out  Record
		errs []error
	)
	if toChannel {
		rec, err := l.enricher.Enrich(chain, ev, func(r Record) error {
			return l.router.append(chain, r)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", chain, err))
		} else {
			out = rec
		}
	}
	if toRoot {
		rec, err := l.enricher.Enrich(RootChain, ev, func(r Record) error {
			return l.router.append(RootChain, r)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", RootChain, err))
		} else if !toChannel {
			out = rec
		}
	}
	return out, errors.Join(errs...)
}

// Log is the fire-and-forget form of Emit: failures are reported through
// slog and never returned to the caller.
func (l *Logger) Log(ev Event) {
	if _, err := l.Emit(ev); err != nil && !errors.Is(err, ErrFiltered) {
		slog.Error("audit write failed", "name", ev.Channel, "level", ev.Level, "error", err)
	}
}

// Channel returns a logger bound to one logger name.
func (l *Logger) Channel(name string) *ChannelLogger {
	return &ChannelLogger{l: l, name: name}
}

// Close closes all sinks. Emit fails with ErrClosed afterwards.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.router.Close()
}

// ChannelLogger logs under a fixed logger name.
type ChannelLogger struct {
	l    *Logger
	name string
}

func (c *ChannelLogger) log(lvl Level, msg string, fields map[string]any) {
	c.l.Log(Event{Channel: c.name, Level: lvl, Message: msg, Fields: fields})
}

func (c *ChannelLogger) Debug(msg string, fields map[string]any)    { c.log(LevelDebug, msg, fields) }
func (c *ChannelLogger) Info(msg string, fields map[string]any)     { c.log(LevelInfo, msg, fields) }
func (c *ChannelLogger) Warning(msg string, fields map[string]any)  { c.log(LevelWarning, msg, fields) }
func (c *ChannelLogger) Error(msg string, fields map[string]any)    { c.log(LevelError, msg, fields) }
func (c *ChannelLogger) Critical(msg string, fields map[string]any) { c.log(LevelCritical, msg, fields) }
