package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Observer is notified after every successful or failed sink append.
// Calls happen inside the chain's critical section, in chain order, so
// implementations must not block.
type Observer interface {
	RecordAppended(chain string, line int, rec Record)
	AppendFailed(chain string, err error)
}

// Route configures the sink of one chain.
type Route struct {
	Sink     Sink
	MinLevel Level
	// Lines is the number of physical lines already in the sink, so line
	// numbers reported to observers match what the Verifier prints.
	Lines int
}

type route struct {
	sink     Sink
	minLevel Level
	lines    int // only touched inside the chain's critical section
}

// Router owns one sink per channel plus the catch-all sink of RootChain.
// Sinks never forward to each other; the only duplication is the
// error-and-above mirror into the catch-all, which Logger performs as a
// separate link of the root chain.
type Router struct {
	routes    map[string]*route
	observers []Observer
}

// NewRouter requires a route for every channel and for RootChain.
func NewRouter(routes map[string]Route, observers ...Observer) (*Router, error) {
	r := &Router{
		routes:    make(map[string]*route, len(routes)),
		observers: observers,
	}
	for _, chain := range chainKeys() {
		rt, ok := routes[chain]
		if !ok || rt.Sink == nil {
			return nil, fmt.Errorf("no sink configured for chain %q", chain)
		}
		r.routes[chain] = &route{sink: rt.Sink, minLevel: rt.MinLevel, lines: rt.Lines}
	}
	return r, nil
}

// chainKeys lists every chain a Router serves.
func chainKeys() []string {
	keys := make([]string, 0, len(Channels)+1)
	for _, c := range Channels {
		keys = append(keys, string(c))
	}
	return append(keys, RootChain)
}

// Accepts reports whether a record of the given level is written to the
// sink of chain.
func (r *Router) Accepts(chain string, lvl Level) bool {
	rt, ok := r.routes[chain]
	return ok && lvl >= rt.minLevel
}

// append encodes rec and writes it to the sink of chain. It must be
// called from within the chain's critical section (see Enricher.Enrich).
func (r *Router) append(chain string, rec Record) error {
	rt, ok := r.routes[chain]
	if !ok {
		return fmt.Errorf("no sink configured for chain %q", chain)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", chain, err)
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrRecordTooLarge, len(data), MaxRecordSize)
	}
	if err := rt.sink.Append(data); err != nil {
		for _, o := range r.observers {
			o.AppendFailed(chain, err)
		}
		return err
	}

	rt.lines++
	for _, o := range r.observers {
		o.RecordAppended(chain, rt.lines, rec)
	}
	return nil
}

// Close closes every sink.
func (r *Router) Close() error {
	var errs []error
	for chain, rt := range r.routes {
		if err := rt.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", chain, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("closing audit sinks", "error", err)
		return err
	}
	return nil
}
