package audit

import (
	"log/slog"
	"time"
)

// Enricher turns events into signed records, advancing the chain of the
// record's chain key by exactly one link per call.
type Enricher struct {
	secret []byte
	state  *ChainState
	now    func() time.Time
}

// NewEnricher returns an Enricher signing with secret. An empty secret is
// a configuration error.
func NewEnricher(secret []byte, state *ChainState) (*Enricher, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if state == nil {
		state = NewChainState()
	}
	return &Enricher{
		secret: secret,
		state:  state,
		now:    time.Now,
	}, nil
}

// State returns the chain state the enricher advances.
func (e *Enricher) State() *ChainState { return e.state }

// Enrich signs ev as the next link of chain. commit, if non-nil, runs
// inside the chain's critical section after signing; the chain only
// advances when it returns nil. Passing the sink append as commit makes
// sink order identical to chain order.
func (e *Enricher) Enrich(chain string, ev Event, commit func(Record) error) (Record, error) {
	ts := ev.Time
	if ts.IsZero() {
		ts = e.now()
	}

	rec := Record{
		Timestamp: ts.UTC().Format(TimeFormat),
		Level:     ev.Level.String(),
		Name:      ev.Channel,
		Message:   ev.Message,
		Fields:    copyFields(ev.Fields),
	}

	err := e.state.Advance(chain, func(prev string) (string, error) {
		rec.PrevSignature = prev
		rec.Signature = signRecord(e.secret, &rec)
		if commit != nil {
			if err := commit(rec); err != nil {
				return "", err
			}
		}
		return rec.Signature, nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func copyFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if isReserved(k) {
			slog.Debug("dropping reserved field from audit event", "field", k)
			continue
		}
		out[k] = v
	}
	return out
}
