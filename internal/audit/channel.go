package audit

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// Channel is one of the four independently chained log streams.
type Channel string

const (
	ChannelAccess      Channel = "access"
	ChannelApplication Channel = "application"
	ChannelSecurity    Channel = "security"
	ChannelError       Channel = "error"
)

// Channels lists every known channel in a stable order.
var Channels = []Channel{ChannelAccess, ChannelApplication, ChannelSecurity, ChannelError}

// RootChain is the chain key of the catch-all sink. It is not a Channel:
// callers cannot log to it directly, it only receives mirrored records.
const RootChain = "root"

// DefaultChannel receives the chain of any logger name that is neither a
// known channel nor matched by an alias.
const DefaultChannel = ChannelApplication

// ParseChannel returns the channel with exactly the given name.
// Matching is case-sensitive.
func ParseChannel(name string) (Channel, error) {
	for _, c := range Channels {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, name)
}

// Alias routes logger names matching Pattern onto Channel.
type Alias struct {
	Pattern string  `yaml:"pattern"`
	Channel Channel `yaml:"channel"`
}

type compiledAlias struct {
	pattern string
	glob    glob.Glob
	channel Channel
}

// Resolver maps free-text logger names onto channels:
//
//  1. a name equal to a known channel resolves to that channel;
//  2. otherwise the first alias whose glob matches the name wins;
//  3. otherwise the name folds into DefaultChannel.
//
// The logger name given by the caller is always kept on the record, so a
// folded event remains attributable. Safe for concurrent use; aliases can
// be swapped at runtime with SetAliases.
type Resolver struct {
	mu      sync.RWMutex
	aliases []compiledAlias
}

// NewResolver compiles the alias patterns. Patterns use '.' as the
// separator, so "http.*" matches "http.server" but not "http.server.tls".
func NewResolver(aliases []Alias) (*Resolver, error) {
	r := &Resolver{}
	if err := r.SetAliases(aliases); err != nil {
		return nil, err
	}
	return r, nil
}

// SetAliases replaces the alias table. On error the old table is kept.
func (r *Resolver) SetAliases(aliases []Alias) error {
	compiled := make([]compiledAlias, 0, len(aliases))
	for _, a := range aliases {
		if _, err := ParseChannel(string(a.Channel)); err != nil {
			return fmt.Errorf("alias %q: %w", a.Pattern, err)
		}
		g, err := glob.Compile(a.Pattern, '.')
		if err != nil {
			return fmt.Errorf("alias %q: invalid glob: %w", a.Pattern, err)
		}
		compiled = append(compiled, compiledAlias{pattern: a.Pattern, glob: g, channel: a.Channel})
	}

	r.mu.Lock()
	r.aliases = compiled
	r.mu.Unlock()
	return nil
}

// Resolve returns the channel whose chain the named logger writes to.
// folded is true when the name matched neither a channel nor an alias.
func (r *Resolver) Resolve(name string) (ch Channel, folded bool) {
	if c, err := ParseChannel(name); err == nil {
		return c, false
	}
	if r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, a := range r.aliases {
			if a.glob.Match(name) {
				return a.channel, false
			}
		}
	}
	return DefaultChannel, true
}
