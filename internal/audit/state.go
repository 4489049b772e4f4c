package audit

import "sync"

// ChainState holds the last signature of every chain. Each chain has its
// own lock, so emissions on different channels never contend while two
// emissions on the same channel are strictly serialized.
//
// One ChainState is built per process and shared by the Enricher; it is
// never persisted. Restart continuity comes from seeding it with the last
// record found in each sink (see Open).
type ChainState struct {
	mu    sync.Mutex // guards the map, not the slots
	slots map[string]*chainSlot
}

type chainSlot struct {
	mu   sync.Mutex
	last string
}

// NewChainState returns a state with the given chains set to Genesis.
// Chains not listed are created at Genesis on first use.
func NewChainState(chains ...string) *ChainState {
	s := &ChainState{slots: make(map[string]*chainSlot, len(chains))}
	for _, c := range chains {
		s.slots[c] = &chainSlot{last: Genesis}
	}
	return s
}

func (s *ChainState) slot(chain string) *chainSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[chain]
	if !ok {
		sl = &chainSlot{last: Genesis}
		s.slots[chain] = sl
	}
	return sl
}

// Last returns the current last signature of chain.
func (s *ChainState) Last(chain string) string {
	sl := s.slot(chain)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.last
}

// Seed sets the last signature of chain, e.g. from the tail of its sink
// at startup.
func (s *ChainState) Seed(chain, signature string) {
	sl := s.slot(chain)
	sl.mu.Lock()
	sl.last = signature
	sl.mu.Unlock()
}

// Advance is the read-and-advance critical section of a chain. fn receives
// the current last signature and returns the next one; it runs with the
// chain locked, so no other Advance on the same chain can observe prev
// until fn returns. The state only moves when fn succeeds.
func (s *ChainState) Advance(chain string, fn func(prev string) (next string, err error)) error {
	sl := s.slot(chain)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	next, err := fn(sl.last)
	if err != nil {
		return err
	}
	sl.last = next
	return nil
}

// Snapshot returns a copy of every chain's last signature.
func (s *ChainState) Snapshot() map[string]string {
	s.mu.Lock()
	slots := make(map[string]*chainSlot, len(s.slots))
	for k, v := range s.slots {
		slots[k] = v
	}
	s.mu.Unlock()

	out := make(map[string]string, len(slots))
	for k, sl := range slots {
		sl.mu.Lock()
		out[k] = sl.last
		sl.mu.Unlock()
	}
	return out
}
