package conversation

import (
	"sort"
	"sync"

	"github.com/hupe1980/agentsim/core"
)

const defaultTranscriptLimit = 50

type pairKey struct{ lo, hi string }

func keyFor(a, b string) pairKey {
	if a < b {
		return pairKey{lo: a, hi: b}
	}
	return pairKey{lo: b, hi: a}
}

// InMemoryStore is a volatile transcript store safe for concurrent access.
// Returned slices are copies.
type InMemoryStore struct {
	mu          sync.RWMutex
	transcripts map[pairKey][]core.Message
	// partners maps an agent to the tick of its latest exchange with each peer.
	partners map[string]map[string]uint64
	limit    int
}

// NewInMemoryStore constructs an empty store keeping at most limit messages
// per pair. A non-positive limit selects the default of 50.
func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	return &InMemoryStore{
		transcripts: make(map[pairKey][]core.Message),
		partners:    make(map[string]map[string]uint64),
		limit:       limit,
	}
}

// Record files msg as delivered to recipient. For direct messages recipient
// equals msg.Recipient; for broadcasts it is the concrete receiving agent.
func (s *InMemoryStore) Record(recipient string, msg core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyFor(msg.Sender, recipient)
	t := append(s.transcripts[k], msg)
	if over := len(t) - s.limit; over > 0 {
		t = append([]core.Message(nil), t[over:]...)
	}
	s.transcripts[k] = t

	s.touchLocked(msg.Sender, recipient, msg.Tick)
	s.touchLocked(recipient, msg.Sender, msg.Tick)
}

func (s *InMemoryStore) touchLocked(self, peer string, tick uint64) {
	m, ok := s.partners[self]
	if !ok {
		m = make(map[string]uint64)
		s.partners[self] = m
	}
	if tick >= m[peer] {
		m[peer] = tick
	}
}

// Between returns the transcript of a and b, oldest first.
func (s *InMemoryStore) Between(a, b string) []core.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.transcripts[keyFor(a, b)]
	out := make([]core.Message, len(t))
	copy(out, t)
	return out
}

// Partners returns id's conversation partners, most recent first. Ties are
// broken by id so the order is stable.
func (s *InMemoryStore) Partners(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.partners[id]
	out := make([]string, 0, len(m))
	for peer := range m {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := m[out[i]], m[out[j]]
		if ti != tj {
			return ti > tj
		}
		return out[i] < out[j]
	})
	return out
}

// Forget removes every transcript and partner link involving id.
func (s *InMemoryStore) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.transcripts {
		if k.lo == id || k.hi == id {
			delete(s.transcripts, k)
		}
	}
	for peer := range s.partners[id] {
		delete(s.partners[peer], id)
	}
	delete(s.partners, id)
}
