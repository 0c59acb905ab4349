package memory

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentsim/core"
)

// ErrNotFound is returned when deleting an unknown memory.
var ErrNotFound = errors.New("memory not found")

// StoredMemory is the internal representation persisted by InMemoryStore.
// It mirrors the core.SearchResult shape (ID, content, metadata) without a
// score field since scoring is trivial here.
type StoredMemory struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// InMemoryStore is a naive process‑local MemoryStore. It offers:
//  1. Agent scoped key/value snapshots (Get / Put)
//  2. Append‑only stored summaries with substring Search
//
// Concurrency: protected by RWMutex.
// Search: linear scan in insertion order with case sensitive substring
// matching, assigning a constant score of 1.0 to every hit.
type InMemoryStore struct {
	mu      sync.RWMutex
	memory  map[string]map[string]any // agentID -> key -> value
	storage map[string][]StoredMemory // agentID -> stored memories, oldest first
	seq     map[string]int            // agentID -> next memory number
}

// NewInMemoryStore creates a new in-memory memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		memory:  make(map[string]map[string]any),
		storage: make(map[string][]StoredMemory),
		seq:     make(map[string]int),
	}
}

// Get returns a shallow copy of the key/value snapshot for the agent.
func (m *InMemoryStore) Get(agentID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agentMemory, exists := m.memory[agentID]
	if !exists {
		return make(map[string]any), nil
	}
	result := make(map[string]any, len(agentMemory))
	for k, v := range agentMemory {
		result[k] = v
	}
	return result, nil
}

// Put merges the provided delta map into the agent's key/value snapshot.
func (m *InMemoryStore) Put(agentID string, delta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.memory[agentID]; !exists {
		m.memory[agentID] = make(map[string]any)
	}
	for k, v := range delta {
		m.memory[agentID][k] = v
	}
	return nil
}

// Search performs a substring match over stored memories, oldest first, up
// to limit results. A non-positive limit returns every match.
func (m *InMemoryStore) Search(agentID string, query string, limit int) ([]core.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := []core.SearchResult{}
	for _, stored := range m.storage[agentID] {
		if limit > 0 && len(results) >= limit {
			break
		}
		if query == "" || strings.Contains(stored.Content, query) {
			md := make(map[string]any, len(stored.Metadata))
			for k, v := range stored.Metadata {
				md[k] = v
			}
			results = append(results, core.SearchResult{ID: stored.ID, Content: stored.Content, Score: 1.0, Metadata: md})
		}
	}
	return results, nil
}

// Store appends a new stored memory generating an incremental id.
func (m *InMemoryStore) Store(agentID string, content string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	memoryID := fmt.Sprintf("mem_%d", m.seq[agentID])
	m.seq[agentID]++
	m.storage[agentID] = append(m.storage[agentID], StoredMemory{ID: memoryID, Content: content, Metadata: metadata})
	return nil
}

// Delete removes a stored memory entry by id.
func (m *InMemoryStore) Delete(agentID string, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.storage[agentID]
	for i, sm := range stored {
		if sm.ID == memoryID {
			m.storage[agentID] = append(stored[:i:i], stored[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s/%s: %w", agentID, memoryID, ErrNotFound)
}
