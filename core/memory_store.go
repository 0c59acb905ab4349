package core

// MemoryStore defines persistence + retrieval (search) for consolidated agent
// memory. Keys are agent ids. Get/Put hold the agent's latest key/value
// snapshot; Store appends consolidation summaries that Search can recall.
type MemoryStore interface {
	Get(agentID string) (map[string]any, error)
	Put(agentID string, delta map[string]any) error
	Search(agentID string, query string, limit int) ([]SearchResult, error)
	Store(agentID string, content string, metadata map[string]any) error
	Delete(agentID string, memoryID string) error
}
