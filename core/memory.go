package core

// MemoryKind classifies raw memory log entries.
type MemoryKind string

const (
	// MemoryHeard records a message the agent received.
	MemoryHeard MemoryKind = "heard"
	// MemorySaid records an utterance the agent produced.
	MemorySaid MemoryKind = "said"
	// MemoryTopic records a topic shift.
	MemoryTopic MemoryKind = "topic"
	// MemoryOpinion records a strong opinion the agent expressed.
	MemoryOpinion MemoryKind = "opinion"
	// MemorySummary is a consolidated digest of older entries.
	MemorySummary MemoryKind = "summary"
)

// MemoryEntry is one item of an agent's memory log.
type MemoryEntry struct {
	Tick    uint64     `json:"tick"`
	Kind    MemoryKind `json:"kind"`
	Speaker string     `json:"speaker,omitempty"`
	Text    string     `json:"text"`
	Topic   string     `json:"topic,omitempty"`
	Salient bool       `json:"salient,omitempty"`
	// Notes holds the salient quotes a summary carries forward. They are
	// rendered at the end of Text and never truncated.
	Notes []string `json:"notes,omitempty"`
}

// HeardEntry converts a delivered message into a memory entry. Messages
// addressed directly to self are salient.
func HeardEntry(self string, m Message) MemoryEntry {
	return MemoryEntry{
		Tick:    m.Tick,
		Kind:    MemoryHeard,
		Speaker: m.Sender,
		Text:    m.Content,
		Topic:   m.Topic,
		Salient: m.Recipient == self,
	}
}
