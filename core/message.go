package core

import (
	"fmt"
	"time"
)

const (
	// Broadcast is the recipient marker fanning a message out to every agent
	// except its sender.
	Broadcast = "*"
	// UserSender is the synthetic sender of messages injected by the user.
	UserSender = "user"
	// SystemSender is the synthetic sender of orchestrator notices.
	SystemSender = "system"
)

// Message is an immutable utterance routed by the bus. It is owned by the bus
// until delivered and by the recipient's memory log afterwards.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Tick      uint64    `json:"tick"`
	Topic     string    `json:"topic,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message stamped with a fresh id and UTC timestamp.
func NewMessage(sender, recipient, content string, tick uint64, topic string) Message {
	return Message{
		ID:        NewID(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Tick:      tick,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
	}
}

// IsBroadcast reports whether the message is addressed to everyone.
func (m Message) IsBroadcast() bool { return m.Recipient == Broadcast }

// IsSynthetic reports whether id names a sender that is never in the registry.
func IsSynthetic(id string) bool { return id == UserSender || id == SystemSender }

// String renders the message the way prompts and logs show it.
func (m Message) String() string {
	to := m.Recipient
	if m.IsBroadcast() {
		to = "everyone"
	}
	return fmt.Sprintf("[%s -> %s]: %s", m.Sender, to, m.Content)
}
