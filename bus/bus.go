// Package bus implements the addressed, ordered message channel between
// agents and the orchestrator. For a fixed recipient, messages are drained in
// publish order; no ordering is guaranteed across recipients. Each recipient
// owns a bounded mailbox whose overflow is resolved by a configurable policy
// and reported through an overflow handler. The bus never inspects content.
package bus

import (
	"fmt"
	"sync"

	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/logging"
)

const (
	defaultMailboxSize  = 32
	defaultHistoryLimit = 256
)

// OverflowPolicy selects what a full mailbox does with a new message.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest pending message to admit the new one.
	DropOldest OverflowPolicy = iota
	// RejectNew keeps the mailbox unchanged and refuses the new message.
	RejectNew
)

// String returns the policy name used in configuration files.
func (p OverflowPolicy) String() string {
	if p == RejectNew {
		return "reject-new"
	}
	return "drop-oldest"
}

// ParseOverflowPolicy maps "drop-oldest" / "reject-new" to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop-oldest":
		return DropOldest, nil
	case "reject-new":
		return RejectNew, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Overflow describes one mailbox overflow occurrence.
type Overflow struct {
	Recipient string
	Policy    OverflowPolicy
	// Dropped is the message that did not make it into the mailbox: the
	// evicted oldest one for DropOldest, the new one for RejectNew.
	Dropped core.Message
}

// Options configures a Bus.
type Options struct {
	// MailboxSize bounds every recipient's pending queue.
	MailboxSize int
	// Policy resolves overflow. Defaults to DropOldest.
	Policy OverflowPolicy
	// HistoryLimit bounds the published-message history. Zero disables it.
	HistoryLimit int
	// OnOverflow is invoked once per overflow, outside the bus lock.
	OnOverflow func(Overflow)
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Bus is safe for concurrent publishers.
type Bus struct {
	mu        sync.Mutex
	mailboxes map[string][]core.Message
	history   []core.Message
	opts      Options
}

// New constructs a bus with optional overrides.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		MailboxSize:  defaultMailboxSize,
		Policy:       DropOldest,
		HistoryLimit: defaultHistoryLimit,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = defaultMailboxSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Bus{
		mailboxes: make(map[string][]core.Message),
		opts:      opts,
	}
}

// Register creates an empty mailbox for id. Registering twice is a no-op.
func (b *Bus) Register(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[id]; !ok {
		b.mailboxes[id] = []core.Message{}
	}
}

// Unregister removes id's mailbox and discards every pending message it sent
// to other recipients. It returns the number of discarded messages.
func (b *Bus) Unregister(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	discarded := len(b.mailboxes[id])
	delete(b.mailboxes, id)
	for rcpt, queue := range b.mailboxes {
		kept := queue[:0]
		for _, m := range queue {
			if m.Sender == id {
				discarded++
				continue
			}
			kept = append(kept, m)
		}
		b.mailboxes[rcpt] = kept
	}
	return discarded
}

// Registered reports whether id has a mailbox.
func (b *Bus) Registered(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.mailboxes[id]
	return ok
}

// Recipients returns the ids that currently own a mailbox.
func (b *Bus) Recipients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		ids = append(ids, id)
	}
	return ids
}

// Publish enqueues msg for its recipient, or for every registered agent but
// the sender when msg is a broadcast. Unknown senders or recipients yield
// core.ErrUnknownAgent. A direct message refused by a RejectNew mailbox yields
// core.ErrMailboxOverflow; broadcast overflows are only reported.
func (b *Bus) Publish(msg core.Message) error {
	var overflows []Overflow

	b.mu.Lock()
	if !core.IsSynthetic(msg.Sender) {
		if _, ok := b.mailboxes[msg.Sender]; !ok {
			b.mu.Unlock()
			return fmt.Errorf("bus: sender: %w", core.UnknownAgentError(msg.Sender))
		}
	}

	var err error
	if msg.IsBroadcast() {
		for id := range b.mailboxes {
			if id == msg.Sender {
				continue
			}
			if of, ok := b.enqueueLocked(id, msg); ok {
				overflows = append(overflows, of)
			}
		}
	} else {
		if _, ok := b.mailboxes[msg.Recipient]; !ok {
			b.mu.Unlock()
			return fmt.Errorf("bus: recipient: %w", core.UnknownAgentError(msg.Recipient))
		}
		if of, ok := b.enqueueLocked(msg.Recipient, msg); ok {
			overflows = append(overflows, of)
			if of.Policy == RejectNew {
				err = fmt.Errorf("bus: %s: %w", msg.Recipient, core.ErrMailboxOverflow)
			}
		}
	}
	b.appendHistoryLocked(msg)
	b.mu.Unlock()

	for _, of := range overflows {
		b.opts.Logger.Warn("mailbox overflow", "recipient", of.Recipient, "policy", of.Policy.String(), "dropped", of.Dropped.ID)
		if b.opts.OnOverflow != nil {
			b.opts.OnOverflow(of)
		}
	}
	return err
}

// enqueueLocked appends msg to id's mailbox applying the overflow policy.
// Caller must hold b.mu.
func (b *Bus) enqueueLocked(id string, msg core.Message) (Overflow, bool) {
	queue := b.mailboxes[id]
	if len(queue) < b.opts.MailboxSize {
		b.mailboxes[id] = append(queue, msg)
		return Overflow{}, false
	}
	if b.opts.Policy == RejectNew {
		return Overflow{Recipient: id, Policy: RejectNew, Dropped: msg}, true
	}
	dropped := queue[0]
	next := make([]core.Message, 0, b.opts.MailboxSize)
	next = append(next, queue[1:]...)
	b.mailboxes[id] = append(next, msg)
	return Overflow{Recipient: id, Policy: DropOldest, Dropped: dropped}, true
}

func (b *Bus) appendHistoryLocked(msg core.Message) {
	if b.opts.HistoryLimit <= 0 {
		return
	}
	b.history = append(b.history, msg)
	if over := len(b.history) - b.opts.HistoryLimit; over > 0 {
		b.history = append([]core.Message(nil), b.history[over:]...)
	}
}

// DrainFor removes and returns id's pending messages in publish order.
func (b *Bus) DrainFor(id string) []core.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.mailboxes[id]
	if len(queue) == 0 {
		return nil
	}
	b.mailboxes[id] = []core.Message{}
	return queue
}

// Pending returns the number of undelivered messages for id.
func (b *Bus) Pending(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mailboxes[id])
}

// History returns a copy of the most recent published messages, oldest first.
func (b *Bus) History() []core.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Message, len(b.history))
	copy(out, b.history)
	return out
}
