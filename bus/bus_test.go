package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentsim/core"
)

func TestBus_DirectDeliveryFIFO(t *testing.T) {
	b := New()
	b.Register("a")
	b.Register("b")

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(core.NewMessage("a", "b", fmt.Sprintf("m%d", i), 1, "")))
	}

	got := b.DrainFor("b")
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
	}
	assert.Empty(t, b.DrainFor("b"))
	assert.Equal(t, 0, b.Pending("a"))
}

func TestBus_BroadcastSkipsSender(t *testing.T) {
	b := New()
	for _, id := range []string{"a", "b", "c"} {
		b.Register(id)
	}

	require.NoError(t, b.Publish(core.NewMessage("a", core.Broadcast, "hi all", 1, "ethics")))

	assert.Equal(t, 0, b.Pending("a"))
	assert.Equal(t, 1, b.Pending("b"))
	assert.Equal(t, 1, b.Pending("c"))
	assert.Len(t, b.History(), 1)
}

func TestBus_ConcurrentPublishersKeepPerSenderOrder(t *testing.T) {
	const senders, perSender = 8, 50

	b := New(func(o *Options) { o.MailboxSize = senders * perSender })
	b.Register("sink")
	for s := 0; s < senders; s++ {
		b.Register(fmt.Sprintf("s%d", s))
	}

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			sender := fmt.Sprintf("s%d", s)
			for i := 0; i < perSender; i++ {
				assert.NoError(t, b.Publish(core.NewMessage(sender, "sink", fmt.Sprint(i), uint64(i), "")))
			}
		}(s)
	}
	wg.Wait()

	got := b.DrainFor("sink")
	require.Len(t, got, senders*perSender)

	// Each sender's publishes are sequential, so their relative order must survive.
	last := map[string]uint64{}
	seen := map[string]bool{}
	for _, m := range got {
		if seen[m.Sender] {
			assert.Greater(t, m.Tick, last[m.Sender], "out of order for %s", m.Sender)
		}
		seen[m.Sender] = true
		last[m.Sender] = m.Tick
	}
}

func TestBus_DropOldestOverflow(t *testing.T) {
	var overflows []Overflow
	b := New(func(o *Options) {
		o.MailboxSize = 2
		o.OnOverflow = func(of Overflow) { overflows = append(overflows, of) }
	})
	b.Register("a")
	b.Register("b")

	for _, c := range []string{"one", "two", "three"} {
		require.NoError(t, b.Publish(core.NewMessage("a", "b", c, 1, "")))
	}

	got := b.DrainFor("b")
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Content)
	assert.Equal(t, "three", got[1].Content)

	require.Len(t, overflows, 1)
	assert.Equal(t, "b", overflows[0].Recipient)
	assert.Equal(t, "one", overflows[0].Dropped.Content)
	assert.Equal(t, DropOldest, overflows[0].Policy)
}

func TestBus_RejectNewOverflow(t *testing.T) {
	var overflows int
	b := New(func(o *Options) {
		o.MailboxSize = 1
		o.Policy = RejectNew
		o.OnOverflow = func(Overflow) { overflows++ }
	})
	b.Register("a")
	b.Register("b")

	require.NoError(t, b.Publish(core.NewMessage("a", "b", "first", 1, "")))
	err := b.Publish(core.NewMessage("a", "b", "second", 1, ""))
	assert.ErrorIs(t, err, core.ErrMailboxOverflow)

	got := b.DrainFor("b")
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, 1, overflows)
}

func TestBus_UnknownParticipants(t *testing.T) {
	b := New()
	b.Register("a")

	assert.ErrorIs(t, b.Publish(core.NewMessage("ghost", "a", "boo", 1, "")), core.ErrUnknownAgent)
	assert.ErrorIs(t, b.Publish(core.NewMessage("a", "ghost", "boo", 1, "")), core.ErrUnknownAgent)
	assert.NoError(t, b.Publish(core.NewMessage(core.UserSender, "a", "hello", 1, "")))
	assert.Equal(t, 1, b.Pending("a"))
}

func TestBus_UnregisterDiscardsPending(t *testing.T) {
	b := New()
	for _, id := range []string{"a", "b", "c"} {
		b.Register(id)
	}
	require.NoError(t, b.Publish(core.NewMessage("a", "b", "from a", 1, "")))
	require.NoError(t, b.Publish(core.NewMessage("c", "b", "from c", 1, "")))
	require.NoError(t, b.Publish(core.NewMessage("b", "a", "to a", 1, "")))

	discarded := b.Unregister("a")

	assert.Equal(t, 2, discarded)
	assert.False(t, b.Registered("a"))
	got := b.DrainFor("b")
	require.Len(t, got, 1)
	assert.Equal(t, "from c", got[0].Content)
}

func TestBus_HistoryIsBounded(t *testing.T) {
	b := New(func(o *Options) { o.HistoryLimit = 3 })
	b.Register("a")
	b.Register("b")
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(core.NewMessage("a", "b", fmt.Sprint(i), 1, "")))
	}

	h := b.History()
	require.Len(t, h, 3)
	assert.Equal(t, "2", h[0].Content)
	assert.Equal(t, "4", h[2].Content)
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("reject-new")
	require.NoError(t, err)
	assert.Equal(t, RejectNew, p)
	assert.Equal(t, "reject-new", p.String())

	p, err = ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	_, err = ParseOverflowPolicy("shuffle")
	assert.Error(t, err)
}
