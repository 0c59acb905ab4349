package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/agentsim/core"
)

// Options configures a Synthesizer.
type Options struct {
	// Threshold is the memory length above which consolidation runs.
	Threshold int
	// KeepRecent is the number of newest entries kept verbatim.
	KeepRecent int
	// MaxSalient bounds the older salient entries kept verbatim. Salient
	// entries beyond it are quoted in the summary instead.
	MaxSalient int
	// MaxSummaryChars bounds the summary text.
	MaxSummaryChars int
}

// DefaultConfig holds the default synthesizer options.
var DefaultConfig = Options{
	Threshold:       24,
	KeepRecent:      6,
	MaxSalient:      8,
	MaxSummaryChars: 600,
}

// Synthesizer is stateless and safe for concurrent use.
type Synthesizer struct {
	opts Options
}

// NewSynthesizer creates a synthesizer. Threshold is raised when needed so a
// consolidated log always fits below it.
func NewSynthesizer(optFns ...func(o *Options)) *Synthesizer {
	opts := DefaultConfig
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.KeepRecent < 0 {
		opts.KeepRecent = 0
	}
	if opts.MaxSalient < 0 {
		opts.MaxSalient = 0
	}
	if opts.MaxSummaryChars <= 0 {
		opts.MaxSummaryChars = DefaultConfig.MaxSummaryChars
	}
	if floor := opts.KeepRecent + opts.MaxSalient + 1; opts.Threshold < floor {
		opts.Threshold = floor
	}
	return &Synthesizer{opts: opts}
}

// Options returns the effective options.
func (s *Synthesizer) Options() Options { return s.opts }

// NeedsConsolidation reports whether a log of length n would be rewritten.
func (s *Synthesizer) NeedsConsolidation(n int) bool { return n > s.opts.Threshold }

// Consolidate returns the compressed log. A log at or below the threshold is
// returned unchanged. The input slice is never modified.
func (s *Synthesizer) Consolidate(entries []core.MemoryEntry) []core.MemoryEntry {
	if !s.NeedsConsolidation(len(entries)) {
		return entries
	}

	split := len(entries) - s.opts.KeepRecent
	older, recent := entries[:split], entries[split:]

	var salientIdx []int
	for i, e := range older {
		if e.Salient && e.Kind != core.MemorySummary {
			salientIdx = append(salientIdx, i)
		}
	}
	if over := len(salientIdx) - s.opts.MaxSalient; over > 0 {
		salientIdx = salientIdx[over:]
	}
	kept := make(map[int]bool, len(salientIdx))
	for _, i := range salientIdx {
		kept[i] = true
	}

	folded := make([]core.MemoryEntry, 0, len(older)-len(kept))
	for i, e := range older {
		if !kept[i] {
			folded = append(folded, e)
		}
	}

	out := make([]core.MemoryEntry, 0, 1+len(salientIdx)+len(recent))
	out = append(out, s.summarize(folded))
	for _, i := range salientIdx {
		out = append(out, older[i])
	}
	return append(out, recent...)
}

// ConsolidateAgent rewrites a.Memory in place. It returns the new summary
// entry and true when the log changed.
func (s *Synthesizer) ConsolidateAgent(a *core.Agent) (core.MemoryEntry, bool) {
	if !s.NeedsConsolidation(len(a.Memory)) {
		return core.MemoryEntry{}, false
	}
	a.Memory = s.Consolidate(a.Memory)
	return a.Memory[0], true
}

// summarize folds entries, including earlier summaries, into one summary.
// Salient quotes are always kept whole; the rest of the digest is cut to fit
// MaxSummaryChars, losing the earlier summaries first.
func (s *Synthesizer) summarize(entries []core.MemoryEntry) core.MemoryEntry {
	var previous, notable, topics []string
	var heard, said int
	var firstTick, lastTick uint64
	haveTick := false
	seenTopic := map[string]bool{}
	speakers := map[string]int{}

	for _, e := range entries {
		if !haveTick || e.Tick < firstTick {
			firstTick = e.Tick
		}
		if !haveTick || e.Tick > lastTick {
			lastTick = e.Tick
		}
		haveTick = true

		if e.Topic != "" && !seenTopic[e.Topic] {
			seenTopic[e.Topic] = true
			topics = append(topics, e.Topic)
		}

		switch e.Kind {
		case core.MemorySummary:
			if gist := summaryGist(e); gist != "" {
				previous = append(previous, gist)
			}
			notable = append(notable, e.Notes...)
			continue
		case core.MemoryHeard:
			heard++
			if e.Speaker != "" {
				speakers[e.Speaker]++
			}
		case core.MemorySaid:
			said++
		case core.MemoryTopic:
			if !seenTopic[e.Text] {
				seenTopic[e.Text] = true
				topics = append(topics, e.Text)
			}
		}
		if e.Salient || e.Kind == core.MemoryOpinion {
			notable = append(notable, quote(e))
		}
	}

	var parts []string
	if heard > 0 || said > 0 {
		parts = append(parts, fmt.Sprintf("ticks %d-%d: heard %d, said %d", firstTick, lastTick, heard, said))
	}
	if len(topics) > 0 {
		parts = append(parts, "topics "+strings.Join(topics, ", "))
	}
	if len(speakers) > 0 {
		parts = append(parts, "talked with "+formatSpeakers(speakers))
	}
	if len(previous) > 0 {
		parts = append(parts, "earlier: "+strings.Join(previous, " | "))
	}
	gist := strings.Join(parts, "; ")

	out := core.MemoryEntry{Tick: lastTick, Kind: core.MemorySummary}
	if len(notable) == 0 {
		out.Text = truncate(gist, s.opts.MaxSummaryChars)
		return out
	}

	out.Notes = notable
	tail := notesPrefix + strings.Join(notable, "; ")
	room := s.opts.MaxSummaryChars - runeLen(tail) - len(noteSep)
	if gist == "" || room <= 3 {
		out.Text = tail
		return out
	}
	out.Text = truncate(gist, room) + noteSep + tail
	return out
}

const (
	notesPrefix = "notable: "
	noteSep     = "; "
)

// summaryGist strips the rendered notes from a summary, leaving the part that
// may be cut when it is folded again.
func summaryGist(e core.MemoryEntry) string {
	if len(e.Notes) == 0 {
		return e.Text
	}
	gist := strings.TrimSuffix(e.Text, notesPrefix+strings.Join(e.Notes, "; "))
	return strings.TrimSuffix(gist, noteSep)
}

func runeLen(s string) int { return len([]rune(s)) }

func quote(e core.MemoryEntry) string {
	if e.Speaker != "" {
		return fmt.Sprintf("%s said %q", e.Speaker, e.Text)
	}
	return fmt.Sprintf("%q", e.Text)
}

// formatSpeakers renders "a (3), b (1)" ordered by count, then name.
func formatSpeakers(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprintf("%s (%d)", n, counts[n])
	}
	return strings.Join(out, ", ")
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
