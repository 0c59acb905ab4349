package gateway

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/internal/util"
)

// PromptStrategy returns the personality preamble for an agent. Strategies
// are selected by personality template name; the state machine never sees
// them.
type PromptStrategy func(a *core.Agent) string

// DefaultStrategies maps the built-in personality templates to preambles.
var DefaultStrategies = map[string]PromptStrategy{
	core.PersonalityFriendly: func(a *core.Agent) string {
		return fmt.Sprintf("You are %s, a warm and encouraging participant who builds on what others say.", a.Name)
	},
	core.PersonalityCurious: func(a *core.Agent) string {
		return fmt.Sprintf("You are %s, an inquisitive participant who asks probing questions and explores new angles.", a.Name)
	},
	core.PersonalityCautious: func(a *core.Agent) string {
		return fmt.Sprintf("You are %s, a careful participant who weighs risks and questions bold claims.", a.Name)
	},
	core.PersonalityBalanced: func(a *core.Agent) string {
		return fmt.Sprintf("You are %s, a thoughtful participant in a group discussion.", a.Name)
	},
}

const instructionsText = `{{ .Preamble }}
Your personality traits: {{ .Traits }}.
Stay in character and respond concisely (max 2-3 sentences).
Reply with a single JSON object and nothing else:
{"utterance": "<what you say>", "recipient": "<agent id to address, or empty for everyone>", "opinion": "<a strong opinion you hold, optional>", "salient": <true if this is worth remembering>}`

const promptText = `Current topic: {{ default "open discussion" .Topic }}
{{- if .Known }}
You can address: {{ join ", " .Known }}.
{{- end }}
{{- if .Partners }}
You recently talked with: {{ join ", " .Partners }}.
{{- end }}
{{- if .Recall }}

From earlier in the discussion:
{{- range .Recall }}
- {{ . }}
{{- end }}
{{- end }}

Conversation history:
{{- range .Memory }}
{{ memline . }}
{{- else }}
(nothing yet)
{{- end }}

Recent messages:
{{- range .Inbox }}
{{ .String }}
{{- else }}
(none)
{{- end }}

How would you respond?`

var (
	instructionsTmpl = template.Must(util.ParseTemplate("instructions", instructionsText))
	promptTmpl       = template.Must(util.ParseTemplate("prompt", promptText, template.FuncMap{"memline": memoryLine}))
)

func memoryLine(e core.MemoryEntry) string {
	switch e.Kind {
	case core.MemorySummary:
		return "(summary) " + e.Text
	case core.MemoryTopic:
		return "(topic changed) " + e.Text
	case core.MemoryOpinion:
		return "(your opinion) " + e.Text
	case core.MemorySaid:
		return "you: " + e.Text
	default:
		if e.Speaker == "" {
			return e.Text
		}
		return e.Speaker + ": " + e.Text
	}
}

// Prompt is the rendered model input for one request.
type Prompt struct {
	Instructions string
	Text         string
}

func (g *Gateway) strategyFor(a *core.Agent) PromptStrategy {
	if s, ok := g.opts.Strategies[a.Personality.Template]; ok {
		return s
	}
	if s, ok := DefaultStrategies[a.Personality.Template]; ok {
		return s
	}
	return DefaultStrategies[core.PersonalityBalanced]
}

// BuildPrompt renders the prompt for req. Memory is bounded by MemoryWindow
// and the inbox by InboxWindow, newest entries kept. Heard entries for the
// messages in the inbox are left out of the history.
func (g *Gateway) BuildPrompt(req Request) (Prompt, error) {
	if req.Agent == nil {
		return Prompt{}, fmt.Errorf("gateway: request %s has no agent", req.ID)
	}

	memory := req.Memory
	if memory == nil {
		memory = req.Agent.RecentMemory(g.opts.MemoryWindow + len(req.Inbox))
	}
	memory = withoutInbox(memory, req.Inbox)
	if over := len(memory) - g.opts.MemoryWindow; over > 0 {
		memory = memory[over:]
	}
	inbox := req.Inbox
	if over := len(inbox) - g.opts.InboxWindow; over > 0 {
		inbox = inbox[over:]
	}

	instructions, err := util.Execute(instructionsTmpl, map[string]any{
		"Preamble": g.strategyFor(req.Agent)(req.Agent),
		"Traits":   req.Agent.Personality.Describe(),
	})
	if err != nil {
		return Prompt{}, fmt.Errorf("gateway: render instructions: %w", err)
	}
	text, err := util.Execute(promptTmpl, map[string]any{
		"Topic":    req.Topic,
		"Known":    addressable(req.Known),
		"Partners": req.Partners,
		"Recall":   req.Recall,
		"Memory":   memory,
		"Inbox":    inbox,
	})
	if err != nil {
		return Prompt{}, fmt.Errorf("gateway: render prompt: %w", err)
	}
	return Prompt{Instructions: strings.TrimSpace(instructions), Text: strings.TrimSpace(text)}, nil
}

// withoutInbox drops the heard entries that the inbox section repeats.
func withoutInbox(memory []core.MemoryEntry, inbox []core.Message) []core.MemoryEntry {
	if len(inbox) == 0 {
		return memory
	}
	type key struct {
		tick    uint64
		speaker string
		text    string
	}
	pending := make(map[key]int, len(inbox))
	for _, m := range inbox {
		pending[key{m.Tick, m.Sender, m.Content}]++
	}
	out := make([]core.MemoryEntry, 0, len(memory))
	for _, e := range memory {
		k := key{e.Tick, e.Speaker, e.Text}
		if e.Kind == core.MemoryHeard && pending[k] > 0 {
			pending[k]--
			continue
		}
		out = append(out, e)
	}
	return out
}

// addressable renders "id (Name)" for every participant.
func addressable(known []Participant) []string {
	out := make([]string, len(known))
	for i, p := range known {
		if p.Name == "" || p.Name == p.ID {
			out[i] = p.ID
			continue
		}
		out[i] = fmt.Sprintf("%s (%s)", p.ID, p.Name)
	}
	return out
}
