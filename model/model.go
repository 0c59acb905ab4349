package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Message is one turn of a provider conversation.
type Message struct {
	Role string `json:"role"` // "system", "user" or "assistant"
	Text string `json:"text"`
}

// Request is the normalized model input produced by the gateway.
type Request struct {
	Instructions string    `json:"instructions"` // System prompt
	Messages     []Message `json:"messages"`
	// JSONOutput asks providers that support it to constrain output to JSON.
	JSONOutput bool `json:"json_output,omitempty"`
	Stream     bool `json:"stream,omitempty"`
}

// LastText returns the text of the final message, or "" when there is none.
func (r Request) LastText() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Text
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", ...
}

// Model is the opaque inference boundary. Implementations send zero or more
// partial responses followed by one final response, or a single error, then
// close both channels.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a Generate call and returns the final response.
func Collect(ctx context.Context, m Model, req Request) (*Response, error) {
	respCh, errCh := m.Generate(ctx, req)
	var final *Response
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if !r.Partial {
				r := r
				final = &r
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}
	if final == nil {
		return nil, fmt.Errorf("model %s returned no final response", m.Info().Name)
	}
	return final, nil
}

// Step is one scripted MockModel reply.
type Step struct {
	Text  string
	Err   error
	Delay time.Duration
}

// MockModel is a lightweight in‑memory Model useful for tests & examples.
// Scripted steps are consumed in order; once exhausted, canned responses
// keyed by the last message text apply, and finally a default JSON utterance.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	script    []Step
	responses map[string]string
	requests  []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Script appends scripted steps.
func (m *MockModel) Script(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, steps...)
}

// Calls returns how many times Generate was invoked.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockModel) next(req Request) Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.script) > 0 {
		s := m.script[0]
		m.script = m.script[1:]
		return s
	}
	if r, ok := m.responses[req.LastText()]; ok {
		return Step{Text: r}
	}
	b, _ := json.Marshal(map[string]string{"utterance": "Mock response to: " + req.LastText()})
	return Step{Text: string(b)}
}

// Generate implements Model; emits optional streaming chunks then final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	step := m.next(req)

	go func() {
		defer close(respCh)
		defer close(errCh)
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-timer.C:
			}
		}
		if step.Err != nil {
			errCh <- step.Err
			return
		}
		if req.Stream {
			for _, r := range step.Text {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}
		respCh <- Response{Text: step.Text, FinishReason: "stop"}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
