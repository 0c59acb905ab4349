package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/logging"
	"github.com/hupe1980/agentsim/model"
)

// Options configures retry, timeouts and prompt construction.
type Options struct {
	// MaxAttempts bounds total attempts per request, first one included.
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration
	// Multiplier grows the backoff after every failed attempt.
	Multiplier float64
	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration
	// AttemptTimeout bounds one model call. Zero disables it.
	AttemptTimeout time.Duration
	// MemoryWindow is the number of recent memory entries put in the prompt.
	MemoryWindow int
	// InboxWindow is the number of inbox messages put in the prompt.
	InboxWindow int
	// Strategies overrides or extends DefaultStrategies.
	Strategies map[string]PromptStrategy
	Logger     logging.Logger
}

// DefaultConfig holds the default gateway options.
var DefaultConfig = Options{
	MaxAttempts:    3,
	InitialBackoff: 250 * time.Millisecond,
	Multiplier:     2,
	MaxBackoff:     5 * time.Second,
	AttemptTimeout: 30 * time.Second,
	MemoryWindow:   10,
	InboxWindow:    5,
}

// Request asks for one utterance on behalf of an agent.
type Request struct {
	// ID identifies the request; generated when empty.
	ID string
	// Agent is a snapshot of the requesting agent. It is read only.
	Agent *core.Agent
	Topic string
	Tick  uint64
	// Memory overrides Agent.Memory as the prompt's history when non-nil.
	Memory   []core.MemoryEntry
	Inbox    []core.Message
	Partners []string
	// Known lists the other agents the speaker may address.
	Known []Participant
	// Recall holds stored summaries from earlier in the run.
	Recall []string
}

// Participant is an addressable agent.
type Participant struct {
	ID   string
	Name string
}

// ResultKind is the terminal status of a request.
type ResultKind int

const (
	// Validated carries a schema-conformant response.
	Validated ResultKind = iota
	// Failed means every attempt failed, or the request was refused.
	Failed
	// Cancelled means the caller's context ended first.
	Cancelled
)

// String returns the lowercase kind name.
func (k ResultKind) String() string {
	switch k {
	case Validated:
		return "validated"
	case Failed:
		return "failed"
	default:
		return "cancelled"
	}
}

// Result is the single terminal outcome of a request.
type Result struct {
	RequestID string
	AgentID   string
	Kind      ResultKind
	Response  *Response
	Attempts  int
	Err       error
	Duration  time.Duration
}

// Gateway is safe for concurrent use across agents.
type Gateway struct {
	model  model.Model
	schema *jsonschema.Schema
	opts   Options

	mu       sync.Mutex
	inFlight map[string]string // agent id -> request id
}

// New creates a gateway in front of m.
func New(m model.Model, optFns ...func(o *Options)) (*Gateway, error) {
	opts := DefaultConfig
	opts.Logger = logging.NoOpLogger{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}
	if opts.InitialBackoff < 0 {
		opts.InitialBackoff = 0
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.MemoryWindow <= 0 {
		opts.MemoryWindow = DefaultConfig.MemoryWindow
	}
	if opts.InboxWindow <= 0 {
		opts.InboxWindow = DefaultConfig.InboxWindow
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	schema, err := compileResponseSchema()
	if err != nil {
		return nil, fmt.Errorf("gateway: compile response schema: %w", err)
	}
	return &Gateway{
		model:    m,
		schema:   schema,
		opts:     opts,
		inFlight: make(map[string]string),
	}, nil
}

// Options returns the effective options.
func (g *Gateway) Options() Options { return g.opts }

// InFlight reports whether agentID has a pending request.
func (g *Gateway) InFlight(agentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[agentID]
	return ok
}

func (g *Gateway) acquire(agentID, requestID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inFlight[agentID]; ok {
		return fmt.Errorf("gateway: agent %s: %w", agentID, core.ErrRequestInFlight)
	}
	g.inFlight[agentID] = requestID
	return nil
}

func (g *Gateway) release(agentID, requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[agentID] == requestID {
		delete(g.inFlight, agentID)
	}
}

// Request runs req asynchronously. The returned channel yields exactly one
// Result and is then closed. A second request for an agent that already has
// one pending fails immediately with core.ErrRequestInFlight.
func (g *Gateway) Request(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	if req.ID == "" {
		req.ID = core.NewID()
	}
	agentID := ""
	if req.Agent != nil {
		agentID = req.Agent.ID
	}

	if err := g.acquire(agentID, req.ID); err != nil {
		out <- Result{RequestID: req.ID, AgentID: agentID, Kind: Failed, Err: err}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		start := time.Now()
		resp, attempts, err := g.Do(ctx, req)
		res := Result{
			RequestID: req.ID,
			AgentID:   agentID,
			Response:  resp,
			Attempts:  attempts,
			Err:       err,
			Duration:  time.Since(start),
		}
		switch {
		case err == nil:
			res.Kind = Validated
		case errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(err, ctx.Err())):
			res.Kind = Cancelled
		default:
			res.Kind = Failed
		}
		// Release before publishing so the receiver may immediately re-request.
		g.release(agentID, req.ID)
		out <- res
	}()
	return out
}

// Do runs req synchronously and returns the validated response together with
// the number of attempts made. On exhaustion the error wraps both
// core.ErrGatewayExhausted and the last attempt's cause. If ctx ends, ctx.Err()
// is returned as is.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, int, error) {
	prompt, err := g.BuildPrompt(req)
	if err != nil {
		return nil, 0, err
	}
	mreq := model.Request{
		Instructions: prompt.Instructions,
		Messages:     []model.Message{{Role: "user", Text: prompt.Text}},
		JSONOutput:   true,
	}

	attempts := 0
	resp, err := backoff.RetryWithData(func() (*Response, error) {
		attempts++
		start := time.Now()
		resp, err := g.attempt(ctx, mreq)
		g.logAttempt(req, attempts, time.Since(start), err)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return resp, err
	}, g.retryPolicy(ctx))

	switch {
	case err == nil:
		return resp, attempts, nil
	case ctx.Err() != nil:
		return nil, attempts, ctx.Err()
	}
	return nil, attempts, fmt.Errorf("%w after %d attempts: %w", core.ErrGatewayExhausted, attempts, err)
}

// retryPolicy waits InitialBackoff, growing by Multiplier up to MaxBackoff,
// between at most MaxAttempts calls. Waiting ends early when ctx does.
func (g *Gateway) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.opts.InitialBackoff
	exp.Multiplier = g.opts.Multiplier
	exp.MaxInterval = g.opts.MaxBackoff
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(g.opts.MaxAttempts-1)), ctx)
}

// attempt performs one bounded model call and validates the reply.
func (g *Gateway) attempt(ctx context.Context, mreq model.Request) (*Response, error) {
	attemptCtx := ctx
	if g.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, g.opts.AttemptTimeout)
		defer cancel()
	}

	out, err := model.Collect(attemptCtx, g.model, mreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", core.ErrServiceUnavailable, err)
	}
	return validate(g.schema, out.Text)
}

func (g *Gateway) logAttempt(req Request, attempt int, dur time.Duration, err error) {
	if sl, ok := g.opts.Logger.(*logging.SimLogger); ok {
		l := sl.WithComponent("gateway").WithTick(req.Tick)
		if req.Agent != nil {
			l = l.WithAgent(req.Agent.ID)
		}
		l.LogGatewayCall(g.model.Info().Name, attempt, dur, err == nil, err)
		return
	}
	if err != nil {
		g.opts.Logger.Warn("gateway attempt failed", "request", req.ID, "attempt", attempt, "duration", dur, "error", err)
		return
	}
	g.opts.Logger.Debug("gateway attempt completed", "request", req.ID, "attempt", attempt, "duration", dur)
}
