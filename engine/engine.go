package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentsim/agent"
	"github.com/hupe1980/agentsim/bus"
	"github.com/hupe1980/agentsim/conversation"
	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/gateway"
	"github.com/hupe1980/agentsim/logging"
	"github.com/hupe1980/agentsim/memory"
)

// Config holds tunable engine parameters.
type Config struct {
	// TickInterval is the wall-clock period between ticks in Run.
	TickInterval time.Duration
	// EventBufferSize bounds the Events channel. Events that do not fit are
	// dropped for that channel; sinks still receive them.
	EventBufferSize int
	// MailboxSize bounds every agent's bus mailbox.
	MailboxSize int
	// OverflowPolicy resolves full mailboxes.
	OverflowPolicy bus.OverflowPolicy
	// HistoryLimit bounds the bus history of published messages.
	HistoryLimit int
	// InboxLimit bounds the delivered, not yet consumed messages per agent.
	// The oldest are discarded first.
	InboxLimit int
	// TranscriptLimit bounds the stored messages per conversation pair.
	TranscriptLimit int
	// RecallLimit bounds the stored summaries on the active topic passed to
	// the gateway with each request. Zero disables recall.
	RecallLimit int
}

// DefaultConfig provides the default engine configuration.
var DefaultConfig = Config{
	TickInterval:    100 * time.Millisecond,
	EventBufferSize: 256,
	MailboxSize:     32,
	OverflowPolicy:  bus.DropOldest,
	HistoryLimit:    256,
	InboxLimit:      16,
	TranscriptLimit: 50,
	RecallLimit:     3,
}

// Sink consumes emitted events. Sinks are called on the engine goroutine in
// emission order and must not block.
type Sink interface {
	Emit(ev core.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev core.Event) error

// Emit calls f.
func (f SinkFunc) Emit(ev core.Event) error { return f(ev) }

// Options configures an Engine. Nil components are replaced by defaults.
type Options struct {
	Config Config
	// Topic is the initial topic. No kickoff message is sent for it.
	Topic string
	// Agents are spawned in order before the first tick.
	Agents       []core.AgentSpec
	Machine      *agent.Machine
	Synthesizer  *memory.Synthesizer
	MemoryStore  core.MemoryStore
	Conversation *conversation.InMemoryStore
	Sinks        []Sink
	Logger       logging.Logger
}

// Status is the lifecycle state of the simulation.
type Status int

const (
	// StatusCreated means Run waits for Start.
	StatusCreated Status = iota
	// StatusRunning means Run advances a tick every TickInterval.
	StatusRunning
	// StatusPaused means Run applies commands but does not advance.
	StatusPaused
	// StatusStopped is terminal.
	StatusStopped
	// StatusHalted is terminal and caused by registry corruption.
	StatusHalted
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	default:
		return "halted"
	}
}

type inflightRequest struct {
	agentID string
	cancel  context.CancelFunc
}

// Engine is the world orchestrator. It owns the agent registry, the bus and
// the tick counter. Only the tick loop mutates the registry; the command
// methods and accessors are safe for concurrent use.
type Engine struct {
	cfg         Config
	gateway     *gateway.Gateway
	machine     *agent.Machine
	synth       *memory.Synthesizer
	store       core.MemoryStore
	conv        *conversation.InMemoryStore
	bus         *bus.Bus
	callbacks   *CallbackManager
	logger      logging.Logger
	sinks       []Sink
	sinkMu      sync.RWMutex
	dropped     int
	events      chan core.Event
	completions chan gateway.Result

	// stepMu serializes ticks, Stop and event emission.
	stepMu sync.Mutex

	// mu guards the registry and world state below.
	mu     sync.RWMutex
	agents map[string]*core.Agent
	order  []string
	tick   uint64
	topic  string
	status Status
	err    error
	outbox []core.Event

	lastTickCompleted core.Event

	cmdMu    sync.Mutex
	commands []command

	inflightMu sync.Mutex
	inflight   map[string]inflightRequest // request id -> owner

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates an engine that asks gw for utterances.
//
// Example:
//
//	gw, _ := gateway.New(model.NewMockModel("mock", "test"))
//	eng, err := engine.New(gw, func(o *engine.Options) {
//	    o.Topic = "ethics"
//	    o.Agents = []core.AgentSpec{{ID: "alice", Personality: "friendly", Energy: 10}}
//	})
func New(gw *gateway.Gateway, optFns ...func(o *Options)) (*Engine, error) {
	if gw == nil {
		return nil, errors.New("engine: gateway is required")
	}
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := opts.Config
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig.TickInterval
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultConfig.EventBufferSize
	}
	if cfg.InboxLimit <= 0 {
		cfg.InboxLimit = DefaultConfig.InboxLimit
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Machine == nil {
		opts.Machine = agent.NewMachine(func(o *agent.Options) {
			o.Logger = componentLogger(opts.Logger, "agent")
		})
	}
	if opts.Synthesizer == nil {
		opts.Synthesizer = memory.NewSynthesizer()
	}
	if opts.MemoryStore == nil {
		opts.MemoryStore = memory.NewInMemoryStore()
	}
	if opts.Conversation == nil {
		opts.Conversation = conversation.NewInMemoryStore(cfg.TranscriptLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		gateway:     gw,
		machine:     opts.Machine,
		synth:       opts.Synthesizer,
		store:       opts.MemoryStore,
		conv:        opts.Conversation,
		callbacks:   NewCallbackManager(),
		logger:      componentLogger(opts.Logger, "engine"),
		sinks:       append([]Sink(nil), opts.Sinks...),
		events:      make(chan core.Event, cfg.EventBufferSize),
		completions: make(chan gateway.Result, 64),
		agents:      make(map[string]*core.Agent),
		topic:       opts.Topic,
		inflight:    make(map[string]inflightRequest),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	e.bus = bus.New(func(o *bus.Options) {
		o.MailboxSize = cfg.MailboxSize
		o.Policy = cfg.OverflowPolicy
		o.HistoryLimit = cfg.HistoryLimit
		o.OnOverflow = e.onOverflow
		o.Logger = componentLogger(opts.Logger, "bus")
	})
	e.callbacks.RegisterCallback(NewLoggingCallback(CallbackOnError, func(msg string) {
		e.logger.Warn(msg)
	}))

	for _, spec := range opts.Agents {
		if err := e.spawnLocked(spec); err != nil {
			cancel()
			return nil, err
		}
	}
	// Initial spawns are part of the world, not news.
	e.outbox = nil
	return e, nil
}

func componentLogger(l logging.Logger, component string) logging.Logger {
	if sl, ok := l.(*logging.SimLogger); ok {
		return sl.WithComponent(component)
	}
	return l
}

// Events returns the event stream. It is closed once the simulation stopped
// or halted. Slow readers lose events rather than stall the loop.
func (e *Engine) Events() <-chan core.Event { return e.events }

// Done is closed once the simulation stopped or halted.
func (e *Engine) Done() <-chan struct{} { return e.done }

// AddSink registers an additional event consumer.
func (e *Engine) AddSink(s Sink) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sinks = append(e.sinks, s)
}

// RegisterCallback adds a lifecycle hook.
func (e *Engine) RegisterCallback(cb Callback) { e.callbacks.RegisterCallback(cb) }

// BeforeTick registers fn as a before_tick hook.
func (e *Engine) BeforeTick(fn func(ctx context.Context, cc *CallbackContext) error) {
	e.RegisterCallback(NewFunctionCallback(CallbackBeforeTick, fn))
}

// AfterTick registers fn as an after_tick hook.
func (e *Engine) AfterTick(fn func(ctx context.Context, cc *CallbackContext) error) {
	e.RegisterCallback(NewFunctionCallback(CallbackAfterTick, fn))
}

// OnTransition registers fn as an on_transition hook.
func (e *Engine) OnTransition(fn func(ctx context.Context, cc *CallbackContext) error) {
	e.RegisterCallback(NewFunctionCallback(CallbackOnTransition, fn))
}

// OnError registers fn as an on_error hook.
func (e *Engine) OnError(fn func(ctx context.Context, cc *CallbackContext) error) {
	e.RegisterCallback(NewFunctionCallback(CallbackOnError, fn))
}

// Run drives a tick every TickInterval while the simulation is running. It
// waits for Start, keeps applying commands while paused, and returns when
// Stop is called, the registry is found corrupted or ctx ends. Ending ctx
// stops the simulation.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return ctx.Err()
		case <-e.done:
			return e.Err()
		case <-ticker.C:
			err := e.cycle(ctx, false)
			switch {
			case err == nil:
			case errors.Is(err, core.ErrStopped):
				return e.Err()
			case errors.Is(err, core.ErrRegistryCorruption):
				return err
			default:
				e.logger.Warn("tick skipped", "error", err)
			}
		}
	}
}

// Step applies queued commands and runs exactly one tick, whatever the
// status, so tests and manual drivers can single-step a paused world.
func (e *Engine) Step(ctx context.Context) error {
	return e.cycle(ctx, true)
}

// Err reports the cause of a halt, or nil.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Stop cancels every in-flight request and ends the simulation. Results of
// cancelled requests are never applied. Stop is idempotent. It must not be
// called from a callback.
func (e *Engine) Stop() {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	e.mu.Lock()
	if e.status == StatusStopped || e.status == StatusHalted {
		e.mu.Unlock()
		return
	}
	e.status = StatusStopped
	e.persistSnapshotsLocked()
	e.emitStatusLocked()
	e.mu.Unlock()

	e.shutdown()
	e.logger.Info("simulation stopped", "tick", e.Tick())
}

// shutdown cancels outstanding work and closes the outward channels.
// Caller must hold stepMu and must have set a terminal status.
func (e *Engine) shutdown() {
	e.cancelAll()
	e.cancel()
	e.flush(context.Background())
	close(e.done)
	close(e.events)
}

// Wait blocks until every request forwarder exited. Call it after Stop.
func (e *Engine) Wait() { e.wg.Wait() }

// Tick returns the last started tick.
func (e *Engine) Tick() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tick
}

// Topic returns the active topic.
func (e *Engine) Topic() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.topic
}

// Status returns the lifecycle status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Agents returns snapshots of every agent in spawn order.
func (e *Engine) Agents() []*core.Agent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*core.Agent, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.agents[id].Clone())
	}
	return out
}

// Agent returns a snapshot of one agent.
func (e *Engine) Agent(id string) (*core.Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// History returns the recently published messages, oldest first.
func (e *Engine) History() []core.Message { return e.bus.History() }

// Transcript returns the stored exchange between two agents.
func (e *Engine) Transcript(a, b string) []core.Message { return e.conv.Between(a, b) }

// InFlight returns the number of outstanding gateway requests.
func (e *Engine) InFlight() int {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return len(e.inflight)
}

// DroppedEvents returns how many events did not fit the Events channel.
func (e *Engine) DroppedEvents() int {
	e.sinkMu.RLock()
	defer e.sinkMu.RUnlock()
	return e.dropped
}

// cycle is one pass of the loop: commands first, then a tick when running
// (or when forced by Step).
func (e *Engine) cycle(ctx context.Context, force bool) error {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	e.mu.Lock()
	switch e.status {
	case StatusStopped:
		e.mu.Unlock()
		return core.ErrStopped
	case StatusHalted:
		err := e.err
		e.mu.Unlock()
		return err
	}
	errs := e.applyCommandsLocked()
	run := force || e.status == StatusRunning
	next := e.tick + 1
	e.mu.Unlock()
	e.flush(ctx)
	for _, err := range errs {
		e.reportError(ctx, e.Tick(), "", err)
	}

	if !run {
		return nil
	}

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeTick, &CallbackContext{Tick: next}); err != nil {
		e.reportError(ctx, next, "", fmt.Errorf("before_tick: %w", err))
		return err
	}

	start := time.Now()
	e.mu.Lock()
	err := e.tickLocked()
	e.mu.Unlock()
	if err != nil {
		e.halt(ctx, err)
		return err
	}
	e.flush(ctx)

	e.logTick(next, time.Since(start))
	completed := e.lastTickCompleted
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterTick, &CallbackContext{Tick: next, Event: &completed}); err != nil {
		e.reportError(ctx, next, "", fmt.Errorf("after_tick: %w", err))
	}
	return nil
}

func (e *Engine) logTick(tick uint64, dur time.Duration) {
	e.mu.RLock()
	agents := len(e.order)
	e.mu.RUnlock()
	if sl, ok := e.logger.(*logging.SimLogger); ok {
		sl.WithTick(tick).LogTick(tick, agents, e.InFlight(), dur)
		return
	}
	e.logger.Debug("tick completed", "tick", tick, "agents", agents, "in_flight", e.InFlight(), "duration", dur)
}

// tickLocked runs phases two to eight. Caller holds mu.
func (e *Engine) tickLocked() error {
	e.tick++
	tick := e.tick
	e.queue(core.NewEvent(core.EventTickStarted, tick))

	outcomes := e.collectLocked()

	for _, id := range e.order {
		e.evaluateLocked(e.agents[id], outcomes[id])
	}

	e.deliverLocked()
	e.consolidateLocked()

	if err := e.checkInvariantsLocked(); err != nil {
		return err
	}

	done := core.NewEvent(core.EventTickCompleted, tick)
	done.Topic = e.topic
	e.lastTickCompleted = done
	e.queue(done)
	return nil
}

// collectLocked drains finished gateway requests without blocking. Results
// whose request id no longer matches the agent's pending request are stale
// and discarded.
func (e *Engine) collectLocked() map[string]*agent.Outcome {
	outcomes := make(map[string]*agent.Outcome)
	for {
		select {
		case res := <-e.completions:
			e.forget(res.RequestID)
			a, ok := e.agents[res.AgentID]
			if !ok || a.PendingRequest != res.RequestID || res.Kind == gateway.Cancelled {
				e.logger.Debug("discarding stale gateway result", "agent", res.AgentID, "request", res.RequestID, "kind", res.Kind.String())
				continue
			}
			outcomes[a.ID] = e.outcomeOf(res)
		default:
			return outcomes
		}
	}
}

func (e *Engine) outcomeOf(res gateway.Result) *agent.Outcome {
	o := &agent.Outcome{RequestID: res.RequestID, Attempts: res.Attempts, Err: res.Err}
	if res.Kind == gateway.Validated && res.Response != nil {
		o.Validated = true
		o.Utterance = res.Response.Utterance
		o.Recipient = e.resolveLocked(res.Response.Recipient)
		o.Opinion = res.Response.Opinion
		o.Salient = res.Response.Salient
	}
	return o
}

// resolveLocked maps a recipient given by id or display name to an id.
// Unknown names are returned unchanged and later fall back to broadcast.
func (e *Engine) resolveLocked(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if _, ok := e.agents[name]; ok {
		return name
	}
	for _, id := range e.order {
		if strings.EqualFold(e.agents[id].Name, name) || strings.EqualFold(id, name) {
			return id
		}
	}
	return name
}

func (e *Engine) knownLocked(id string) bool {
	_, ok := e.agents[id]
	return ok
}

// evaluateLocked runs one agent's state machine and carries out its effects.
func (e *Engine) evaluateLocked(a *core.Agent, outcome *agent.Outcome) {
	tick := e.tick
	pending := a.PendingRequest

	out := e.machine.Evaluate(a, agent.Input{
		Tick:    tick,
		Topic:   e.topic,
		Outcome: outcome,
		Known:   e.knownLocked,
	})
	e.queueTransitions(out.Transitions)

	if out.Failed && outcome != nil {
		e.logger.Warn("agent abstained after gateway failure", "agent", a.ID, "attempts", outcome.Attempts, "error", outcome.Err)
		e.queue(core.NewGatewayFailureEvent(tick, a.ID, outcome.Attempts, outcome.Err))
	}

	if out.Utterance != nil {
		e.postLocked(a, *out.Utterance)
	}

	if out.RequestGateway {
		e.dispatchLocked(a, out.Consumed)
	}

	// The agent left Thinking without consuming its result.
	if pending != "" && outcome == nil && a.PendingRequest != pending {
		e.withdraw(pending)
	}
}

func (e *Engine) postLocked(a *core.Agent, msg core.Message) {
	if err := e.bus.Publish(msg); err != nil {
		// Stays Speaking; the next evaluation abandons the utterance.
		e.logger.Warn("utterance not posted", "agent", a.ID, "recipient", msg.Recipient, "error", err)
		return
	}
	e.queue(core.NewMessagePostedEvent(e.tick, msg))
	e.queueTransitions(e.machine.Posted(a, e.tick))
}

// dispatchLocked issues a gateway request for a freshly Thinking agent.
func (e *Engine) dispatchLocked(a *core.Agent, consumed []core.Message) {
	if e.gateway.InFlight(a.ID) {
		// The previous request has not released the agent yet.
		a.Inbox = append(consumed, a.Inbox...)
		if tr, ok := e.machine.Interrupt(a, e.tick, "previous request still in flight"); ok {
			e.queueTransitions([]agent.Transition{tr})
		}
		return
	}

	req := gateway.Request{
		ID:       core.NewID(),
		Agent:    a.Clone(),
		Topic:    e.topic,
		Tick:     e.tick,
		Inbox:    consumed,
		Partners: e.conv.Partners(a.ID),
		Known:    e.namesLocked(a.ID),
		Recall:   e.recallLocked(a),
	}
	a.PendingRequest = req.ID

	reqCtx, cancel := context.WithCancel(e.ctx)
	e.inflightMu.Lock()
	e.inflight[req.ID] = inflightRequest{agentID: a.ID, cancel: cancel}
	e.inflightMu.Unlock()

	ch := e.gateway.Request(reqCtx, req)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case res, ok := <-ch:
			if !ok {
				return
			}
			select {
			case e.completions <- res:
			case <-e.done:
			}
		case <-e.done:
		}
	}()
}

// recallLocked returns the newest stored summaries matching the active topic
// that have already left a's memory log, oldest first.
func (e *Engine) recallLocked(a *core.Agent) []string {
	if e.cfg.RecallLimit <= 0 {
		return nil
	}
	results, err := e.store.Search(a.ID, e.topic, 0)
	if err != nil {
		e.logger.Warn("memory recall failed", "agent", a.ID, "error", err)
		return nil
	}
	live := make(map[string]bool)
	for _, m := range a.Memory {
		if m.Kind == core.MemorySummary {
			live[m.Text] = true
		}
	}
	var out []string
	for i := len(results) - 1; i >= 0 && len(out) < e.cfg.RecallLimit; i-- {
		if c := results[i].Content; !live[c] {
			out = append(out, c)
		}
	}
	slices.Reverse(out)
	return out
}

// namesLocked lists the agents self may address, in spawn order.
func (e *Engine) namesLocked(self string) []gateway.Participant {
	out := make([]gateway.Participant, 0, len(e.order))
	for _, id := range e.order {
		if id == self {
			continue
		}
		out = append(out, gateway.Participant{ID: id, Name: e.agents[id].Name})
	}
	return out
}

// forget drops the bookkeeping of a finished request.
func (e *Engine) forget(requestID string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if r, ok := e.inflight[requestID]; ok {
		r.cancel()
		delete(e.inflight, requestID)
	}
}

// withdraw cancels a request whose result is no longer wanted.
func (e *Engine) withdraw(requestID string) {
	e.logger.Debug("withdrawing gateway request", "request", requestID)
	e.forget(requestID)
}

// cancelAgent cancels whatever request agentID has outstanding.
func (e *Engine) cancelAgent(agentID string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for id, r := range e.inflight {
		if r.agentID == agentID {
			r.cancel()
			delete(e.inflight, id)
		}
	}
}

func (e *Engine) cancelAll() {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for id, r := range e.inflight {
		r.cancel()
		delete(e.inflight, id)
	}
}

// deliverLocked moves pending bus messages into inboxes and memory logs.
func (e *Engine) deliverLocked() {
	for _, id := range e.order {
		a := e.agents[id]
		for _, msg := range e.bus.DrainFor(id) {
			a.Inbox = append(a.Inbox, msg)
			a.Remember(core.HeardEntry(id, msg))
			e.conv.Record(id, msg)
		}
		if over := len(a.Inbox) - e.cfg.InboxLimit; over > 0 {
			a.Inbox = append([]core.Message(nil), a.Inbox[over:]...)
		}
	}
}

// consolidateLocked shrinks oversized memory logs and persists the summaries.
func (e *Engine) consolidateLocked() {
	for _, id := range e.order {
		a := e.agents[id]
		summary, ok := e.synth.ConsolidateAgent(a)
		if !ok {
			continue
		}
		if err := e.store.Store(a.ID, summary.Text, map[string]any{
			"tick": e.tick,
			"kind": string(summary.Kind),
		}); err != nil {
			e.logger.Warn("failed to store memory summary", "agent", a.ID, "error", err)
		}
		e.persistSnapshotLocked(a)
		ev := core.NewEvent(core.EventMemoryConsolidated, e.tick)
		ev.AgentID = a.ID
		ev.Detail = summary.Text
		e.queue(ev)
	}
}

func (e *Engine) persistSnapshotLocked(a *core.Agent) {
	if err := e.store.Put(a.ID, map[string]any{
		"name":        a.Name,
		"state":       a.State.String(),
		"energy":      a.Energy,
		"tick":        e.tick,
		"memory_size": len(a.Memory),
	}); err != nil {
		e.logger.Warn("failed to persist agent snapshot", "agent", a.ID, "error", err)
	}
}

func (e *Engine) persistSnapshotsLocked() {
	for _, id := range e.order {
		e.persistSnapshotLocked(e.agents[id])
	}
}

// checkInvariantsLocked verifies the registry, the bus and the agents agree.
func (e *Engine) checkInvariantsLocked() error {
	corrupt := func(format string, args ...any) error {
		return &core.RegistryCorruptionError{Tick: e.tick, Detail: fmt.Sprintf(format, args...)}
	}
	if len(e.order) != len(e.agents) {
		return corrupt("%d agents in spawn order, %d registered", len(e.order), len(e.agents))
	}
	maxEnergy := e.machine.Policy().MaxEnergy
	for _, id := range e.order {
		a, ok := e.agents[id]
		if !ok {
			return corrupt("agent %s in spawn order but not registered", id)
		}
		if !e.bus.Registered(id) {
			return corrupt("agent %s has no mailbox", id)
		}
		if a.Energy < 0 || a.Energy > maxEnergy {
			return corrupt("agent %s energy %.2f outside [0, %.2f]", id, a.Energy, maxEnergy)
		}
		if (a.State == core.StateThinking) != (a.PendingRequest != "") {
			return corrupt("agent %s is %s with pending request %q", id, a.State, a.PendingRequest)
		}
	}
	if n := len(e.bus.Recipients()); n != len(e.agents) {
		return corrupt("%d mailboxes for %d agents", n, len(e.agents))
	}
	return nil
}

// halt stops the loop after registry corruption.
func (e *Engine) halt(ctx context.Context, err error) {
	e.mu.Lock()
	e.status = StatusHalted
	e.err = err
	ev := core.NewEvent(core.EventSimulationHalted, e.tick)
	ev.Error = err.Error()
	e.queue(ev)
	e.mu.Unlock()

	if sl, ok := e.logger.(*logging.SimLogger); ok {
		sl.ErrorWithStack(err, "simulation halted")
	} else {
		e.logger.Error("simulation halted", "error", err)
	}
	e.reportError(ctx, e.Tick(), "", err)
	e.shutdown()
}

func (e *Engine) reportError(ctx context.Context, tick uint64, agentID string, err error) {
	if herr := e.callbacks.ExecuteCallbacks(ctx, CallbackOnError, &CallbackContext{Tick: tick, AgentID: agentID, Err: err}); herr != nil {
		e.logger.Error("on_error callback failed", "error", herr)
	}
}

func (e *Engine) onOverflow(of bus.Overflow) {
	// Publishing happens on the engine goroutine while mu is held.
	ev := core.NewEvent(core.EventMailboxOverflow, e.tick)
	ev.AgentID = of.Recipient
	ev.Dropped = 1
	dropped := of.Dropped
	ev.Message = &dropped
	ev.Detail = of.Policy.String()
	e.queue(ev)
}

// queue buffers an event until the next flush. Caller holds mu.
func (e *Engine) queue(ev core.Event) {
	e.outbox = append(e.outbox, ev)
}

func (e *Engine) queueTransitions(trs []agent.Transition) {
	for _, tr := range trs {
		e.queue(core.NewStateChangedEvent(tr.Tick, tr.AgentID, tr.From, tr.To, tr.Energy))
	}
}

func (e *Engine) emitStatusLocked() {
	ev := core.NewEvent(core.EventSimulationStatus, e.tick)
	ev.Detail = e.status.String()
	ev.Topic = e.topic
	e.queue(ev)
}

// flush hands buffered events to the channel, the sinks and the transition
// hooks. Caller holds stepMu and not mu.
func (e *Engine) flush(ctx context.Context) {
	e.mu.Lock()
	events := e.outbox
	e.outbox = nil
	e.mu.Unlock()

	for i := range events {
		ev := events[i]
		e.publish(ev)
		if ev.Kind == core.EventStateChanged {
			if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnTransition, &CallbackContext{
				Tick:    ev.Tick,
				AgentID: ev.AgentID,
				Event:   &ev,
			}); err != nil {
				e.reportError(ctx, ev.Tick, ev.AgentID, fmt.Errorf("on_transition: %w", err))
			}
		}
	}
}

func (e *Engine) publish(ev core.Event) {
	e.sinkMu.Lock()
	select {
	case e.events <- ev:
	default:
		e.dropped++
	}
	sinks := append([]Sink(nil), e.sinks...)
	e.sinkMu.Unlock()

	for _, s := range sinks {
		if err := s.Emit(ev); err != nil {
			e.logger.Warn("event sink failed", "kind", string(ev.Kind), "error", err)
		}
	}
}
