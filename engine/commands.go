package engine

import (
	"fmt"

	"github.com/hupe1980/agentsim/core"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdSetTopic
	cmdSendUserMessage
	cmdSpawn
	cmdRemove
	cmdWake
)

// command is a queued mutation applied between ticks.
type command struct {
	kind    commandKind
	agentID string
	text    string
	spec    core.AgentSpec
}

// Start lets Run begin advancing ticks.
func (e *Engine) Start() error { return e.enqueue(command{kind: cmdStart}) }

// Pause suspends Run. Queued commands are still applied.
func (e *Engine) Pause() error { return e.enqueue(command{kind: cmdPause}) }

// Resume continues a paused simulation.
func (e *Engine) Resume() error { return e.enqueue(command{kind: cmdResume}) }

// SetTopic changes the active topic, records it in every agent's memory and
// sends a kickoff question to the first agent in spawn order.
func (e *Engine) SetTopic(topic string) error {
	return e.enqueue(command{kind: cmdSetTopic, text: topic})
}

// SendUserMessage injects a message from the user to an agent, or to every
// agent when to is core.Broadcast. Unknown recipients are rejected at once.
func (e *Engine) SendUserMessage(to, text string) error {
	if to != core.Broadcast {
		if err := e.requireAgent(to); err != nil {
			return err
		}
	}
	return e.enqueue(command{kind: cmdSendUserMessage, agentID: to, text: text})
}

// Spawn adds an agent before the next tick and returns its id. A spec
// without energy starts at the policy maximum.
func (e *Engine) Spawn(spec core.AgentSpec) (string, error) {
	if spec.ID == "" {
		spec.ID = core.NewID()
	}
	if _, ok := e.Agent(spec.ID); ok {
		return "", fmt.Errorf("engine: spawn %s: %w", spec.ID, core.ErrDuplicateAgent)
	}
	e.cmdMu.Lock()
	for _, c := range e.commands {
		if c.kind == cmdSpawn && c.spec.ID == spec.ID {
			e.cmdMu.Unlock()
			return "", fmt.Errorf("engine: spawn %s: %w", spec.ID, core.ErrDuplicateAgent)
		}
	}
	e.cmdMu.Unlock()
	if err := e.enqueue(command{kind: cmdSpawn, spec: spec}); err != nil {
		return "", err
	}
	return spec.ID, nil
}

// Remove takes an agent out of the world before the next tick. Its pending
// messages are discarded and its in-flight request is cancelled.
func (e *Engine) Remove(id string) error {
	if err := e.requireAgent(id); err != nil {
		return err
	}
	return e.enqueue(command{kind: cmdRemove, agentID: id})
}

// Wake moves a Dormant agent back to Idle before the next tick.
func (e *Engine) Wake(id string) error {
	if err := e.requireAgent(id); err != nil {
		return err
	}
	return e.enqueue(command{kind: cmdWake, agentID: id})
}

func (e *Engine) requireAgent(id string) error {
	if _, ok := e.Agent(id); !ok {
		return fmt.Errorf("engine: %w", core.UnknownAgentError(id))
	}
	return nil
}

func (e *Engine) enqueue(c command) error {
	switch e.Status() {
	case StatusStopped, StatusHalted:
		return core.ErrStopped
	}
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	e.commands = append(e.commands, c)
	return nil
}

// applyCommandsLocked applies queued commands in submission order. Caller
// holds mu. Failures are returned for reporting once mu is released.
func (e *Engine) applyCommandsLocked() []error {
	e.cmdMu.Lock()
	cmds := e.commands
	e.commands = nil
	e.cmdMu.Unlock()

	var errs []error
	for _, c := range cmds {
		if err := e.applyLocked(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (e *Engine) applyLocked(c command) error {
	switch c.kind {
	case cmdStart:
		if e.status == StatusCreated || e.status == StatusPaused {
			e.setStatusLocked(StatusRunning)
		}
	case cmdPause:
		if e.status == StatusRunning {
			e.setStatusLocked(StatusPaused)
		}
	case cmdResume:
		if e.status == StatusPaused {
			e.setStatusLocked(StatusRunning)
		}
	case cmdSetTopic:
		e.setTopicLocked(c.text)
	case cmdSendUserMessage:
		msg := core.NewMessage(core.UserSender, c.agentID, c.text, e.tick, e.topic)
		if err := e.bus.Publish(msg); err != nil {
			return fmt.Errorf("engine: user message: %w", err)
		}
		e.queue(core.NewMessagePostedEvent(e.tick, msg))
	case cmdSpawn:
		return e.spawnLocked(c.spec)
	case cmdRemove:
		return e.removeLocked(c.agentID)
	case cmdWake:
		a, ok := e.agents[c.agentID]
		if !ok {
			return fmt.Errorf("engine: wake: %w", core.UnknownAgentError(c.agentID))
		}
		if tr, ok := e.machine.Wake(a, e.tick); ok {
			e.queue(core.NewStateChangedEvent(tr.Tick, tr.AgentID, tr.From, tr.To, tr.Energy))
		}
	}
	return nil
}

func (e *Engine) setStatusLocked(s Status) {
	e.status = s
	e.emitStatusLocked()
	e.logger.Info("simulation status changed", "status", s.String(), "tick", e.tick)
}

func (e *Engine) setTopicLocked(topic string) {
	e.topic = topic
	ev := core.NewEvent(core.EventTopicChanged, e.tick)
	ev.Topic = topic
	e.queue(ev)

	for _, id := range e.order {
		e.agents[id].Remember(core.MemoryEntry{
			Tick:    e.tick,
			Kind:    core.MemoryTopic,
			Speaker: core.SystemSender,
			Text:    topic,
			Topic:   topic,
			Salient: true,
		})
	}
	if len(e.order) == 0 {
		return
	}

	kickoff := core.NewMessage(core.SystemSender, e.order[0],
		fmt.Sprintf("Let's talk about %s. What do you think?", topic), e.tick, topic)
	if err := e.bus.Publish(kickoff); err != nil {
		e.logger.Warn("kickoff message not posted", "agent", e.order[0], "error", err)
		return
	}
	e.queue(core.NewMessagePostedEvent(e.tick, kickoff))
}

func (e *Engine) spawnLocked(spec core.AgentSpec) error {
	a := core.NewAgent(spec)
	if _, ok := e.agents[a.ID]; ok {
		return fmt.Errorf("engine: spawn %s: %w", a.ID, core.ErrDuplicateAgent)
	}
	ceiling := e.machine.Policy().MaxEnergy
	if spec.Energy <= 0 || a.Energy > ceiling {
		a.Energy = ceiling
	}
	a.LastActiveTick = e.tick

	e.agents[a.ID] = a
	e.order = append(e.order, a.ID)
	e.bus.Register(a.ID)

	ev := core.NewEvent(core.EventAgentSpawned, e.tick)
	ev.AgentID = a.ID
	ev.Energy = a.Energy
	ev.Detail = a.Name
	e.queue(ev)
	e.logger.Info("agent spawned", "agent", a.ID, "name", a.Name, "personality", a.Personality.Template, "energy", a.Energy)
	return nil
}

func (e *Engine) removeLocked(id string) error {
	a, ok := e.agents[id]
	if !ok {
		return fmt.Errorf("engine: remove: %w", core.UnknownAgentError(id))
	}
	e.cancelAgent(id)
	discarded := e.bus.Unregister(id)
	e.persistSnapshotLocked(a)
	e.conv.Forget(id)

	delete(e.agents, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}

	ev := core.NewEvent(core.EventAgentRemoved, e.tick)
	ev.AgentID = id
	ev.Dropped = discarded
	e.queue(ev)
	e.logger.Info("agent removed", "agent", id, "discarded_messages", discarded)
	return nil
}
