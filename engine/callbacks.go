package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentsim/agent"
	"github.com/hupe1980/agentsim/core"
)

// CallbackType defines the lifecycle points where callbacks run.
//
// Callbacks hook into the tick loop without modifying it:
//   - BeforeTick/AfterTick: around one tick
//   - OnTransition: after every agent state change
//   - OnError: when a tick, hook or command fails
//
// Callbacks run synchronously on the engine goroutine, outside the registry
// lock, so they may read snapshots through the engine accessors.
type CallbackType string

const (
	// CallbackBeforeTick runs after queued commands were applied and before
	// the tick counter advances. An error skips the tick.
	CallbackBeforeTick CallbackType = "before_tick"

	// CallbackAfterTick runs after TickCompleted was emitted.
	CallbackAfterTick CallbackType = "after_tick"

	// CallbackOnTransition runs once per state_changed event.
	CallbackOnTransition CallbackType = "on_transition"

	// CallbackOnError runs when a tick, a command or another callback fails.
	// Its own errors are only logged.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext carries what a callback may need.
type CallbackContext struct {
	// Tick is the tick the callback belongs to.
	Tick uint64

	// Event is the triggering event. It is nil for BeforeTick.
	Event *core.Event

	// AgentID is set for OnTransition and agent related errors.
	AgentID string

	// Err is set for OnError.
	Err error

	// CallbackType indicates which point triggered the execution.
	CallbackType CallbackType

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback is one lifecycle hook.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	cb := NewFunctionCallback(
//	    CallbackAfterTick,
//	    func(ctx context.Context, callbackCtx *CallbackContext) error {
//	        log.Printf("tick %d done", callbackCtx.Tick)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks per type. Callbacks run in registration
// order and the first error stops the chain. Registration is safe while the
// engine runs.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// Len returns the number of callbacks registered for a type.
func (cm *CallbackManager) Len(callbackType CallbackType) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.callbacks[callbackType])
}

// ExecuteCallbacks runs every callback registered for callbackType and
// returns the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	if callbackCtx != nil {
		callbackCtx.CallbackType = callbackType
	}
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}
	return nil
}

// LoggingCallback forwards lifecycle events to a logging function.
//
// Example:
//
//	callback := NewLoggingCallback(CallbackOnTransition, func(message string) {
//	    log.Printf("[SIM] %s", message)
//	})
//
// Every engine registers one for CallbackOnError that writes to its logger.
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute formats the callback context and hands it to the logger.
func (c *LoggingCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	msg := fmt.Sprintf("[%s] tick %d", c.callbackType, callbackCtx.Tick)
	if callbackCtx.AgentID != "" {
		msg += " agent " + callbackCtx.AgentID
	}
	if ev := callbackCtx.Event; ev != nil && ev.Kind == core.EventStateChanged {
		msg += fmt.Sprintf(": %s -> %s (energy %.2f)", ev.From, ev.To, ev.Energy)
	}
	if callbackCtx.Err != nil {
		msg += ": " + callbackCtx.Err.Error()
	}
	c.logger(msg)
	return nil
}

// TransitionValidationCallback checks every reported transition against the
// state table and an optional energy bound. A violation is returned as an
// error and therefore reaches the OnError callbacks.
type TransitionValidationCallback struct {
	maxEnergy float64
}

// NewTransitionValidationCallback creates a validator. A non-positive
// maxEnergy skips the upper energy bound.
func NewTransitionValidationCallback(maxEnergy float64) *TransitionValidationCallback {
	return &TransitionValidationCallback{maxEnergy: maxEnergy}
}

// Type returns CallbackOnTransition.
func (c *TransitionValidationCallback) Type() CallbackType {
	return CallbackOnTransition
}

// Execute validates the state_changed event in callbackCtx.
func (c *TransitionValidationCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	ev := callbackCtx.Event
	if ev == nil || ev.Kind != core.EventStateChanged {
		return nil
	}
	if !agent.Legal(ev.From, ev.To) {
		return fmt.Errorf("agent %s: %s -> %s: %w", ev.AgentID, ev.From, ev.To, core.ErrIllegalTransition)
	}
	if ev.Energy < 0 || (c.maxEnergy > 0 && ev.Energy > c.maxEnergy) {
		return fmt.Errorf("agent %s: energy %.2f outside [0, %.2f]", ev.AgentID, ev.Energy, c.maxEnergy)
	}
	return nil
}
