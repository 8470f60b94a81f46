package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/labelmesh/episode"
)

// CallbackType names a point in the live loop where callbacks run.
//
// Callbacks run synchronously on the loop goroutine, so they observe the
// episode between frames and never concurrently with a push.
type CallbackType string

const (
	// CallbackBeforeDecision runs before the policy is asked for a move.
	// Returning an error stops the game.
	CallbackBeforeDecision CallbackType = "before_decision"

	// CallbackAfterDecision runs after the chosen move was pushed.
	CallbackAfterDecision CallbackType = "after_decision"

	// CallbackOnFrame runs after every frame, external or chosen, was pushed.
	CallbackOnFrame CallbackType = "on_frame"

	// CallbackOnError runs when the game stops with an error.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext is handed to every callback.
type CallbackContext struct {
	// Episode is the live episode. Callbacks must not push or pop.
	Episode *episode.Episode

	// Frame is the frame just pushed. Nil for CallbackBeforeDecision.
	Frame episode.Frame

	// Policy is the name of the deciding policy.
	Policy string

	// Duration is the time the policy took, set for CallbackAfterDecision.
	Duration time.Duration

	// Err is the error that stopped the game, set for CallbackOnError.
	Err error

	CallbackType CallbackType
	Metadata     map[string]any
}

// Callback is a hook into the live loop.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback.
//
// Example:
//
//	trace := NewFunctionCallback(CallbackOnFrame, func(_ context.Context, c *CallbackContext) error {
//	    fmt.Println(c.Frame)
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a function-based callback.
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

// Execute calls the wrapped function.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager routes callbacks by type. Registration and execution are
// safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds callback; callbacks of one type run in registration
// order.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs every callback of callbackType and stops at the
// first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}
	return nil
}

// LoggingCallback forwards one line per callback to a logging function.
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a logging callback.
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

// Execute logs the callback type, episode and frame.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	id := ""
	if callbackCtx.Episode != nil {
		id = callbackCtx.Episode.ID()
	}
	c.logger(fmt.Sprintf("[%s] episode: %s, frame: %v", c.callbackType, id, callbackCtx.Frame))
	return nil
}

// ErrBudgetExceeded is returned by a BudgetCallback once the episode ran out
// of time.
var ErrBudgetExceeded = errors.New("episode time budget exceeded")

// BudgetCallback stops a game whose elapsed time passed a limit, as long as
// nothing is outstanding so every hired human can still be let go cleanly.
type BudgetCallback struct {
	limit time.Duration
}

// NewBudgetCallback creates a budget callback.
func NewBudgetCallback(limit time.Duration) *BudgetCallback {
	return &BudgetCallback{limit: limit}
}

// Type returns CallbackBeforeDecision.
func (c *BudgetCallback) Type() CallbackType {
	return CallbackBeforeDecision
}

// Execute checks the episode against the limit.
func (c *BudgetCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	ep := callbackCtx.Episode
	if ep == nil || ep.Outstanding() || ep.Elapsed() <= c.limit {
		return nil
	}
	return fmt.Errorf("%w: %s elapsed, limit %s", ErrBudgetExceeded, ep.Elapsed(), c.limit)
}
