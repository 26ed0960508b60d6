// Package agent drives a conversation with the model, dispatching tool
// requests until the model produces a final answer.
package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// State is the engine's position in the turn state machine.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingModel  State = "awaiting_model"
	StateExecutingTools State = "executing_tools"
	StateFailed         State = "failed"
)

const (
	DefaultMaxTurns  = 8
	DefaultMaxTokens = 1024
)

// ErrTurnInProgress is returned when Run is called while another run on the
// same engine has not finished.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// ErrNothingToRetry is returned by Retry when the engine is not failed.
var ErrNothingToRetry = errors.New("no failed turn to retry")

// Dispatcher resolves tool calls. *tools.Registry implements it.
type Dispatcher interface {
	Descriptors() []llm.ToolDescriptor
	Dispatch(ctx context.Context, uses []llm.ToolUseBlock) ([]llm.ToolResultBlock, error)
}

// Config holds engine configuration
type Config struct {
	Model        string
	MaxTokens    int
	MaxTurns     int
	SystemPrompt string
	Metrics      *observe.Metrics
}

// Engine owns one conversation's append-only message log.
type Engine struct {
	config Config
	client llm.Client
	tools  Dispatcher

	running atomic.Bool

	mu       sync.RWMutex
	messages []llm.Message
	state    State
	lastErr  error
	usage    llm.TokenUsage
}

// New creates an engine with an empty conversation. tools may be nil when
// no capabilities are offered.
func New(config Config, client llm.Client, tools Dispatcher) *Engine {
	return NewWithHistory(config, client, tools, nil)
}

// NewWithHistory creates an engine resuming from previously committed messages.
func NewWithHistory(config Config, client llm.Client, tools Dispatcher, history []llm.Message) *Engine {
	if config.MaxTurns <= 0 {
		config.MaxTurns = DefaultMaxTurns
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	return &Engine{
		config:   config,
		client:   client,
		tools:    tools,
		messages: cloneMessages(history),
		state:    StateIdle,
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Err returns the error that moved the engine to StateFailed, if any.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// Usage returns the token usage accumulated across all runs.
func (e *Engine) Usage() llm.TokenUsage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.usage
}

// Messages returns a copy of the committed conversation.
func (e *Engine) Messages() []llm.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneMessages(e.messages)
}

// Run appends text as a user message and drives the conversation until the
// model answers without requesting tools. On failure the engine is left in
// StateFailed with every fully committed message retained. On cancellation
// the log is left as of the last committed message and the engine returns
// to StateIdle.
func (e *Engine) Run(ctx context.Context, text string) (*llm.Message, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}
	defer e.running.Store(false)

	e.commit(llm.UserText(text))
	return e.drive(ctx)
}

// Retry resends the conversation as it stands after a failed run.
func (e *Engine) Retry(ctx context.Context) (*llm.Message, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}
	defer e.running.Store(false)

	if e.State() != StateFailed {
		return nil, ErrNothingToRetry
	}
	return e.drive(ctx)
}

func (e *Engine) drive(ctx context.Context) (_ *llm.Message, err error) {
	ctx, span := observe.StartSpan(ctx, "engine.run")
	defer span.End()
	start := time.Now()
	log := observe.Logger(ctx)

	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = llm.Kind(err)
			if outcome == "" {
				outcome = "canceled"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.config.Metrics.RecordTurn(ctx, time.Since(start), outcome)
	}()

	e.setState(StateAwaitingModel, nil)

	for turn := 1; ; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, e.cancel(err)
		}

		req := &llm.Request{
			Model:        e.config.Model,
			Messages:     e.Messages(),
			MaxTokens:    e.config.MaxTokens,
			SystemPrompt: e.config.SystemPrompt,
		}
		if e.tools != nil {
			req.Tools = e.tools.Descriptors()
		}

		resp, err := e.client.Send(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, e.cancel(ctx.Err())
			}
			log.Warn("model request failed", "turn", turn, "kind", llm.Kind(err), "error", err)
			return nil, e.fail(err)
		}
		e.addUsage(resp.Usage)

		assistant := llm.Message{Role: llm.RoleAssistant, Content: resp.Content}
		uses := llm.ToolUses(resp.Content)
		log.Debug("model responded", "turn", turn, "blocks", len(resp.Content), "tool_uses", len(uses), "stop_reason", resp.StopReason)

		if len(uses) == 0 {
			if len(assistant.Content) > 0 {
				e.commit(assistant)
			}
			e.setState(StateIdle, nil)
			span.SetAttributes(attribute.Int("engine.turns", turn))
			return &assistant, nil
		}

		if turn >= e.config.MaxTurns {
			limitErr := &llm.TurnLimitExceededError{Limit: e.config.MaxTurns}
			log.Warn("turn limit reached", "limit", e.config.MaxTurns)
			return nil, e.fail(limitErr)
		}

		e.setState(StateExecutingTools, nil)
		results, err := e.dispatch(ctx, uses)
		if err != nil {
			return nil, e.cancel(err)
		}

		toolMsg := llm.Message{Role: llm.RoleUser, Content: make([]llm.ContentBlock, len(results))}
		for i, r := range results {
			toolMsg.Content[i] = r
		}
		e.commit(assistant, toolMsg)
		e.setState(StateAwaitingModel, nil)
	}
}

func (e *Engine) dispatch(ctx context.Context, uses []llm.ToolUseBlock) ([]llm.ToolResultBlock, error) {
	if e.tools == nil {
		results := make([]llm.ToolResultBlock, len(uses))
		for i, u := range uses {
			notSupported := &llm.ToolNotSupportedError{Name: u.Name}
			results[i] = llm.ToolResultBlock{ToolUseID: u.ID, Content: "Error: " + notSupported.Error()}
		}
		return results, ctx.Err()
	}
	return e.tools.Dispatch(ctx, uses)
}

func (e *Engine) commit(msgs ...llm.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, cloneMessages(msgs)...)
}

func (e *Engine) setState(s State, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
	e.lastErr = err
}

func (e *Engine) fail(err error) error {
	e.setState(StateFailed, err)
	return err
}

func (e *Engine) cancel(err error) error {
	e.setState(StateIdle, nil)
	return err
}

func (e *Engine) addUsage(u llm.TokenUsage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usage.Add(u)
}

func cloneMessages(msgs []llm.Message) []llm.Message {
	if msgs == nil {
		return nil
	}
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: append([]llm.ContentBlock(nil), m.Content...)}
	}
	return out
}
