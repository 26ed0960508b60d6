// Package tools defines capability providers and the registry the
// conversation engine dispatches tool calls through.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// CapabilityProvider owns the mechanism behind one or more named tools.
type CapabilityProvider interface {
	// Tools advertises the provider's descriptors. The set must not change
	// after registration.
	Tools() []llm.ToolDescriptor

	// Call runs the named tool. It returns *llm.ToolNotSupportedError for a
	// name it does not advertise and *llm.ToolExecutionFailedError when the
	// capability cannot produce a result.
	Call(ctx context.Context, name string, input map[string]string) (string, error)
}

// ErrDuplicateTool is returned by Register when a tool name is already taken.
var ErrDuplicateTool = errors.New("duplicate tool name")

// Registry is a lookup table from tool name to provider.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]CapabilityProvider
	descriptors map[string]llm.ToolDescriptor
	order       []string
	metrics     *observe.Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics *observe.Metrics) *Registry {
	return &Registry{
		providers:   make(map[string]CapabilityProvider),
		descriptors: make(map[string]llm.ToolDescriptor),
		metrics:     metrics,
	}
}

// Register adds every tool of p. Nothing is registered when any name
// collides with an existing tool or repeats within p.
func (r *Registry) Register(p CapabilityProvider) error {
	if p == nil {
		return errors.New("nil capability provider")
	}
	descs := p.Tools()

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			return errors.New("tool descriptor has an empty name")
		}
		if _, ok := r.providers[d.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
		}
		if _, ok := seen[d.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
		}
		seen[d.Name] = struct{}{}
	}

	for _, d := range descs {
		r.providers[d.Name] = p
		r.descriptors[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return nil
}

// MustRegister is Register for startup wiring where a collision is a bug.
func (r *Registry) MustRegister(providers ...CapabilityProvider) *Registry {
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Descriptors returns the catalog in registration order.
func (r *Registry) Descriptors() []llm.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.descriptors[name])
	}
	return defs
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (llm.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Call dispatches a single tool invocation. The provider is invoked at most
// once and never retried.
func (r *Registry) Call(ctx context.Context, name string, input map[string]string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "tool.call")
	span.SetAttributes(attribute.String("tool.name", name))
	defer span.End()

	start := time.Now()
	out, err := r.call(ctx, name, input)

	status := "ok"
	if err != nil {
		status = llm.Kind(err)
		if status == "" {
			status = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.RecordToolCall(ctx, name, time.Since(start), status)
	return out, err
}

func (r *Registry) call(ctx context.Context, name string, input map[string]string) (string, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	desc := r.descriptors[name]
	r.mu.RUnlock()
	if !ok {
		return "", &llm.ToolNotSupportedError{Name: name}
	}

	if input == nil {
		input = map[string]string{}
	}
	if err := ValidateInput(desc, input); err != nil {
		return "", err
	}

	out, err := p.Call(ctx, name, input)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, llm.ErrToolNotSupported) || errors.Is(err, llm.ErrToolExecutionFailed) {
		return "", err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	return "", &llm.ToolExecutionFailedError{Name: name, Reason: "provider error", Err: err}
}

// Dispatch runs every tool use concurrently and returns one result per use
// in the order of uses. Tool failures become error text in the result
// content. The only error returned is the context's, in which case no
// results are returned and Dispatch does not wait for tools still running.
func (r *Registry) Dispatch(ctx context.Context, uses []llm.ToolUseBlock) ([]llm.ToolResultBlock, error) {
	results := make([]llm.ToolResultBlock, len(uses))

	var g errgroup.Group
	for i, use := range uses {
		g.Go(func() error {
			out, err := r.Call(ctx, use.Name, use.Input)
			results[i] = llm.ToolResultBlock{ToolUseID: use.ID, Content: ResultContent(out, err)}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// ResultContent renders a tool outcome as tool_result content.
func ResultContent(out string, err error) string {
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}
