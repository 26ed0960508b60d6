package tools

import (
	"context"

	"github.com/A2gent/bpchat/internal/llm"
)

// Func adapts a single function into a CapabilityProvider.
type Func struct {
	Descriptor llm.ToolDescriptor
	Fn         func(ctx context.Context, input map[string]string) (string, error)
}

var _ CapabilityProvider = Func{}

// Tools returns the single descriptor.
func (f Func) Tools() []llm.ToolDescriptor {
	return []llm.ToolDescriptor{f.Descriptor}
}

// Call runs Fn when name matches the descriptor.
func (f Func) Call(ctx context.Context, name string, input map[string]string) (string, error) {
	if name != f.Descriptor.Name {
		return "", &llm.ToolNotSupportedError{Name: name}
	}
	return f.Fn(ctx, input)
}
