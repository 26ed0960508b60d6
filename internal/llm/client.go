package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Client defines the interface for LLM providers
type Client interface {
	Send(ctx context.Context, request *Request) (*Response, error)
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation
type Message struct {
	Role    Role
	Content []ContentBlock
}

// UserText builds a user message holding a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{Text(text)}}
}

type wireMessage struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// MarshalJSON implements json.Marshaler using the content codec.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{Role: m.Role, Content: Blocks(m.Content)})
}

// UnmarshalJSON implements json.Unmarshaler using the content codec.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Role != RoleUser && w.Role != RoleAssistant {
		return malformed("role", fmt.Sprintf("unknown role %q", w.Role))
	}
	m.Role = w.Role
	m.Content = Unwrap(w.Content)
	return nil
}

// ToolDescriptor defines a tool for the LLM
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is everything the transport needs for one model call.
type Request struct {
	Model        string
	Messages     []Message
	Tools        []ToolDescriptor
	MaxTokens    int
	SystemPrompt string
}

// Response is the model's reply, decoded with the content codec.
type Response struct {
	Content    []ContentBlock
	StopReason string
	Usage      TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
