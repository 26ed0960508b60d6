package llm

import (
	"encoding/json"
	"fmt"
)

// BlockType is the wire discriminator of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one unit of a message payload. The set of implementations
// is closed: TextBlock, ToolUseBlock and ToolResultBlock.
type ContentBlock interface {
	BlockType() BlockType
	isContentBlock()
}

// TextBlock carries plain text.
type TextBlock struct {
	Text string
}

// ToolUseBlock is a model request to invoke a named tool. A nil Input is
// sent as an empty object and decodes as an empty, non-nil map, so the
// two are the same block on the wire.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]string
}

// ToolResultBlock answers a ToolUseBlock with the same id.
type ToolResultBlock struct {
	ToolUseID string
	Content   string
}

func (TextBlock) BlockType() BlockType       { return BlockText }
func (ToolUseBlock) BlockType() BlockType    { return BlockToolUse }
func (ToolResultBlock) BlockType() BlockType { return BlockToolResult }

func (TextBlock) isContentBlock()       {}
func (ToolUseBlock) isContentBlock()    {}
func (ToolResultBlock) isContentBlock() {}

// Text returns a text block.
func Text(s string) TextBlock { return TextBlock{Text: s} }

// EncodeBlock converts b into its wire object. Exactly the discriminator and
// the fields of the variant are emitted.
func EncodeBlock(b ContentBlock) (map[string]any, error) {
	switch v := b.(type) {
	case TextBlock:
		return map[string]any{
			"type": string(BlockText),
			"text": v.Text,
		}, nil
	case ToolUseBlock:
		input := make(map[string]any, len(v.Input))
		for k, val := range v.Input {
			input[k] = val
		}
		return map[string]any{
			"type":  string(BlockToolUse),
			"id":    v.ID,
			"name":  v.Name,
			"input": input,
		}, nil
	case ToolResultBlock:
		return map[string]any{
			"type":        string(BlockToolResult),
			"tool_use_id": v.ToolUseID,
			"content":     v.Content,
		}, nil
	case nil:
		return nil, malformed("", "content block is nil")
	default:
		return nil, malformed("", fmt.Sprintf("unsupported content block %T", b))
	}
}

// DecodeBlock reads the discriminator of obj and extracts the variant fields.
func DecodeBlock(obj map[string]any) (ContentBlock, error) {
	if obj == nil {
		return nil, malformed("", "content block is null")
	}
	rawType, ok := obj["type"]
	if !ok {
		return nil, malformed("type", "discriminator is missing")
	}
	tag, ok := rawType.(string)
	if !ok {
		return nil, malformed("type", fmt.Sprintf("discriminator must be a string, got %T", rawType))
	}

	switch BlockType(tag) {
	case BlockText:
		text, err := stringField(obj, "text")
		if err != nil {
			return nil, err
		}
		return TextBlock{Text: text}, nil

	case BlockToolUse:
		id, err := stringField(obj, "id")
		if err != nil {
			return nil, err
		}
		name, err := stringField(obj, "name")
		if err != nil {
			return nil, err
		}
		input, err := stringMapField(obj, "input")
		if err != nil {
			return nil, err
		}
		return ToolUseBlock{ID: id, Name: name, Input: input}, nil

	case BlockToolResult:
		id, err := stringField(obj, "tool_use_id")
		if err != nil {
			return nil, err
		}
		content, err := stringField(obj, "content")
		if err != nil {
			return nil, err
		}
		return ToolResultBlock{ToolUseID: id, Content: content}, nil

	default:
		return nil, malformed("type", fmt.Sprintf("unrecognized discriminator %q", tag))
	}
}

func stringField(obj map[string]any, field string) (string, error) {
	raw, ok := obj[field]
	if !ok {
		return "", malformed(field, "required field is missing")
	}
	s, ok := raw.(string)
	if !ok {
		return "", malformed(field, fmt.Sprintf("expected string, got %T", raw))
	}
	return s, nil
}

func stringMapField(obj map[string]any, field string) (map[string]string, error) {
	raw, ok := obj[field]
	if !ok {
		return nil, malformed(field, "required field is missing")
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, malformed(field, fmt.Sprintf("expected object, got %T", raw))
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, malformed(field+"."+k, fmt.Sprintf("expected string, got %T", v))
		}
		out[k] = s
	}
	return out, nil
}

// Block wraps a ContentBlock so it can be marshalled with encoding/json.
type Block struct {
	ContentBlock
}

// MarshalJSON implements json.Marshaler.
func (b Block) MarshalJSON() ([]byte, error) {
	obj, err := EncodeBlock(b.ContentBlock)
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Block) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return malformed("", fmt.Sprintf("content block is not a JSON object: %v", err))
	}
	decoded, err := DecodeBlock(obj)
	if err != nil {
		return err
	}
	b.ContentBlock = decoded
	return nil
}

// Blocks converts content blocks into their JSON wrappers.
func Blocks(content []ContentBlock) []Block {
	out := make([]Block, len(content))
	for i, c := range content {
		out[i] = Block{c}
	}
	return out
}

// Unwrap converts JSON wrappers back into content blocks.
func Unwrap(blocks []Block) []ContentBlock {
	out := make([]ContentBlock, len(blocks))
	for i, b := range blocks {
		out[i] = b.ContentBlock
	}
	return out
}

// ToolUses returns the tool-use blocks of content in order.
func ToolUses(content []ContentBlock) []ToolUseBlock {
	var uses []ToolUseBlock
	for _, c := range content {
		if tu, ok := c.(ToolUseBlock); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// JoinText concatenates the text blocks of content.
func JoinText(content []ContentBlock) string {
	var out string
	for _, c := range content {
		if t, ok := c.(TextBlock); ok {
			if out != "" && t.Text != "" {
				out += "\n"
			}
			out += t.Text
		}
	}
	return out
}
