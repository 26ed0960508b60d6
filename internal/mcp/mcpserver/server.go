// Package mcpserver exposes the tool registry over the Model Context
// Protocol so other MCP hosts can read and record blood pressure.
//
// Every registered tool is advertised with its JSON Schema. Arguments arrive
// as arbitrary JSON and are flattened to strings before dispatch, matching
// the string-valued input the model path uses.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/logging"
)

// Implementation name reported to MCP clients.
const Name = "bpchat"

// Tools is the registry surface the server needs.
type Tools interface {
	Descriptors() []llm.ToolDescriptor
	Call(ctx context.Context, name string, input map[string]string) (string, error)
}

// New builds an MCP server advertising every descriptor in tools.
func New(tools Tools, version string) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: Name, Version: version}, nil)
	for _, desc := range tools.Descriptors() {
		server.AddTool(&mcpsdk.Tool{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
		}, handler(tools, desc.Name))
	}
	return server
}

// ServeStdio runs the server over stdin/stdout until ctx is done or the
// client disconnects.
func ServeStdio(ctx context.Context, tools Tools, version string) error {
	logging.Info("Serving %d tool(s) over MCP stdio", len(tools.Descriptors()))
	return New(tools, version).Run(ctx, &mcpsdk.StdioTransport{})
}

func handler(tools Tools, name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		input, err := Arguments(req.Params.Arguments)
		if err != nil {
			return errorResult(err), nil
		}
		out, err := tools.Call(ctx, name, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return errorResult(err), nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: out}},
		}, nil
	}
}

func errorResult(err error) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "Error: " + err.Error()}},
		IsError: true,
	}
}

// Arguments flattens a JSON object into string values. Numbers keep their
// literal form, so 120 stays "120" and 98.6 stays "98.6".
func Arguments(raw json.RawMessage) (map[string]string, error) {
	input := make(map[string]string)
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return input, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}

	for k, v := range obj {
		switch v := v.(type) {
		case string:
			input[k] = v
		case json.Number:
			input[k] = v.String()
		case bool:
			input[k] = strconv.FormatBool(v)
		case nil:
		default:
			return nil, fmt.Errorf("argument %s must be a scalar", k)
		}
	}
	return input, nil
}
