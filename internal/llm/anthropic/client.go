// Package anthropic implements llm.Client against the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultVersion   = "2023-06-01"
	DefaultMaxTokens = 1024
	messagesPath     = "/v1/messages"
	modelsPath       = "/v1/models"
	defaultTimeout   = 60 * time.Second
	userAgent        = "bpchat/anthropic"
)

// Config holds the static settings of a Client.
type Config struct {
	APIKey     string
	BaseURL    string
	Version    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
	Metrics    *observe.Metrics
}

// Client sends conversations to the Messages API
type Client struct {
	apiKey    string
	baseURL   string
	version   string
	model     string
	maxTokens int
	http      *http.Client
	metrics   *observe.Metrics
	models    modelCache
}

var _ llm.Client = (*Client)(nil)

// NewClient creates a new Anthropic client. The API key is required.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	c := &Client{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		version:   cfg.Version,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		http:      cfg.HTTPClient,
		metrics:   cfg.Metrics,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.version == "" {
		c.version = DefaultVersion
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	return c, nil
}

type messageRequest struct {
	Model     string               `json:"model"`
	Messages  []llm.Message        `json:"messages"`
	System    string               `json:"system,omitempty"`
	MaxTokens int                  `json:"max_tokens"`
	Tools     []llm.ToolDescriptor `json:"tools,omitempty"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []llm.Block    `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      llm.TokenUsage `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send posts the conversation and tool catalog and decodes the reply.
func (c *Client) Send(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	ctx, span := observe.StartSpan(ctx, "llm.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.Int("llm.messages", len(req.Messages)),
			attribute.Int("llm.tools", len(req.Tools)),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.send(ctx, messageRequest{
		Model:     model,
		Messages:  req.Messages,
		System:    req.SystemPrompt,
		MaxTokens: maxTokens,
		Tools:     req.Tools,
	})
	c.metrics.RecordModelRequest(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("llm.stop_reason", resp.StopReason),
		attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

func (c *Client) send(ctx context.Context, payload messageRequest) (*llm.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create anthropic request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.TransportError{Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, readAPIError(httpResp)
	}

	var msgResp messageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&msgResp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, llm.ErrMalformedContent) {
			return nil, err
		}
		return nil, &llm.TransportError{
			StatusCode: httpResp.StatusCode,
			Message:    "malformed response body",
			Err:        err,
		}
	}

	return &llm.Response{
		Content:    llm.Unwrap(msgResp.Content),
		StopReason: msgResp.StopReason,
		Usage:      msgResp.Usage,
	}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.version)
	req.Header.Set("User-Agent", userAgent)
}

func readAPIError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &llm.TransportError{StatusCode: resp.StatusCode, Message: resp.Status, Err: err}
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return &llm.TransportError{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &llm.TransportError{
			StatusCode: resp.StatusCode,
			Type:       apiErr.Error.Type,
			Message:    apiErr.Error.Message,
		}
	}
	return &llm.TransportError{StatusCode: resp.StatusCode, Message: string(body)}
}
