package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/A2gent/bpchat/internal/logging"
)

// modelsTTL bounds how long a fetched model list is reused.
const modelsTTL = 15 * time.Minute

// modelCache keeps the last successful model listing.
type modelCache struct {
	mu        sync.Mutex
	models    []string
	fetchedAt time.Time
}

func (m *modelCache) load(now time.Time) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.models == nil || now.Sub(m.fetchedAt) > modelsTTL {
		return nil, false
	}
	return append([]string(nil), m.models...), true
}

func (m *modelCache) store(models []string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = append([]string(nil), models...)
	m.fetchedAt = now
}

// Model represents an Anthropic model
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

// ModelsResponse represents the response from Anthropic models API
type ModelsResponse struct {
	Data []Model `json:"data"`
}

// ListModels fetches available model ids. Successful listings are reused
// for 15 minutes. Any failure falls back to a static list so callers always
// have something to show.
func (c *Client) ListModels(ctx context.Context) []string {
	if models, ok := c.models.load(time.Now()); ok {
		return models
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return FallbackModels()
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		logging.Warn("Listing models failed, using fallback list: %v", err)
		return FallbackModels()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.Warn("Listing models returned status %d, using fallback list", resp.StatusCode)
		return FallbackModels()
	}

	var modelsResp ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return FallbackModels()
	}
	if len(modelsResp.Data) == 0 {
		return FallbackModels()
	}

	models := make([]string, 0, len(modelsResp.Data))
	for _, model := range modelsResp.Data {
		models = append(models, model.ID)
	}
	c.models.store(models, time.Now())
	return models
}

// FallbackModels returns a static list of known models
func FallbackModels() []string {
	return []string{
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
		"claude-opus-4-1",
		"claude-3-7-sonnet-latest",
		"claude-3-5-haiku-latest",
		"claude-3-opus-20240229",
	}
}

// DefaultModel is the model used when configuration names none.
func DefaultModel() string {
	return "claude-3-opus-20240229"
}
