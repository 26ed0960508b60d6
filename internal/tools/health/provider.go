// Package health provides the blood pressure tools backed by a reading store.
package health

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/storage"
	"github.com/A2gent/bpchat/internal/tools"
	"github.com/google/uuid"
)

const (
	ToolLatest  = "blood_pressure"
	ToolRecord  = "record_blood_pressure"
	ToolHistory = "blood_pressure_history"

	MinPressure = 40
	MaxPressure = 300

	defaultHistoryLimit = 5
	maxHistoryLimit     = 50

	savedMessage = "Blood Pressure values have been saved to Health App"
	sourceTool   = "assistant"
)

// Failure reasons surfaced to the model.
const (
	ReasonUnauthorized = "health data authorization required"
	ReasonNoReadings   = "no blood pressure readings found"
)

// ReadingStore is the persistence the provider needs.
type ReadingStore interface {
	SaveReading(ctx context.Context, r *storage.Reading) error
	LatestReading(ctx context.Context) (*storage.Reading, error)
	ListReadings(ctx context.Context, limit int) ([]storage.Reading, error)
}

// Provider exposes blood pressure readings to the model.
type Provider struct {
	store      ReadingStore
	authorized atomic.Bool
	now        func() time.Time
}

var _ tools.CapabilityProvider = (*Provider)(nil)

// NewProvider creates a provider over store.
func NewProvider(store ReadingStore, authorized bool) *Provider {
	p := &Provider{store: store, now: time.Now}
	p.authorized.Store(authorized)
	return p
}

// SetAuthorized grants or revokes access to health data.
func (p *Provider) SetAuthorized(ok bool) { p.authorized.Store(ok) }

// Authorized reports whether health data may be read or written.
func (p *Provider) Authorized() bool { return p.authorized.Load() }

// Tools returns the provider's descriptors.
func (p *Provider) Tools() []llm.ToolDescriptor {
	return []llm.ToolDescriptor{
		{
			Name:        ToolLatest,
			Description: "Get the user's most recent blood pressure reading (systolic/diastolic in mmHg).",
			InputSchema: tools.ObjectSchema(nil),
		},
		{
			Name:        ToolRecord,
			Description: "Save a new blood pressure reading to the user's health records.",
			InputSchema: tools.ObjectSchema(map[string]tools.Property{
				"systolic":  {Format: "number", Description: "Systolic pressure in mmHg"},
				"diastolic": {Format: "number", Description: "Diastolic pressure in mmHg"},
			}, "systolic", "diastolic"),
		},
		{
			Name:        ToolHistory,
			Description: "List recent blood pressure readings, newest first.",
			InputSchema: tools.ObjectSchema(map[string]tools.Property{
				"limit": {Format: "integer", Description: fmt.Sprintf("Number of readings (default %d, max %d)", defaultHistoryLimit, maxHistoryLimit)},
			}),
		},
	}
}

// Call runs one of the provider's tools.
func (p *Provider) Call(ctx context.Context, name string, input map[string]string) (string, error) {
	switch name {
	case ToolLatest, ToolRecord, ToolHistory:
	default:
		return "", &llm.ToolNotSupportedError{Name: name}
	}
	if !p.Authorized() {
		return "", llm.ToolFailed(name, ReasonUnauthorized)
	}

	switch name {
	case ToolLatest:
		return p.latest(ctx)
	case ToolRecord:
		return p.record(ctx, input)
	default:
		return p.history(ctx, input)
	}
}

func (p *Provider) latest(ctx context.Context) (string, error) {
	r, err := p.store.LatestReading(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return "", llm.ToolFailed(ToolLatest, ReasonNoReadings)
	}
	if err != nil {
		return "", &llm.ToolExecutionFailedError{Name: ToolLatest, Reason: "reading store unavailable", Err: err}
	}
	return FormatReading(*r), nil
}

func (p *Provider) record(ctx context.Context, input map[string]string) (string, error) {
	systolic, diastolic, err := ParsePair(input["systolic"], input["diastolic"])
	if err != nil {
		return "", llm.ToolFailed(ToolRecord, err.Error())
	}

	r := &storage.Reading{
		ID:        uuid.NewString(),
		Systolic:  systolic,
		Diastolic: diastolic,
		Source:    sourceTool,
		TakenAt:   p.now(),
	}
	if err := p.store.SaveReading(ctx, r); err != nil {
		return "", &llm.ToolExecutionFailedError{
			Name:   ToolRecord,
			Reason: "an error occurred saving the blood pressure sample",
			Err:    err,
		}
	}
	return savedMessage, nil
}

func (p *Provider) history(ctx context.Context, input map[string]string) (string, error) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(input["limit"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return "", llm.ToolFailed(ToolHistory, fmt.Sprintf("limit must be a positive integer, got %q", raw))
		}
		limit = min(n, maxHistoryLimit)
	}

	readings, err := p.store.ListReadings(ctx, limit)
	if err != nil {
		return "", &llm.ToolExecutionFailedError{Name: ToolHistory, Reason: "reading store unavailable", Err: err}
	}
	if len(readings) == 0 {
		return "", llm.ToolFailed(ToolHistory, ReasonNoReadings)
	}

	lines := make([]string, len(readings))
	for i, r := range readings {
		lines[i] = FormatReading(r)
	}
	return strings.Join(lines, "\n"), nil
}

// FormatReading renders a reading as "120/80 mmHg (2025-07-22 09:00 UTC)".
func FormatReading(r storage.Reading) string {
	return fmt.Sprintf("%d/%d mmHg (%s)", r.Systolic, r.Diastolic, r.TakenAt.UTC().Format("2006-01-02 15:04 MST"))
}

// ParsePair validates a systolic/diastolic pair given as strings.
func ParsePair(sys, dia string) (int, int, error) {
	systolic, err := parsePressure("systolic", sys)
	if err != nil {
		return 0, 0, err
	}
	diastolic, err := parsePressure("diastolic", dia)
	if err != nil {
		return 0, 0, err
	}
	if systolic <= diastolic {
		return 0, 0, fmt.Errorf("systolic (%d) must be greater than diastolic (%d)", systolic, diastolic)
	}
	return systolic, diastolic, nil
}

func parsePressure(field, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", field)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", field, raw)
	}
	n := int(v + 0.5)
	if n < MinPressure || n > MaxPressure {
		return 0, fmt.Errorf("%s must be between %d and %d mmHg, got %d", field, MinPressure, MaxPressure, n)
	}
	return n, nil
}
