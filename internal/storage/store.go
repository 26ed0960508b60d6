package storage

import (
	"context"
	"errors"
	"time"

	"github.com/A2gent/bpchat/internal/llm"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Session is a persisted conversation transcript.
type Session struct {
	ID        string
	Title     string
	Status    string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one committed conversation message. Content is stored as the
// codec's wire objects.
type Message struct {
	ID        string
	Role      llm.Role
	Content   []llm.ContentBlock
	Timestamp time.Time
}

// Reading is one blood pressure measurement in mmHg.
type Reading struct {
	ID        string
	Systolic  int
	Diastolic int
	Source    string
	TakenAt   time.Time
}

// CheckinRun records a single scheduled check-in execution.
type CheckinRun struct {
	ID         string
	Name       string
	SessionID  string
	Status     string // "running", "success", "failed"
	Output     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Store defines the persistence operations bpchat needs.
type Store interface {
	// Session operations
	SaveSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Reading operations
	SaveReading(ctx context.Context, r *Reading) error
	LatestReading(ctx context.Context) (*Reading, error)
	ListReadings(ctx context.Context, limit int) ([]Reading, error)

	// Check-in run operations
	SaveCheckinRun(ctx context.Context, run *CheckinRun) error
	ListCheckinRuns(ctx context.Context, name string, limit int) ([]*CheckinRun, error)

	// Close closes the store
	Close() error
}
