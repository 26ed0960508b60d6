// Package session tracks live conversations and persists their transcripts.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/A2gent/bpchat/internal/agent"
	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/logging"
	"github.com/A2gent/bpchat/internal/storage"
	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

const maxTitleLen = 60

// Store is the persistence the manager needs.
type Store interface {
	SaveSession(ctx context.Context, sess *storage.Session) error
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	ListSessions(ctx context.Context) ([]*storage.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// EngineFactory builds an engine resuming from history.
type EngineFactory func(history []llm.Message) *agent.Engine

// Session is one live conversation.
type Session struct {
	ID        string
	CreatedAt time.Time

	engine *agent.Engine

	mu        sync.Mutex
	title     string
	updatedAt time.Time
	ids       []string
	times     []time.Time
}

// Engine returns the conversation engine.
func (s *Session) Engine() *agent.Engine { return s.engine }

// Status mirrors the engine state.
func (s *Session) Status() string { return string(s.engine.State()) }

// Messages returns the committed conversation.
func (s *Session) Messages() []llm.Message { return s.engine.Messages() }

// Title returns the session title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// UpdatedAt returns when the transcript was last saved.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Transcript returns the committed messages with stable ids and the time
// each was first seen.
func (s *Session) Transcript() []storage.Message {
	msgs := s.engine.Messages()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for len(s.ids) < len(msgs) {
		s.ids = append(s.ids, uuid.NewString())
		s.times = append(s.times, now)
	}
	out := make([]storage.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = storage.Message{
			ID:        s.ids[i],
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: s.times[i],
		}
	}
	return out
}

// Manager manages sessions
type Manager struct {
	store     Store
	newEngine EngineFactory

	mu   sync.Mutex
	live map[string]*Session
}

// NewManager creates a new session manager
func NewManager(store Store, newEngine EngineFactory) *Manager {
	return &Manager{
		store:     store,
		newEngine: newEngine,
		live:      make(map[string]*Session),
	}
}

// Create starts an empty session and saves it.
func (m *Manager) Create(ctx context.Context, title string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		engine:    m.newEngine(nil),
		title:     truncateTitle(title),
		updatedAt: now,
	}
	if err := m.Save(ctx, sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.live[sess.ID] = sess
	m.mu.Unlock()

	logging.LogSession("created", sess.ID, sess.title)
	return sess, nil
}

// Get returns a live session, loading it from the store when needed.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.live[id]; ok {
		return sess, nil
	}

	stored, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess := fromStorage(stored, m.newEngine)
	m.live[id] = sess
	return sess, nil
}

// Send runs one user message through the session's engine and saves the
// transcript whatever the outcome.
func (m *Manager) Send(ctx context.Context, id, text string) (*llm.Message, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.title == "" {
		sess.title = truncateTitle(text)
	}
	sess.mu.Unlock()

	final, runErr := sess.engine.Run(ctx, text)
	return m.afterTurn(ctx, sess, final, runErr)
}

// Retry resends a failed session's conversation as it stands.
func (m *Manager) Retry(ctx context.Context, id string) (*llm.Message, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	final, runErr := sess.engine.Retry(ctx)
	if errors.Is(runErr, agent.ErrNothingToRetry) {
		return nil, runErr
	}
	return m.afterTurn(ctx, sess, final, runErr)
}

func (m *Manager) afterTurn(ctx context.Context, sess *Session, final *llm.Message, runErr error) (*llm.Message, error) {
	if errors.Is(runErr, agent.ErrTurnInProgress) {
		return nil, runErr
	}
	if err := m.Save(context.WithoutCancel(ctx), sess); err != nil {
		logging.Error("Failed to save session %s: %v", sess.ID, err)
		if runErr == nil {
			return final, err
		}
	}
	return final, runErr
}

// Save persists the session's committed messages.
func (m *Manager) Save(ctx context.Context, sess *Session) error {
	transcript := sess.Transcript()

	sess.mu.Lock()
	now := time.Now()
	stored := &storage.Session{
		ID:        sess.ID,
		Title:     sess.title,
		Status:    sess.Status(),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: now,
		Messages:  transcript,
	}
	sess.updatedAt = now
	sess.mu.Unlock()

	if err := m.store.SaveSession(ctx, stored); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// List returns stored sessions, with live status where available.
func (m *Manager) List(ctx context.Context) ([]*storage.Session, error) {
	stored, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ss := range stored {
		if live, ok := m.live[ss.ID]; ok {
			ss.Status = live.Status()
		}
	}
	return stored, nil
}

// Delete removes a session from memory and the store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()

	err := m.store.DeleteSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	logging.LogSession("deleted", id, "")
	return nil
}

func fromStorage(ss *storage.Session, newEngine EngineFactory) *Session {
	history := make([]llm.Message, len(ss.Messages))
	ids := make([]string, len(ss.Messages))
	times := make([]time.Time, len(ss.Messages))
	for i, msg := range ss.Messages {
		history[i] = llm.Message{Role: msg.Role, Content: msg.Content}
		ids[i] = msg.ID
		times[i] = msg.Timestamp
	}
	return &Session{
		ID:        ss.ID,
		CreatedAt: ss.CreatedAt,
		engine:    newEngine(history),
		title:     ss.Title,
		updatedAt: ss.UpdatedAt,
		ids:       ids,
		times:     times,
	}
}

func truncateTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxTitleLen {
		return string(r[:maxTitleLen-3]) + "..."
	}
	return s
}
