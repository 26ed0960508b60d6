package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/A2gent/bpchat/internal/agent"
	"github.com/A2gent/bpchat/internal/config"
	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/session"
	"github.com/A2gent/bpchat/internal/storage"
)

type replyClient struct {
	reply string
	err   error
}

func (c replyClient) Send(context.Context, *llm.Request) (*llm.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Content: []llm.ContentBlock{llm.Text(c.reply)}}, nil
}

func newTestScheduler(t *testing.T, client llm.Client) (*Scheduler, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sessions := session.NewManager(store, func(history []llm.Message) *agent.Engine {
		return agent.NewWithHistory(agent.Config{}, client, nil, history)
	})
	return NewScheduler(sessions, store), store
}

func TestRegisterValidates(t *testing.T) {
	s, _ := newTestScheduler(t, replyClient{})

	if err := s.Register(config.Checkin{Name: "morning", Schedule: "0 9 * * *", Prompt: "p"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(config.Checkin{Name: "morning", Schedule: "@daily", Prompt: "p"}); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := s.Register(config.Checkin{Name: "bad", Schedule: "every morning", Prompt: "p"}); err == nil {
		t.Error("invalid schedule accepted")
	}
	if err := s.Register(config.Checkin{Schedule: "@daily", Prompt: "p"}); err == nil {
		t.Error("empty name accepted")
	}

	entries := s.Entries()
	if len(entries) != 1 || entries[0].Name != "morning" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRunNowRecordsSuccess(t *testing.T) {
	s, store := newTestScheduler(t, replyClient{reply: "Please take your blood pressure."})
	ctx := context.Background()
	if err := s.Register(config.Checkin{Name: "morning", Schedule: "@daily", Prompt: "Remind me"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := s.RunNow(ctx, "morning")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != "success" || run.Output != "Please take your blood pressure." || run.SessionID == "" || run.FinishedAt == nil {
		t.Errorf("run = %+v", run)
	}

	runs, err := store.ListCheckinRuns(ctx, "morning", 10)
	if err != nil {
		t.Fatalf("ListCheckinRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "success" {
		t.Errorf("stored runs = %+v", runs)
	}

	sess, err := store.GetSession(ctx, run.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Title != "morning" || len(sess.Messages) != 2 {
		t.Errorf("session = %+v", sess)
	}
}

func TestRunNowRecordsFailure(t *testing.T) {
	s, store := newTestScheduler(t, replyClient{err: &llm.TransportError{StatusCode: 503, Message: "overloaded"}})
	ctx := context.Background()
	_ = s.Register(config.Checkin{Name: "evening", Schedule: "@daily", Prompt: "p"})

	run, err := s.RunNow(ctx, "evening")
	if !errors.Is(err, llm.ErrTransport) {
		t.Fatalf("err = %v", err)
	}
	if run.Status != "failed" || run.Error == "" {
		t.Errorf("run = %+v", run)
	}
	runs, _ := store.ListCheckinRuns(ctx, "evening", 0)
	if len(runs) != 1 || runs[0].Status != "failed" {
		t.Errorf("stored runs = %+v", runs)
	}
}

func TestRunNowUnknown(t *testing.T) {
	s, _ := newTestScheduler(t, replyClient{})
	if _, err := s.RunNow(context.Background(), "nope"); !errors.Is(err, ErrUnknownCheckin) {
		t.Fatalf("err = %v", err)
	}
}

type countingSessions struct {
	mu    sync.Mutex
	sends int
	fired chan struct{}
}

func (c *countingSessions) Create(ctx context.Context, title string) (*session.Session, error) {
	return &session.Session{ID: "s-" + title}, nil
}

func (c *countingSessions) Send(ctx context.Context, id, text string) (*llm.Message, error) {
	c.mu.Lock()
	c.sends++
	first := c.sends == 1
	c.mu.Unlock()
	if first {
		close(c.fired)
	}
	return &llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{llm.Text("ok")}}, nil
}

type discardRuns struct{}

func (discardRuns) SaveCheckinRun(context.Context, *storage.CheckinRun) error { return nil }

func TestStartFiresSchedule(t *testing.T) {
	sessions := &countingSessions{fired: make(chan struct{})}
	s := NewScheduler(sessions, discardRuns{})
	if err := s.Register(config.Checkin{Name: "tick", Schedule: "@every 1s", Prompt: "p"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case <-sessions.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("check-in did not fire")
	}
	if next := s.Entries()[0].Next; next.IsZero() {
		t.Error("entry has no next run time")
	}
}

func TestRunNowTruncatesOnRuneBoundary(t *testing.T) {
	// Odd byte offset so a byte cut would split the two-byte rune.
	reply := "a" + strings.Repeat("é", maxOutputLen)
	s, store := newTestScheduler(t, replyClient{reply: reply})
	_ = s.Register(config.Checkin{Name: "long", Schedule: "@daily", Prompt: "p"})

	run, err := s.RunNow(context.Background(), "long")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if !utf8.ValidString(run.Output) {
		t.Fatal("output is not valid UTF-8")
	}
	if !strings.HasSuffix(run.Output, "... (truncated)") {
		t.Errorf("output not marked truncated")
	}
	if n := utf8.RuneCountInString(strings.TrimSuffix(run.Output, "... (truncated)")); n != maxOutputLen {
		t.Errorf("kept %d runes, want %d", n, maxOutputLen)
	}

	runs, _ := store.ListCheckinRuns(context.Background(), "long", 1)
	if len(runs) != 1 || !utf8.ValidString(runs[0].Output) {
		t.Errorf("stored run output invalid")
	}
}

func TestTruncateOutput(t *testing.T) {
	short := "Please take your blood pressure."
	if got := truncateOutput(short); got != short {
		t.Errorf("short output changed: %q", got)
	}
	exact := strings.Repeat("ü", maxOutputLen)
	if got := truncateOutput(exact); got != exact {
		t.Error("output of exactly maxOutputLen runes was truncated")
	}
}
