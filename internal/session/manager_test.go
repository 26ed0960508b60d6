package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/A2gent/bpchat/internal/agent"
	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/storage"
)

type echoClient struct {
	err error
}

func (c *echoClient) Send(_ context.Context, req *llm.Request) (*llm.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	last := req.Messages[len(req.Messages)-1]
	return &llm.Response{Content: []llm.ContentBlock{llm.Text("echo: " + llm.JoinText(last.Content))}}, nil
}

func newTestManager(t *testing.T, client llm.Client) (*Manager, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	factory := func(history []llm.Message) *agent.Engine {
		return agent.NewWithHistory(agent.Config{}, client, nil, history)
	}
	return NewManager(store, factory), store
}

func TestSendPersistsTranscript(t *testing.T) {
	m, store := newTestManager(t, &echoClient{})
	ctx := context.Background()

	sess, err := m.Create(ctx, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	final, err := m.Send(ctx, sess.ID, "What's my blood pressure?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := llm.JoinText(final.Content); got != "echo: What's my blood pressure?" {
		t.Errorf("final = %q", got)
	}

	stored, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(stored.Messages) != 2 {
		t.Fatalf("stored %d messages, want 2", len(stored.Messages))
	}
	if stored.Title != "What's my blood pressure?" {
		t.Errorf("title = %q", stored.Title)
	}
	if stored.Status != string(agent.StateIdle) {
		t.Errorf("status = %q", stored.Status)
	}

	firstIDs := []string{stored.Messages[0].ID, stored.Messages[1].ID}
	if _, err := m.Send(ctx, sess.ID, "again"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	stored, _ = store.GetSession(ctx, sess.ID)
	if len(stored.Messages) != 4 {
		t.Fatalf("stored %d messages, want 4", len(stored.Messages))
	}
	if stored.Messages[0].ID != firstIDs[0] || stored.Messages[1].ID != firstIDs[1] {
		t.Error("message ids changed between saves")
	}
}

func TestSendFailureStillSaves(t *testing.T) {
	m, store := newTestManager(t, &echoClient{err: &llm.TransportError{StatusCode: 500, Message: "boom"}})
	ctx := context.Background()

	sess, _ := m.Create(ctx, "check-in")
	_, err := m.Send(ctx, sess.ID, "hello")
	if !errors.Is(err, llm.ErrTransport) {
		t.Fatalf("err = %v", err)
	}

	stored, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.Status != string(agent.StateFailed) || len(stored.Messages) != 1 {
		t.Errorf("stored = status %s, %d messages", stored.Status, len(stored.Messages))
	}
	if stored.Title != "check-in" {
		t.Errorf("title = %q", stored.Title)
	}
}

func TestGetReloadsFromStore(t *testing.T) {
	client := &echoClient{}
	m, store := newTestManager(t, client)
	ctx := context.Background()

	sess, _ := m.Create(ctx, "")
	if _, err := m.Send(ctx, sess.ID, "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	fresh := NewManager(store, func(history []llm.Message) *agent.Engine {
		return agent.NewWithHistory(agent.Config{}, client, nil, history)
	})
	loaded, err := fresh.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	msgs := loaded.Messages()
	if len(msgs) != 2 || llm.JoinText(msgs[1].Content) != "echo: first" {
		t.Errorf("reloaded messages = %+v", msgs)
	}
}

func TestUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, &echoClient{})
	ctx := context.Background()

	if _, err := m.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v", err)
	}
	if _, err := m.Send(ctx, "nope", "hi"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Send err = %v", err)
	}
	if err := m.Delete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete err = %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	m, _ := newTestManager(t, &echoClient{})
	ctx := context.Background()

	a, _ := m.Create(ctx, "a")
	b, _ := m.Create(ctx, "b")

	list, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d sessions", len(list))
	}

	if err := m.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, _ = m.List(ctx)
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("after delete = %+v", list)
	}
}

func TestTruncateTitle(t *testing.T) {
	long := strings.Repeat("word ", 30)
	got := truncateTitle(long)
	if len([]rune(got)) != maxTitleLen || !strings.HasSuffix(got, "...") {
		t.Errorf("truncateTitle = %q", got)
	}
	if truncateTitle("  two   words ") != "two words" {
		t.Errorf("whitespace not collapsed")
	}
}

func TestRetryAfterFailure(t *testing.T) {
	client := &echoClient{err: &llm.TransportError{StatusCode: 529, Message: "overloaded"}}
	m, store := newTestManager(t, client)
	ctx := context.Background()

	sess, _ := m.Create(ctx, "")
	if _, err := m.Retry(ctx, sess.ID); !errors.Is(err, agent.ErrNothingToRetry) {
		t.Fatalf("Retry on idle session err = %v", err)
	}
	if _, err := m.Send(ctx, sess.ID, "hello"); err == nil {
		t.Fatal("expected transport failure")
	}

	client.err = nil
	final, err := m.Retry(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := llm.JoinText(final.Content); got != "echo: hello" {
		t.Errorf("final = %q", got)
	}

	stored, _ := store.GetSession(ctx, sess.ID)
	if stored.Status != string(agent.StateIdle) || len(stored.Messages) != 2 {
		t.Errorf("stored = status %s, %d messages", stored.Status, len(stored.Messages))
	}
}
