package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/A2gent/bpchat/internal/llm"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sess := &Session{
		ID:        "s1",
		Title:     "What's my blood pressure?",
		Status:    "idle",
		CreatedAt: now,
		UpdatedAt: now,
		Messages: []Message{
			{ID: "m1", Role: llm.RoleUser, Content: []llm.ContentBlock{llm.Text("What's my blood pressure?")}, Timestamp: now},
			{ID: "m2", Role: llm.RoleAssistant, Content: []llm.ContentBlock{
				llm.ToolUseBlock{ID: "1", Name: "blood_pressure", Input: map[string]string{}},
			}, Timestamp: now},
			{ID: "m3", Role: llm.RoleUser, Content: []llm.ContentBlock{
				llm.ToolResultBlock{ToolUseID: "1", Content: "120/80"},
			}, Timestamp: now},
			{ID: "m4", Role: llm.RoleAssistant, Content: []llm.ContentBlock{llm.Text("Your blood pressure is 120/80.")}, Timestamp: now},
		},
	}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != sess.Title || got.Status != "idle" {
		t.Errorf("session = %+v", got)
	}
	if len(got.Messages) != len(sess.Messages) {
		t.Fatalf("got %d messages, want %d", len(got.Messages), len(sess.Messages))
	}
	for i := range sess.Messages {
		if got.Messages[i].ID != sess.Messages[i].ID || got.Messages[i].Role != sess.Messages[i].Role {
			t.Errorf("message %d = %+v", i, got.Messages[i])
		}
		if !reflect.DeepEqual(got.Messages[i].Content, sess.Messages[i].Content) {
			t.Errorf("message %d content = %#v, want %#v", i, got.Messages[i].Content, sess.Messages[i].Content)
		}
	}

	// Saving again replaces the transcript rather than appending.
	sess.Messages = sess.Messages[:1]
	sess.Status = "failed"
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession (update): %v", err)
	}
	got, err = s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Messages) != 1 || got.Status != "failed" {
		t.Errorf("after update: status=%s messages=%d", got.Status, len(got.Messages))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 7, 22, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new"} {
		at := base.Add(time.Duration(i) * time.Hour)
		if err := s.SaveSession(ctx, &Session{ID: id, Status: "idle", CreatedAt: at, UpdatedAt: at}); err != nil {
			t.Fatalf("SaveSession(%s): %v", id, err)
		}
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("list order = %v", list)
	}

	if err := s.DeleteSession(ctx, "old"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := s.DeleteSession(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
	list, _ = s.ListSessions(ctx)
	if len(list) != 1 {
		t.Errorf("got %d sessions after delete, want 1", len(list))
	}
}

func TestReadings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestReading(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestReading on empty store: %v", err)
	}

	base := time.Date(2025, 7, 22, 8, 0, 0, 0, time.UTC)
	readings := []Reading{
		{ID: "r1", Systolic: 130, Diastolic: 85, TakenAt: base},
		{ID: "r2", Systolic: 120, Diastolic: 80, Source: "manual", TakenAt: base.Add(2 * time.Hour)},
		{ID: "r3", Systolic: 125, Diastolic: 82, TakenAt: base.Add(time.Hour)},
	}
	for i := range readings {
		if err := s.SaveReading(ctx, &readings[i]); err != nil {
			t.Fatalf("SaveReading: %v", err)
		}
	}

	latest, err := s.LatestReading(ctx)
	if err != nil {
		t.Fatalf("LatestReading: %v", err)
	}
	if latest.ID != "r2" || latest.Systolic != 120 || latest.Diastolic != 80 || latest.Source != "manual" {
		t.Errorf("latest = %+v", latest)
	}
	if !latest.TakenAt.Equal(readings[1].TakenAt) {
		t.Errorf("taken_at = %v, want %v", latest.TakenAt, readings[1].TakenAt)
	}

	list, err := s.ListReadings(ctx, 2)
	if err != nil {
		t.Fatalf("ListReadings: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r2" || list[1].ID != "r3" {
		t.Errorf("list = %+v", list)
	}

	all, _ := s.ListReadings(ctx, 0)
	if len(all) != 3 {
		t.Errorf("got %d readings, want 3", len(all))
	}
}

func TestCheckinRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 7, 22, 9, 0, 0, 0, time.UTC)

	run := &CheckinRun{ID: "c1", Name: "morning", Status: "running", StartedAt: start}
	if err := s.SaveCheckinRun(ctx, run); err != nil {
		t.Fatalf("SaveCheckinRun: %v", err)
	}
	finished := start.Add(time.Minute)
	run.Status = "success"
	run.SessionID = "s1"
	run.Output = "All good."
	run.FinishedAt = &finished
	if err := s.SaveCheckinRun(ctx, run); err != nil {
		t.Fatalf("SaveCheckinRun (update): %v", err)
	}
	if err := s.SaveCheckinRun(ctx, &CheckinRun{ID: "c2", Name: "evening", Status: "failed", Error: "boom", StartedAt: start.Add(time.Hour)}); err != nil {
		t.Fatalf("SaveCheckinRun: %v", err)
	}

	runs, err := s.ListCheckinRuns(ctx, "morning", 10)
	if err != nil {
		t.Fatalf("ListCheckinRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.Status != "success" || got.SessionID != "s1" || got.Output != "All good." || got.FinishedAt == nil {
		t.Errorf("run = %+v", got)
	}

	all, _ := s.ListCheckinRuns(ctx, "", 0)
	if len(all) != 2 || all[0].ID != "c2" {
		t.Errorf("all runs = %+v", all)
	}
}
