// Package scheduler runs configured check-in prompts on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/A2gent/bpchat/internal/config"
	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/logging"
	"github.com/A2gent/bpchat/internal/session"
	"github.com/A2gent/bpchat/internal/storage"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	runTimeout   = 5 * time.Minute
	maxOutputLen = 10000
)

// ErrUnknownCheckin is returned by RunNow for unregistered names.
var ErrUnknownCheckin = errors.New("unknown check-in")

// Sessions is the part of session.Manager a check-in needs.
type Sessions interface {
	Create(ctx context.Context, title string) (*session.Session, error)
	Send(ctx context.Context, id, text string) (*llm.Message, error)
}

// RunStore records check-in executions.
type RunStore interface {
	SaveCheckinRun(ctx context.Context, run *storage.CheckinRun) error
}

// Entry describes a registered check-in.
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Prompt   string    `json:"prompt"`
	Next     time.Time `json:"next,omitempty"`
}

// Scheduler manages recurring check-in execution
type Scheduler struct {
	sessions Sessions
	runs     RunStore
	cron     *cron.Cron

	mu       sync.Mutex
	checkins map[string]config.Checkin
	entryIDs map[string]cron.EntryID
	ctx      context.Context
	running  bool
}

// NewScheduler creates a new scheduler instance
func NewScheduler(sessions Sessions, runs RunStore) *Scheduler {
	return &Scheduler{
		sessions: sessions,
		runs:     runs,
		cron:     cron.New(),
		checkins: make(map[string]config.Checkin),
		entryIDs: make(map[string]cron.EntryID),
		ctx:      context.Background(),
	}
}

// Register adds a check-in. The schedule uses the standard five-field cron
// syntax or a descriptor such as "@daily".
func (s *Scheduler) Register(c config.Checkin) error {
	if c.Name == "" {
		return errors.New("check-in name is required")
	}
	schedule, err := cron.ParseStandard(c.Schedule)
	if err != nil {
		return fmt.Errorf("check-in %s: invalid schedule %q: %w", c.Name, c.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkins[c.Name]; ok {
		return fmt.Errorf("check-in %s is already registered", c.Name)
	}

	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if _, err := s.execute(ctx, c); err != nil {
			logging.Error("Check-in %s failed: %v", c.Name, err)
		}
	}))
	s.checkins[c.Name] = c
	s.entryIDs[c.Name] = id
	return nil
}

// Start begins firing registered check-ins until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx = ctx
	n := len(s.checkins)
	s.mu.Unlock()

	s.cron.Start()
	logging.Info("Scheduler started with %d check-in(s)", n)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts scheduling and waits for running check-ins to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	logging.Info("Scheduler stopped")
}

// Entries lists registered check-ins sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.checkins))
	for name, c := range s.checkins {
		e := Entry{Name: name, Schedule: c.Schedule, Prompt: c.Prompt}
		if ce := s.cron.Entry(s.entryIDs[name]); ce.Valid() {
			e.Next = ce.Next
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// RunNow executes the named check-in synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*storage.CheckinRun, error) {
	s.mu.Lock()
	c, ok := s.checkins[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCheckin, name)
	}
	return s.execute(ctx, c)
}

func (s *Scheduler) execute(ctx context.Context, c config.Checkin) (*storage.CheckinRun, error) {
	logging.Info("Executing check-in: %s", c.Name)

	run := &storage.CheckinRun{
		ID:        uuid.NewString(),
		Name:      c.Name,
		Status:    "running",
		StartedAt: time.Now(),
	}
	if err := s.runs.SaveCheckinRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	finish := func(runErr error, output string) (*storage.CheckinRun, error) {
		finishedAt := time.Now()
		run.FinishedAt = &finishedAt
		if runErr != nil {
			run.Status = "failed"
			run.Error = runErr.Error()
		} else {
			run.Status = "success"
			run.Output = truncateOutput(output)
		}
		if err := s.runs.SaveCheckinRun(context.WithoutCancel(ctx), run); err != nil {
			logging.Error("Failed to update run record for check-in %s: %v", c.Name, err)
		}
		return run, runErr
	}

	sess, err := s.sessions.Create(ctx, c.Name)
	if err != nil {
		return finish(fmt.Errorf("failed to create session: %w", err), "")
	}
	run.SessionID = sess.ID

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	final, err := s.sessions.Send(runCtx, sess.ID, c.Prompt)
	if err != nil {
		return finish(err, "")
	}
	logging.Info("Check-in %s completed", c.Name)
	return finish(nil, llm.JoinText(final.Content))
}

// truncateOutput caps output at maxOutputLen runes.
func truncateOutput(s string) string {
	if r := []rune(s); len(r) > maxOutputLen {
		return string(r[:maxOutputLen]) + "... (truncated)"
	}
	return s
}
