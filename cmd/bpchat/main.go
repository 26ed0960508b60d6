package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/A2gent/bpchat/internal/agent"
	"github.com/A2gent/bpchat/internal/config"
	bphttp "github.com/A2gent/bpchat/internal/http"
	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/llm/anthropic"
	"github.com/A2gent/bpchat/internal/logging"
	"github.com/A2gent/bpchat/internal/mcp/mcpserver"
	"github.com/A2gent/bpchat/internal/observe"
	"github.com/A2gent/bpchat/internal/scheduler"
	"github.com/A2gent/bpchat/internal/session"
	"github.com/A2gent/bpchat/internal/storage"
	"github.com/A2gent/bpchat/internal/tools"
	"github.com/A2gent/bpchat/internal/tools/health"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configFlag   string
	modelFlag    string
	continueFlag string
	verboseFlag  bool
	limitFlag    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bpchat [message]",
		Short: "bpchat - a conversational assistant for blood pressure readings",
		Long: `bpchat lets you ask a Claude model about your blood pressure. The model can read
the latest reading, list history and record new readings through tools.
Without a message argument it starts an interactive prompt.`,
		Args:          cobra.ArbitraryArgs,
		RunE:          runChat,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "f", "bpchat.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "Override default model")
	rootCmd.PersistentFlags().StringVarP(&continueFlag, "continue", "c", "", "Resume previous session by ID")

	askCmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runChat,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scheduled check-ins",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the health tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE:  runMCP,
	}

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List available models",
		Args:  cobra.NoArgs,
		RunE:  listModels,
	}

	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
	}
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		Args:  cobra.NoArgs,
		RunE:  listSessions,
	})

	readingsCmd := &cobra.Command{
		Use:   "readings",
		Short: "Inspect and record blood pressure readings",
	}
	readingsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent readings, newest first",
		Args:  cobra.NoArgs,
		RunE:  listReadings,
	}
	readingsListCmd.Flags().IntVarP(&limitFlag, "limit", "n", 10, "Number of readings to show (0 for all)")
	readingsCmd.AddCommand(readingsListCmd, &cobra.Command{
		Use:   "add <systolic> <diastolic>",
		Short: "Record a reading in mmHg",
		Args:  cobra.ExactArgs(2),
		RunE:  addReading,
	})

	checkinCmd := &cobra.Command{
		Use:   "checkin",
		Short: "Inspect and trigger scheduled check-ins",
	}
	checkinCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured check-ins",
		Args:  cobra.NoArgs,
		RunE:  listCheckins,
	}, &cobra.Command{
		Use:   "run <name>",
		Short: "Run a check-in now",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckin,
	})

	rootCmd.AddCommand(askCmd, serveCmd, mcpCmd, modelsCmd, sessionCmd, readingsCmd, checkinCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired dependencies shared by commands.
type app struct {
	cfg      *config.Config
	store    *storage.SQLiteStore
	health   *health.Provider
	registry *tools.Registry
	metrics  *observe.Metrics
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if modelFlag != "" {
		cfg.Model = modelFlag
	}
	if verboseFlag {
		cfg.LogLevel = "debug"
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, nil)

	store, err := storage.NewSQLiteStore(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	provider := health.NewProvider(store, cfg.Health.IsAuthorized())
	return &app{cfg: cfg, store: store, health: provider}, nil
}

func (a *app) Close() error { return a.store.Close() }

// tools builds the registry once metrics are known.
func (a *app) tools() (*tools.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	r := tools.NewRegistry(a.metrics)
	if err := r.Register(a.health); err != nil {
		return nil, err
	}
	a.registry = r
	return r, nil
}

func (a *app) client() (*anthropic.Client, error) {
	if err := a.cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	return anthropic.NewClient(anthropic.Config{
		APIKey:     a.cfg.APIKey,
		BaseURL:    a.cfg.BaseURL,
		Version:    a.cfg.AnthropicVersion,
		Model:      a.cfg.Model,
		MaxTokens:  a.cfg.MaxTokens,
		HTTPClient: &http.Client{Timeout: a.cfg.HTTPTimeout},
		Metrics:    a.metrics,
	})
}

func (a *app) sessions() (*session.Manager, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	registry, err := a.tools()
	if err != nil {
		return nil, err
	}
	engineConfig := agent.Config{
		Model:        a.cfg.Model,
		MaxTokens:    a.cfg.MaxTokens,
		MaxTurns:     a.cfg.MaxTurns,
		SystemPrompt: a.cfg.SystemPrompt,
		Metrics:      a.metrics,
	}
	return session.NewManager(a.store, func(history []llm.Message) *agent.Engine {
		return agent.NewWithHistory(engineConfig, client, registry, history)
	}), nil
}

func (a *app) scheduler(sessions *session.Manager) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(sessions, a.store)
	for _, c := range a.cfg.Checkins {
		if err := sched.Register(c); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.sessions()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	var sess *session.Session
	if continueFlag != "" {
		sess, err = sessions.Get(ctx, continueFlag)
		if err != nil {
			return fmt.Errorf("failed to resume session: %w", err)
		}
		fmt.Printf("Resuming session %s\n", sess.ID)
	} else {
		sess, err = sessions.Create(ctx, "")
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	}

	if len(args) > 0 {
		return ask(ctx, sessions, sess, strings.Join(args, " "))
	}

	fmt.Printf("Session %s. Type a message, or an empty line to quit.\n", sess.ID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			return nil
		}
		if err := ask(ctx, sessions, sess, text); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
}

func ask(ctx context.Context, sessions *session.Manager, sess *session.Session, text string) error {
	final, err := sessions.Send(ctx, sess.ID, text)
	if retryable(err) && sess.Engine().State() == agent.StateFailed {
		logging.Warn("Model request failed, retrying once: %v", err)
		final, err = sessions.Retry(ctx, sess.ID)
	}
	if err != nil {
		return err
	}
	fmt.Println(llm.JoinText(final.Content))
	return nil
}

// retryable reports whether a failed send is worth one more attempt.
func retryable(err error) bool {
	var te *llm.TransportError
	return errors.As(err, &te) && te.Retryable()
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	metrics, shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "bpchat",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logging.Warn("Telemetry shutdown: %v", err)
		}
	}()
	a.metrics = metrics

	sessions, err := a.sessions()
	if err != nil {
		return err
	}
	registry, err := a.tools()
	if err != nil {
		return err
	}
	sched, err := a.scheduler(sessions)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	server := bphttp.NewServer(a.cfg, bphttp.Deps{
		Sessions:  sessions,
		Registry:  registry,
		Store:     a.store,
		Health:    a.health,
		Scheduler: sched,
		Metrics:   metrics,
	})
	return server.Run(ctx)
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	registry, err := a.tools()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	return mcpserver.ServeStdio(ctx, registry, version)
}

func listModels(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := a.client()
	if err != nil {
		return err
	}
	for _, m := range client.ListModels(cmd.Context()) {
		marker := " "
		if m == a.cfg.Model {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, m)
	}
	return nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.store.ListSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-15s  %s\n", "ID", "Updated", "Status", "Title")
	fmt.Println(strings.Repeat("-", 100))
	for _, s := range sessions {
		fmt.Printf("%-36s  %-20s  %-15s  %s\n", s.ID, s.UpdatedAt.Local().Format("2006-01-02 15:04:05"), s.Status, s.Title)
	}
	return nil
}

func listReadings(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	readings, err := a.store.ListReadings(cmd.Context(), limitFlag)
	if err != nil {
		return fmt.Errorf("failed to list readings: %w", err)
	}
	if len(readings) == 0 {
		fmt.Println("No readings found")
		return nil
	}
	for _, r := range readings {
		fmt.Printf("%s  [%s]\n", health.FormatReading(r), r.Source)
	}
	return nil
}

func addReading(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sys, dia, err := health.ParsePair(args[0], args[1])
	if err != nil {
		return err
	}
	r := storage.Reading{
		ID:        uuid.NewString(),
		Systolic:  sys,
		Diastolic: dia,
		Source:    "cli",
		TakenAt:   time.Now(),
	}
	if err := a.store.SaveReading(cmd.Context(), &r); err != nil {
		return fmt.Errorf("failed to save reading: %w", err)
	}
	fmt.Printf("Saved %s\n", health.FormatReading(r))
	return nil
}

func listCheckins(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(a.cfg.Checkins) == 0 {
		fmt.Println("No check-ins configured")
		return nil
	}
	for _, c := range a.cfg.Checkins {
		fmt.Printf("%-20s  %-15s  %s\n", c.Name, c.Schedule, c.Prompt)
	}
	return nil
}

func runCheckin(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.sessions()
	if err != nil {
		return err
	}
	sched, err := a.scheduler(sessions)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	run, err := sched.RunNow(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Session %s\n%s\n", run.SessionID, run.Output)
	return nil
}
