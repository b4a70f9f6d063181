// Package driver runs an assistant run to a terminal state, dispatching the
// tool calls it asks for against a workspace of the target repository.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/SomethingGeneric/gort/internal/assistant"
	"github.com/SomethingGeneric/gort/internal/domain"
	"github.com/SomethingGeneric/gort/internal/gate"
	"github.com/SomethingGeneric/gort/internal/telemetry"
	"github.com/SomethingGeneric/gort/internal/tools"
	"github.com/SomethingGeneric/gort/internal/workspace"
)

var (
	ErrWorkspace   = errors.New("workspace unavailable")
	ErrProtocol    = errors.New("assistant protocol error")
	ErrConcurrency = errors.New("tool outputs rejected as stale")
	ErrExpired     = errors.New("run expired")
	ErrRunFailed   = errors.New("run failed")
)

// Workspaces provisions checkouts
type Workspaces interface {
	Acquire(ctx context.Context, slug domain.RepositorySlug) (*workspace.Workspace, error)
	Release(ws *workspace.Workspace) error
}

// Dispatcher executes one batch of tool calls, returning one output per call
type Dispatcher interface {
	Dispatch(ctx context.Context, calls []domain.ToolCall, ws *workspace.Workspace) []domain.ToolOutput
}

// Recorder persists run history
type Recorder interface {
	Begin(ctx context.Context, id, repo string, startedAt time.Time) error
	Attach(ctx context.Context, id, threadID, runID string) error
	SetStatus(ctx context.Context, id, status string) error
	Finish(ctx context.Context, id, status, message string, finishedAt time.Time) error
}

// Config controls polling and the wall-clock budget
type Config struct {
	AssistantID    string
	PollInterval   time.Duration
	MaxRunDuration time.Duration // Zero means unbounded
}

// Options holds the optional collaborators of a Driver
type Options struct {
	Gate     *gate.Gate
	Locks    *gate.SlugLocks
	Recorder Recorder
	Observer Observer
	Logger   *slog.Logger
}

// Result is the outcome of one Execute call. It is never nil.
type Result struct {
	ID       string // Journal id, assigned before the assistant run exists
	RunID    string
	ThreadID string
	Repo     string
	Status   domain.RunStatus
	Message  string // Final assistant text, or a failure message
}

// Driver executes runs
type Driver struct {
	cfg        Config
	assistant  assistant.Client
	workspaces Workspaces
	dispatcher Dispatcher
	gate       *gate.Gate
	locks      *gate.SlugLocks
	recorder   Recorder
	observer   Observer
	logger     *slog.Logger

	tracer trace.Tracer
	runs   metric.Int64Counter
}

// New creates a Driver
func New(client assistant.Client, workspaces Workspaces, dispatcher Dispatcher, cfg Config, opts Options) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	d := &Driver{
		cfg:        cfg,
		assistant:  client,
		workspaces: workspaces,
		dispatcher: dispatcher,
		gate:       opts.Gate,
		locks:      opts.Locks,
		recorder:   opts.Recorder,
		observer:   opts.Observer,
		logger:     opts.Logger,
		tracer:     telemetry.Tracer("gort/driver"),
	}
	if d.gate == nil {
		d.gate = gate.New()
	}
	if d.locks == nil {
		d.locks = gate.NewSlugLocks()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.runs, _ = telemetry.Meter("gort/driver").Int64Counter("gort.runs",
		metric.WithDescription("Finished runs, by final status"),
	)
	return d
}

// Execute seeds a new thread with the conversation, runs the assistant on it
// and services its tool calls against a checkout of slug. The error is nil
// only when the run completed.
func (d *Driver) Execute(ctx context.Context, seed []domain.Message, slug domain.RepositorySlug) (*Result, error) {
	res := &Result{ID: uuid.NewString(), Repo: slug.String(), Status: domain.RunCreated}
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("gort.repo", res.Repo),
		attribute.String("gort.id", res.ID),
	))
	defer span.End()

	logger := d.logger.With("id", res.ID, "repo", res.Repo)
	if d.recorder != nil {
		if err := d.recorder.Begin(ctx, res.ID, res.Repo, start); err != nil {
			logger.Warn("journal begin", "error", err)
		}
	}
	d.emit(Event{Type: EventRunStarted, ID: res.ID, Repo: res.Repo})
	logger.Info("run started")

	err := d.execute(ctx, seed, slug, res, logger)
	if err != nil {
		if !res.Status.IsTerminal() {
			res.Status = domain.RunFailed
		}
		res.Message = failureMessage(slug, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("run ended", "run_id", res.RunID, "status", res.Status, "duration", time.Since(start), "error", err)
	} else {
		logger.Info("run completed", "run_id", res.RunID, "duration", time.Since(start))
	}

	span.SetAttributes(attribute.String("gort.run_id", res.RunID), attribute.String("gort.status", string(res.Status)))
	d.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))

	if d.recorder != nil {
		if rerr := d.recorder.Finish(context.WithoutCancel(ctx), res.ID, string(res.Status), res.Message, time.Now()); rerr != nil {
			logger.Warn("journal finish", "error", rerr)
		}
	}
	d.emit(Event{Type: EventRunFinished, ID: res.ID, RunID: res.RunID, ThreadID: res.ThreadID, Repo: res.Repo, Status: string(res.Status), Message: res.Message})
	return res, err
}

type batchResult struct {
	run *domain.Run
	err error
}

func (d *Driver) execute(ctx context.Context, seed []domain.Message, slug domain.RepositorySlug, res *Result, logger *slog.Logger) error {
	budget := ctx
	if d.cfg.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		budget, cancel = context.WithTimeout(ctx, d.cfg.MaxRunDuration)
		defer cancel()
	}

	unlock, err := d.locks.Lock(budget, slug)
	if err != nil {
		return d.interrupted(ctx, res)
	}
	defer unlock()

	var (
		inflight  bool
		batchDone = make(chan batchResult, 1)
	)

	ws, err := d.workspaces.Acquire(budget, slug)
	defer func() {
		// The checkout outlives any batch still using it
		if inflight {
			<-batchDone
		}
		if rerr := d.workspaces.Release(ws); rerr != nil {
			logger.Warn("release workspace", "error", rerr)
		}
	}()
	if err != nil {
		if budget.Err() != nil {
			return d.interrupted(ctx, res)
		}
		return fmt.Errorf("%w: %w", ErrWorkspace, err)
	}

	threadID, err := d.assistant.CreateThread(budget)
	if err != nil {
		return d.apiError(ctx, budget, res, "create thread", err)
	}
	res.ThreadID = threadID

	for _, msg := range seed {
		if err := d.assistant.PostMessage(budget, threadID, msg); err != nil {
			return d.apiError(ctx, budget, res, "post message", err)
		}
	}

	run, err := d.assistant.CreateRun(budget, threadID, d.cfg.AssistantID)
	if err != nil {
		return d.apiError(ctx, budget, res, "create run", err)
	}
	if run.ID == "" {
		return fmt.Errorf("%w: run created without an id", ErrProtocol)
	}
	res.RunID = run.ID
	logger = logger.With("run_id", run.ID)
	if d.recorder != nil {
		if err := d.recorder.Attach(ctx, res.ID, threadID, run.ID); err != nil {
			logger.Warn("journal attach", "error", err)
		}
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	submitted := make(map[string]bool)
	var last domain.RunStatus

	for {
		if run.Status != last {
			last = run.Status
			d.statusChanged(ctx, res, run, logger)
		}

		switch run.Status {
		case domain.RunCompleted:
			res.Status = domain.RunCompleted
			msg, err := d.assistant.LatestMessage(budget, threadID)
			if err != nil {
				res.Status = domain.RunFailed
				return fmt.Errorf("read final message: %w", err)
			}
			res.Message = msg
			return nil

		case domain.RunFailed:
			res.Status = domain.RunFailed
			return fmt.Errorf("%w: %s", ErrRunFailed, orUnknown(run.LastError))

		case domain.RunExpired:
			res.Status = domain.RunExpired
			return fmt.Errorf("%w: expired by the assistant service", ErrExpired)

		case domain.RunRequiresAction:
			if len(run.ToolCalls) == 0 {
				return fmt.Errorf("%w: requires_action without tool calls", ErrProtocol)
			}
			key := domain.BatchKey(run.ToolCalls)
			if submitted[key] {
				break
			}
			tok, ok := d.gate.TryEnter(run.ID)
			if !ok {
				logger.Debug("batch in flight, skipping poll")
				break
			}
			submitted[key] = true
			inflight = true
			go d.runBatch(ctx, budget, res, run, ws, tok, batchDone, logger)

		case domain.RunCreated, domain.RunQueued, domain.RunInProgress:

		default:
			return fmt.Errorf("%w: unexpected run status %q", ErrProtocol, run.Status)
		}

		select {
		case <-budget.Done():
			return d.interrupted(ctx, res)

		case br := <-batchDone:
			inflight = false
			if br.err != nil {
				if errors.Is(br.err, assistant.ErrStaleSubmission) {
					return fmt.Errorf("%w: %w", ErrConcurrency, br.err)
				}
				if budget.Err() != nil {
					return d.interrupted(ctx, res)
				}
				return br.err
			}
			if br.run != nil && br.run.Status != "" {
				run = br.run
			}

		case <-ticker.C:
			next, err := d.assistant.PollRun(budget, threadID, run.ID)
			if err != nil {
				return d.apiError(ctx, budget, res, "poll run", err)
			}
			run = next
		}
	}
}

// runBatch dispatches one batch and submits its outputs as a whole. Tool
// execution is not cut short by cancellation; the shell timeout bounds it.
func (d *Driver) runBatch(ctx, budget context.Context, res *Result, run *domain.Run, ws *workspace.Workspace, tok gate.Token, done chan<- batchResult, logger *slog.Logger) {
	calls := run.ToolCalls

	ctx, span := d.tracer.Start(context.WithoutCancel(ctx), "batch", trace.WithAttributes(
		attribute.String("gort.run_id", run.ID),
		attribute.Int("gort.calls", len(calls)),
	))
	defer span.End()

	outputs := d.dispatcher.Dispatch(tools.WithRun(ctx, tools.RunTag{ID: res.ID, RunID: run.ID, Repo: res.Repo}), calls, ws)
	var changed []string
	if ws != nil {
		changed = ws.TakeChanges()
	}
	d.emit(Event{Type: EventBatchDispatched, ID: res.ID, RunID: run.ID, Repo: res.Repo, Calls: len(calls), Files: changed})
	if len(changed) > 0 {
		logger.Info("batch changed files", "files", changed)
	}

	var result batchResult
	if err := checkOutputs(calls, outputs); err != nil {
		result.err = err
	} else {
		result.run, result.err = d.assistant.SubmitToolOutputs(budget, res.ThreadID, run.ID, outputs)
	}
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}

	if err := d.gate.Exit(run.ID, tok); err != nil {
		logger.Error("gate exit", "error", err)
	}
	done <- result
}

// checkOutputs enforces one output per call with matching ids
func checkOutputs(calls []domain.ToolCall, outputs []domain.ToolOutput) error {
	if len(calls) != len(outputs) {
		return fmt.Errorf("%w: %d outputs for %d tool calls", ErrProtocol, len(outputs), len(calls))
	}
	want := make(map[string]bool, len(calls))
	for _, c := range calls {
		want[c.ID] = true
	}
	for _, o := range outputs {
		if !want[o.ToolCallID] {
			return fmt.Errorf("%w: output for unknown or duplicate tool call %q", ErrProtocol, o.ToolCallID)
		}
		delete(want, o.ToolCallID)
	}
	return nil
}

func (d *Driver) statusChanged(ctx context.Context, res *Result, run *domain.Run, logger *slog.Logger) {
	if run.Status.IsKnown() && !run.Status.IsTerminal() {
		res.Status = run.Status
	}
	logger.Debug("run status", "status", run.Status)
	if d.recorder != nil {
		if err := d.recorder.SetStatus(ctx, res.ID, string(run.Status)); err != nil {
			logger.Warn("journal status", "error", err)
		}
	}
	d.emit(Event{Type: EventStatus, ID: res.ID, RunID: run.ID, Repo: res.Repo, Status: string(run.Status)})
}

// interrupted classifies an exit caused by a done context
func (d *Driver) interrupted(parent context.Context, res *Result) error {
	if err := parent.Err(); err != nil {
		res.Status = domain.RunFailed
		return fmt.Errorf("run cancelled: %w", err)
	}
	res.Status = domain.RunExpired
	return fmt.Errorf("%w: exceeded %s", ErrExpired, d.cfg.MaxRunDuration)
}

func (d *Driver) apiError(parent, budget context.Context, res *Result, op string, err error) error {
	if budget.Err() != nil {
		return d.interrupted(parent, res)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (d *Driver) emit(ev Event) {
	if d.observer == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	d.observer(ev)
}

func orUnknown(s string) string {
	if s == "" {
		return "no reason given"
	}
	return s
}

// failureMessage turns a run error into the single line shown to users
func failureMessage(slug domain.RepositorySlug, err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "Sorry, I ran out of time working on this: " + err.Error()
	case errors.Is(err, ErrWorkspace):
		return fmt.Sprintf("Sorry, I could not prepare a checkout of %s: %v", slug, err)
	case errors.Is(err, ErrConcurrency):
		return "Sorry, the run failed because its tool results were rejected as stale."
	case errors.Is(err, ErrProtocol):
		return "Sorry, the assistant service responded unexpectedly: " + err.Error()
	default:
		return "Sorry, the run failed: " + err.Error()
	}
}
