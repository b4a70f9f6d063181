// Package tools executes the side effects an assistant run asks for against a workspace.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/SomethingGeneric/gort/internal/domain"
	"github.com/SomethingGeneric/gort/internal/forge"
	"github.com/SomethingGeneric/gort/internal/telemetry"
	"github.com/SomethingGeneric/gort/internal/workspace"
)

// Capability is the exact name a tool call must carry to reach a handler
type Capability string

const (
	Shell             Capability = "shell"
	WriteFile         Capability = "write_file"
	CommitAndPush     Capability = "commit_and_push"
	CreatePullRequest Capability = "create_pull_request"
	GitLog            Capability = "git_log"
)

// Config bounds tool execution
type Config struct {
	ShellTimeout   time.Duration // Zero means no timeout
	MaxOutputBytes int           // Zero means no truncation
	GitLogLimit    int
}

// CallRecord describes one finished tool call
type CallRecord struct {
	ID       string // Journal id
	RunID    string
	Repo     string
	Call     domain.ToolCall
	Output   string
	Duration time.Duration
	Failed   bool
}

// Options configures a Dispatcher
type Options struct {
	Logger *slog.Logger
	// OnCall is invoked after every call, in dispatch order
	OnCall func(ctx context.Context, rec CallRecord)
}

type handler func(ctx context.Context, ws *workspace.Workspace, args []byte) (interface{}, error)

// Dispatcher maps tool calls to handlers by exact capability name
type Dispatcher struct {
	cfg      Config
	forge    forge.Client
	logger   *slog.Logger
	onCall   func(ctx context.Context, rec CallRecord)
	handlers map[Capability]handler

	tracer   trace.Tracer
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewDispatcher creates a Dispatcher whose create_pull_request handler uses client
func NewDispatcher(client forge.Client, cfg Config, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GitLogLimit <= 0 {
		cfg.GitLogLimit = 20
	}

	meter := telemetry.Meter("gort/tools")
	calls, _ := meter.Int64Counter("gort.tool_calls",
		metric.WithDescription("Tool calls executed, by tool and outcome"),
	)
	duration, _ := meter.Float64Histogram("gort.tool_call.duration",
		metric.WithDescription("Tool call execution time"),
		metric.WithUnit("s"),
	)

	d := &Dispatcher{
		cfg:      cfg,
		forge:    client,
		logger:   logger,
		onCall:   opts.OnCall,
		tracer:   telemetry.Tracer("gort/tools"),
		calls:    calls,
		duration: duration,
	}
	d.handlers = map[Capability]handler{
		Shell:             d.shell,
		WriteFile:         d.writeFile,
		CommitAndPush:     d.commitAndPush,
		CreatePullRequest: d.createPullRequest,
		GitLog:            d.gitLog,
	}
	return d
}

// Capabilities returns the registered tool names in sorted order
func (d *Dispatcher) Capabilities() []Capability {
	caps := make([]Capability, 0, len(d.handlers))
	for c := range d.handlers {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// RunTag identifies the run a batch of calls belongs to
type RunTag struct {
	ID    string // Journal id
	RunID string // Assistant run id
	Repo  string
}

type runTagKey struct{}

// WithRun tags ctx so dispatch logs and records carry the run identity
func WithRun(ctx context.Context, tag RunTag) context.Context {
	return context.WithValue(ctx, runTagKey{}, tag)
}

func runFrom(ctx context.Context) RunTag {
	tag, _ := ctx.Value(runTagKey{}).(RunTag)
	return tag
}

// Dispatch executes calls in order and returns exactly one output per call.
// Handler errors and panics become {"error": ...} outputs; nothing escapes.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []domain.ToolCall, ws *workspace.Workspace) []domain.ToolOutput {
	outputs := make([]domain.ToolOutput, 0, len(calls))
	for _, call := range calls {
		outputs = append(outputs, domain.ToolOutput{
			ToolCallID: call.ID,
			Output:     d.execute(ctx, call, ws),
		})
	}
	return outputs
}

func (d *Dispatcher) execute(ctx context.Context, call domain.ToolCall, ws *workspace.Workspace) (output string) {
	tag := runFrom(ctx)
	runID := tag.RunID
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "tool/"+call.Name,
		trace.WithAttributes(
			attribute.String("gort.run_id", runID),
			attribute.String("gort.tool_call_id", call.ID),
		),
	)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
			output = errorOutput(err)
		}

		elapsed := time.Since(start)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.logger.Warn("tool call failed",
				"run_id", runID, "tool", call.Name, "tool_call_id", call.ID,
				"duration", elapsed, "error", err)
		} else {
			d.logger.Info("tool call",
				"run_id", runID, "tool", call.Name, "tool_call_id", call.ID,
				"duration", elapsed)
		}
		span.End()

		attrs := metric.WithAttributes(attribute.String("tool", call.Name), attribute.String("outcome", outcome))
		d.calls.Add(ctx, 1, attrs)
		d.duration.Record(ctx, elapsed.Seconds(), attrs)

		if d.onCall != nil {
			d.onCall(ctx, CallRecord{ID: tag.ID, RunID: runID, Repo: tag.Repo, Call: call, Output: output, Duration: elapsed, Failed: err != nil})
		}
	}()

	h, ok := d.handlers[Capability(call.Name)]
	if !ok {
		err = fmt.Errorf("unsupported tool: %s", call.Name)
		return errorOutput(err)
	}
	if ws == nil || !ws.Usable() {
		state := "absent"
		if ws != nil {
			state = ws.State().String()
		}
		err = fmt.Errorf("workspace is not usable (%s)", state)
		return errorOutput(err)
	}

	var result interface{}
	result, err = h(ctx, ws, call.Arguments)
	if err != nil {
		return errorOutput(err)
	}

	data, mErr := json.Marshal(result)
	if mErr != nil {
		err = fmt.Errorf("encode %s result: %w", call.Name, mErr)
		return errorOutput(err)
	}
	return string(data)
}

func errorOutput(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

// decodeArgs unmarshals a call's JSON object arguments into v
func decodeArgs(name string, args []byte, v interface{}) error {
	if len(args) == 0 {
		args = []byte("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}
