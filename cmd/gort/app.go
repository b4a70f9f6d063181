package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/SomethingGeneric/gort/internal/assistant"
	"github.com/SomethingGeneric/gort/internal/config"
	"github.com/SomethingGeneric/gort/internal/driver"
	"github.com/SomethingGeneric/gort/internal/forge"
	"github.com/SomethingGeneric/gort/internal/gate"
	"github.com/SomethingGeneric/gort/internal/issues"
	"github.com/SomethingGeneric/gort/internal/journal"
	"github.com/SomethingGeneric/gort/internal/notify"
	"github.com/SomethingGeneric/gort/internal/prompts"
	"github.com/SomethingGeneric/gort/internal/telemetry"
	"github.com/SomethingGeneric/gort/internal/tools"
	"github.com/SomethingGeneric/gort/internal/workspace"
)

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// app is the wired object graph shared by the commands
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	forge     forge.Forge
	journal   *journal.Store
	locks     *gate.SlugLocks
	watcher   *workspace.Watcher
	manager   *workspace.Manager
	driver    *driver.Driver
	responder *issues.Responder

	shutdownTelemetry telemetry.Shutdown
}

type appOptions struct {
	Observer driver.Observer
	Watch    bool // Track file changes in workspaces
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level := cfg.General.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := newLogger(level)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, locks: gate.NewSlugLocks()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.shutdownTelemetry, err = telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a.forge, err = forge.New(cfg.Forge.Kind, cfg.Forge.Endpoint, cfg.Forge.Username, cfg.Forge.Token)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, err
	}
	a.journal, err = journal.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	if opts.Watch {
		a.watcher, err = workspace.NewWatcher(logger)
		if err != nil {
			return nil, fmt.Errorf("watcher: %w", err)
		}
		a.watcher.Start(ctx)
	}

	if err := os.MkdirAll(cfg.General.WorkspaceRoot, 0755); err != nil {
		return nil, err
	}
	a.manager = workspace.NewManager(cfg.General.WorkspaceRoot, a.forge, workspace.Options{
		BotUser:  cfg.Forge.Username,
		BotEmail: cfg.Forge.Email,
		Logger:   logger,
		Watcher:  a.watcher,
	})

	dispatcher := tools.NewDispatcher(a.forge, tools.Config{
		ShellTimeout:   cfg.Tools.ShellTimeout.Duration,
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
		GitLogLimit:    cfg.Tools.GitLogLimit,
	}, tools.Options{
		Logger: logger,
		OnCall: a.recordCall(opts.Observer),
	})

	a.driver = driver.New(
		assistant.NewOpenAI(cfg.Assistant.Endpoint, cfg.Assistant.APIKey),
		a.manager,
		dispatcher,
		driver.Config{
			AssistantID:    cfg.Assistant.AssistantID,
			PollInterval:   cfg.Assistant.PollInterval.Duration,
			MaxRunDuration: cfg.Assistant.MaxRunDuration.Duration,
		},
		driver.Options{
			Locks:    a.locks,
			Recorder: a.journal,
			Observer: opts.Observer,
			Logger:   logger,
		},
	)

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewSlackNotifier(cfg.Notifications.SlackWebhook)
	}
	a.responder = issues.NewResponder(a.forge, a.driver, prompts.DefaultLoader(cfg.General.WorkspaceRoot), issues.Options{
		BotUser:  cfg.Forge.Username,
		Ignored:  cfg.IsIgnored,
		Notifier: notifier,
		Logger:   logger,
	})

	ok = true
	return a, nil
}

// recordCall journals every tool call and forwards it to the observer
func (a *app) recordCall(observer driver.Observer) func(context.Context, tools.CallRecord) {
	return func(ctx context.Context, rec tools.CallRecord) {
		err := a.journal.RecordToolCall(context.WithoutCancel(ctx), journal.ToolCall{
			RunID:      rec.RunID,
			ToolCallID: rec.Call.ID,
			Name:       rec.Call.Name,
			Arguments:  string(rec.Call.Arguments),
			Output:     rec.Output,
			Failed:     rec.Failed,
			Duration:   rec.Duration,
		})
		if err != nil {
			a.logger.Warn("journal tool call", "tool", rec.Call.Name, "error", err)
		}
		if observer == nil {
			return
		}
		status := "ok"
		if rec.Failed {
			status = "failed"
		}
		observer(driver.Event{Type: driver.EventToolCall, ID: rec.ID, RunID: rec.RunID, Repo: rec.Repo, Tool: rec.Call.Name, Status: status})
	}
}

// Close releases everything newApp opened
func (a *app) Close() error {
	var errs []error
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(context.Background()))
	}
	return errors.Join(errs...)
}
