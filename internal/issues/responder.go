// Package issues answers issue activity by running the assistant against the
// repository and replying on the issue thread.
package issues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SomethingGeneric/gort/internal/domain"
	"github.com/SomethingGeneric/gort/internal/driver"
	"github.com/SomethingGeneric/gort/internal/forge"
	"github.com/SomethingGeneric/gort/internal/notify"
	"github.com/SomethingGeneric/gort/internal/prompts"
)

// Runner executes one assistant run
type Runner interface {
	Execute(ctx context.Context, seed []domain.Message, slug domain.RepositorySlug) (*driver.Result, error)
}

// Options holds the optional collaborators of a Responder
type Options struct {
	BotUser  string
	Ignored  func(user string) bool
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Responder turns issue events into runs and posts their outcome
type Responder struct {
	tracker  forge.IssueTracker
	runner   Runner
	loader   *prompts.Loader
	botUser  string
	ignored  func(string) bool
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewResponder creates a Responder
func NewResponder(tracker forge.IssueTracker, runner Runner, loader *prompts.Loader, opts Options) *Responder {
	r := &Responder{
		tracker:  tracker,
		runner:   runner,
		loader:   loader,
		botUser:  opts.BotUser,
		ignored:  opts.Ignored,
		notifier: opts.Notifier,
		logger:   opts.Logger,
	}
	if r.notifier == nil {
		r.notifier = notify.NoopNotifier{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// SkipReason explains why an event does not start a run; empty means respond
func (r *Responder) SkipReason(ev domain.IssueEvent, comments []domain.Comment) string {
	switch ev.Action {
	case domain.IssueOpened, domain.IssueCommentCreated:
	default:
		return fmt.Sprintf("action %q", ev.Action)
	}
	if strings.EqualFold(ev.Author, r.botUser) {
		return "own activity"
	}
	if r.ignored != nil && r.ignored(ev.Author) {
		return "ignored user " + ev.Author
	}
	if n := len(comments); n > 0 && strings.EqualFold(comments[n-1].Author, r.botUser) {
		return "bot replied last"
	}
	return ""
}

// EventFor builds an opened event from the current state of an issue, for
// runs started by hand rather than by a webhook
func (r *Responder) EventFor(ctx context.Context, slug domain.RepositorySlug, number int) (domain.IssueEvent, error) {
	issue, err := r.tracker.GetIssue(ctx, slug.Owner, slug.Name, number)
	if err != nil {
		return domain.IssueEvent{}, fmt.Errorf("get issue %s#%d: %w", slug, number, err)
	}
	return domain.IssueEvent{
		Repo:   slug,
		Number: issue.Number,
		Title:  issue.Title,
		Body:   issue.Body,
		Author: issue.Author,
		Action: domain.IssueOpened,
	}, nil
}

// Handle responds to one issue event. It returns a nil Result when the event
// was skipped. A failed run still gets its failure message posted.
func (r *Responder) Handle(ctx context.Context, ev domain.IssueEvent) (*driver.Result, error) {
	logger := r.logger.With("repo", ev.Repo.String(), "issue", ev.Number, "action", ev.Action)

	comments, err := r.tracker.ListComments(ctx, ev.Repo.Owner, ev.Repo.Name, ev.Number)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	if reason := r.SkipReason(ev, comments); reason != "" {
		logger.Debug("skipping issue event", "reason", reason)
		return nil, nil
	}

	seed, err := r.loader.BuildConversation(prompts.IssueData{
		Repo:   ev.Repo.String(),
		Number: ev.Number,
		Title:  ev.Title,
		Body:   ev.Body,
		Author: ev.Author,
	}, comments, r.botUser)
	if err != nil {
		return nil, fmt.Errorf("build conversation: %w", err)
	}

	logger.Info("responding to issue", "messages", len(seed))
	res, runErr := r.runner.Execute(ctx, seed, ev.Repo)
	if res == nil {
		return nil, runErr
	}

	var postErr error
	if reply := strings.TrimSpace(res.Message); reply != "" {
		if err := r.tracker.PostComment(context.WithoutCancel(ctx), ev.Repo.Owner, ev.Repo.Name, ev.Number, reply); err != nil {
			postErr = fmt.Errorf("post comment: %w", err)
		}
	} else {
		logger.Warn("run finished without a reply", "status", res.Status)
	}

	if err := r.notifier.Send(context.WithoutCancel(ctx), notificationFor(ev, res)); err != nil {
		logger.Warn("notify", "error", err)
	}
	return res, errors.Join(runErr, postErr)
}

func notificationFor(ev domain.IssueEvent, res *driver.Result) notify.Notification {
	n := notify.Notification{
		Message: res.Message,
		Repo:    ev.Repo.String(),
		RunID:   res.RunID,
	}
	if res.Status == domain.RunCompleted {
		n.Type = notify.NotifySuccess
		n.Title = fmt.Sprintf("Replied to %s#%d", ev.Repo, ev.Number)
	} else {
		n.Type = notify.NotifyError
		n.Title = fmt.Sprintf("Run %s on %s#%d", res.Status, ev.Repo, ev.Number)
	}
	return n
}
