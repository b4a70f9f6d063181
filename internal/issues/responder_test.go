package issues

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SomethingGeneric/gort/internal/domain"
	"github.com/SomethingGeneric/gort/internal/driver"
	"github.com/SomethingGeneric/gort/internal/forge"
	"github.com/SomethingGeneric/gort/internal/notify"
	"github.com/SomethingGeneric/gort/internal/prompts"
)

type fakeTracker struct {
	mu       sync.Mutex
	comments []domain.Comment
	posted   []string
	postErr  error
}

func (f *fakeTracker) GetIssue(ctx context.Context, owner, repo string, number int) (*forge.Issue, error) {
	return &forge.Issue{Number: number, Title: "Typo in README", Body: "It says Helo.", Author: "alice"}, nil
}

func (f *fakeTracker) ListComments(ctx context.Context, owner, repo string, number int) ([]domain.Comment, error) {
	return f.comments, nil
}

func (f *fakeTracker) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, body)
	return nil
}

type fakeRunner struct {
	seed   []domain.Message
	calls  int
	result *driver.Result
	err    error
}

func (f *fakeRunner) Execute(ctx context.Context, seed []domain.Message, slug domain.RepositorySlug) (*driver.Result, error) {
	f.calls++
	f.seed = seed
	return f.result, f.err
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Send(ctx context.Context, n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

var website = domain.RepositorySlug{Owner: "octo", Name: "website"}

func newResponder(tracker *fakeTracker, runner *fakeRunner, n notify.Notifier) *Responder {
	return NewResponder(tracker, runner, prompts.NewLoader(), Options{
		BotUser:  "gort-bot",
		Ignored:  func(u string) bool { return u == "dependabot" },
		Notifier: n,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func openedEvent() domain.IssueEvent {
	return domain.IssueEvent{
		Repo:   website,
		Number: 7,
		Title:  "Typo in README",
		Body:   "It says Helo.",
		Author: "alice",
		Action: domain.IssueOpened,
	}
}

func TestHandle_OpenedIssue(t *testing.T) {
	tracker := &fakeTracker{}
	runner := &fakeRunner{result: &driver.Result{RunID: "run_1", Status: domain.RunCompleted, Message: "Fixed in #8."}}
	notifier := &recordingNotifier{}

	res, err := newResponder(tracker, runner, notifier).Handle(context.Background(), openedEvent())
	require.NoError(t, err)
	require.NotNil(t, res)

	require.Len(t, runner.seed, 1)
	assert.Equal(t, domain.RoleUser, runner.seed[0].Role)
	assert.Contains(t, runner.seed[0].Content, "octo/website")
	assert.Contains(t, runner.seed[0].Content, "Typo in README")
	assert.Contains(t, runner.seed[0].Content, "It says Helo.")

	assert.Equal(t, []string{"Fixed in #8."}, tracker.posted)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, notify.NotifySuccess, notifier.sent[0].Type)
	assert.Equal(t, "run_1", notifier.sent[0].RunID)
}

func TestHandle_CommentIncludesHistory(t *testing.T) {
	tracker := &fakeTracker{comments: []domain.Comment{
		{ID: 1, Author: "gort-bot", Body: "Which file?"},
		{ID: 2, Author: "alice", Body: "README.md please"},
	}}
	runner := &fakeRunner{result: &driver.Result{Status: domain.RunCompleted, Message: "Done."}}

	ev := openedEvent()
	ev.Action = domain.IssueCommentCreated
	_, err := newResponder(tracker, runner, nil).Handle(context.Background(), ev)
	require.NoError(t, err)

	require.Len(t, runner.seed, 3)
	assert.Equal(t, domain.RoleAssistant, runner.seed[1].Role)
	assert.Equal(t, "Which file?", runner.seed[1].Content)
	assert.Equal(t, domain.RoleUser, runner.seed[2].Role)
	assert.Contains(t, runner.seed[2].Content, "@alice")
	assert.Contains(t, runner.seed[2].Content, "README.md please")
}

func TestHandle_Skips(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*domain.IssueEvent)
		comments []domain.Comment
	}{
		{name: "bot replied last", comments: []domain.Comment{{Author: "alice"}, {Author: "gort-bot"}}},
		{name: "bot authored event", mutate: func(ev *domain.IssueEvent) { ev.Author = "Gort-Bot" }},
		{name: "ignored user", mutate: func(ev *domain.IssueEvent) { ev.Author = "dependabot" }},
		{name: "other action", mutate: func(ev *domain.IssueEvent) { ev.Action = "closed" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &fakeTracker{comments: tt.comments}
			runner := &fakeRunner{}
			ev := openedEvent()
			if tt.mutate != nil {
				tt.mutate(&ev)
			}

			res, err := newResponder(tracker, runner, nil).Handle(context.Background(), ev)
			require.NoError(t, err)
			assert.Nil(t, res)
			assert.Zero(t, runner.calls)
			assert.Empty(t, tracker.posted)
		})
	}
}

func TestHandle_FailedRunPostsFailure(t *testing.T) {
	tracker := &fakeTracker{}
	runErr := errors.New("run expired")
	runner := &fakeRunner{
		result: &driver.Result{Status: domain.RunExpired, Message: "Sorry, I ran out of time working on this."},
		err:    runErr,
	}
	notifier := &recordingNotifier{}

	res, err := newResponder(tracker, runner, notifier).Handle(context.Background(), openedEvent())
	assert.ErrorIs(t, err, runErr)
	require.NotNil(t, res)
	assert.Equal(t, []string{"Sorry, I ran out of time working on this."}, tracker.posted)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, notify.NotifyError, notifier.sent[0].Type)
	assert.Contains(t, notifier.sent[0].Title, "expired")
}

func TestHandle_PostFailure(t *testing.T) {
	postErr := errors.New("forbidden")
	tracker := &fakeTracker{postErr: postErr}
	runner := &fakeRunner{result: &driver.Result{Status: domain.RunCompleted, Message: "ok"}}

	_, err := newResponder(tracker, runner, nil).Handle(context.Background(), openedEvent())
	assert.ErrorIs(t, err, postErr)
}

func TestHandle_EmptyReplyNotPosted(t *testing.T) {
	tracker := &fakeTracker{}
	runner := &fakeRunner{result: &driver.Result{Status: domain.RunCompleted, Message: "  "}}

	_, err := newResponder(tracker, runner, nil).Handle(context.Background(), openedEvent())
	require.NoError(t, err)
	assert.Empty(t, tracker.posted)
}

func TestEventFor(t *testing.T) {
	ev, err := newResponder(&fakeTracker{}, &fakeRunner{}, nil).EventFor(context.Background(), website, 7)
	require.NoError(t, err)
	assert.Equal(t, openedEvent(), ev)
}
