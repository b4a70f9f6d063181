// Package assistant is the client side of an asynchronous assistant service:
// threads, runs, tool-output submission and message retrieval.
package assistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/SomethingGeneric/gort/internal/domain"
)

// ErrStaleSubmission is returned by SubmitToolOutputs when the service rejects
// outputs that no longer match the run's pending batch.
var ErrStaleSubmission = errors.New("tool outputs rejected as stale")

// Error is a failed assistant API call
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assistant %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("assistant %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Client drives runs on the assistant service
type Client interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID string, msg domain.Message) error
	CreateRun(ctx context.Context, threadID, assistantID string) (*domain.Run, error)
	PollRun(ctx context.Context, threadID, runID string) (*domain.Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (*domain.Run, error)
	// LatestMessage returns the text of the newest message on the thread
	LatestMessage(ctx context.Context, threadID string) (string, error)
}
