package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SomethingGeneric/gort/internal/domain"
)

// DefaultEndpoint is the OpenAI API base URL
const DefaultEndpoint = "https://api.openai.com/v1"

// OpenAI implements Client against the OpenAI Assistants v2 API
type OpenAI struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewOpenAI creates a client; an empty endpoint means DefaultEndpoint
func NewOpenAI(endpoint, apiKey string) *OpenAI {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &OpenAI{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type wireRun struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	Status         string `json:"status"`
	RequiredAction *struct {
		Type              string `json:"type"`
		SubmitToolOutputs struct {
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

func (w *wireRun) toRun() *domain.Run {
	run := &domain.Run{
		ID:       w.ID,
		ThreadID: w.ThreadID,
		Status:   domain.RunStatus(w.Status),
	}
	if w.LastError != nil {
		run.LastError = strings.TrimSpace(w.LastError.Code + ": " + w.LastError.Message)
	}
	if w.RequiredAction != nil {
		for _, tc := range w.RequiredAction.SubmitToolOutputs.ToolCalls {
			run.ToolCalls = append(run.ToolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: rawArguments(tc.Function.Arguments),
			})
		}
	}
	return run
}

// rawArguments keeps valid JSON verbatim; anything else is passed on as a JSON
// string so the dispatcher reports it as malformed for that call only.
func rawArguments(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func threadPath(threadID string) string {
	return "/threads/" + url.PathEscape(threadID)
}

func runPath(threadID, runID string) string {
	return threadPath(threadID) + "/runs/" + url.PathEscape(runID)
}

// CreateThread starts an empty conversation thread
func (c *OpenAI) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create thread", http.MethodPost, "/threads", map[string]interface{}{}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// PostMessage appends a message to the thread
func (c *OpenAI) PostMessage(ctx context.Context, threadID string, msg domain.Message) error {
	body := map[string]string{"role": string(msg.Role), "content": msg.Content}
	return c.do(ctx, "post message", http.MethodPost, threadPath(threadID)+"/messages", body, nil)
}

// CreateRun starts assistantID on the thread
func (c *OpenAI) CreateRun(ctx context.Context, threadID, assistantID string) (*domain.Run, error) {
	var w wireRun
	body := map[string]string{"assistant_id": assistantID}
	if err := c.do(ctx, "create run", http.MethodPost, threadPath(threadID)+"/runs", body, &w); err != nil {
		return nil, err
	}
	return w.toRun(), nil
}

// PollRun fetches the current state of a run
func (c *OpenAI) PollRun(ctx context.Context, threadID, runID string) (*domain.Run, error) {
	var w wireRun
	if err := c.do(ctx, "poll run", http.MethodGet, runPath(threadID, runID), nil, &w); err != nil {
		return nil, err
	}
	return w.toRun(), nil
}

// SubmitToolOutputs submits one whole batch. A 400 response means the run is
// no longer waiting for this batch and maps to ErrStaleSubmission.
func (c *OpenAI) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (*domain.Run, error) {
	var w wireRun
	body := map[string]interface{}{"tool_outputs": outputs}
	err := c.do(ctx, "submit tool outputs", http.MethodPost, runPath(threadID, runID)+"/submit_tool_outputs", body, &w)
	if err != nil {
		if apiErr, ok := err.(*Error); ok && apiErr.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %s", ErrStaleSubmission, apiErr.Body)
		}
		return nil, err
	}
	return w.toRun(), nil
}

// LatestMessage returns the concatenated text parts of the newest message
func (c *OpenAI) LatestMessage(ctx context.Context, threadID string) (string, error) {
	var out struct {
		Data []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := c.do(ctx, "list messages", http.MethodGet, threadPath(threadID)+"/messages?order=desc&limit=1", nil, &out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", &Error{Op: "list messages", Err: fmt.Errorf("thread %s has no messages", threadID)}
	}

	var parts []string
	for _, part := range out.Data[0].Content {
		if part.Type == "text" {
			parts = append(parts, part.Text.Value)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (c *OpenAI) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > 512 {
			msg = msg[:512] + "..."
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
