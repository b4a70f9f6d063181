package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SomethingGeneric/gort/internal/forge"
	"github.com/SomethingGeneric/gort/internal/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJournal(t *testing.T) *journal.Store {
	t.Helper()
	store, err := journal.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Begin(ctx, "a1", "octo/website", start))
	require.NoError(t, store.Attach(ctx, "a1", "thread_1", "run_1"))
	require.NoError(t, store.RecordToolCall(ctx, journal.ToolCall{
		RunID: "run_1", ToolCallID: "call_1", Name: "shell",
		Arguments: `{"command":"ls"}`, Output: `{"exit_code":0}`, Duration: 1500 * time.Millisecond,
	}))
	require.NoError(t, store.Finish(ctx, "a1", "completed", "Done", start.Add(time.Minute)))
	require.NoError(t, store.Begin(ctx, "b2", "octo/api", start.Add(time.Hour)))
	return store
}

func TestListRunsHandler(t *testing.T) {
	server := NewServer(Config{}, Options{Journal: newJournal(t), Logger: testLogger()})

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var runs []RunResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "b2", runs[0].ID, "newest first")
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, "1m0s", runs[1].Duration)
}

func TestListRunsHandler_Filters(t *testing.T) {
	server := NewServer(Config{}, Options{Journal: newJournal(t), Logger: testLogger()})

	req := httptest.NewRequest(http.MethodGet, "/api/runs?repo=octo/website", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var runs []RunResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)

	req = httptest.NewRequest(http.MethodGet, "/api/runs?limit=zero", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRunHandler(t *testing.T) {
	server := NewServer(Config{}, Options{Journal: newJournal(t), Logger: testLogger()})

	req := httptest.NewRequest(http.MethodGet, "/api/runs/a1", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var run RunResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	assert.Equal(t, "run_1", run.RunID)
	assert.Equal(t, "Done", run.Message)
	require.Len(t, run.ToolCalls, 1)
	assert.Equal(t, "shell", run.ToolCalls[0].Name)
	assert.Equal(t, int64(1500), run.ToolCalls[0].DurationMs)

	req = httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunsHandler_MethodNotAllowed(t *testing.T) {
	server := NewServer(Config{}, Options{Journal: newJournal(t), Logger: testLogger()})

	req := httptest.NewRequest(http.MethodDelete, "/api/runs", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

type fakeRegistrar struct {
	owner, repo string
	hook        forge.Webhook
	err         error
}

func (f *fakeRegistrar) AddWebhook(ctx context.Context, owner, repo string, hook forge.Webhook) error {
	f.owner, f.repo, f.hook = owner, repo, hook
	return f.err
}

func TestRegisterHandler(t *testing.T) {
	reg := &fakeRegistrar{}
	server := NewServer(Config{PublicURL: "https://gort.example.com/", Secret: "s3cret"}, Options{Registrar: reg, Logger: testLogger()})

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"repo":"octo/website"}`))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "octo", reg.owner)
	assert.Equal(t, "website", reg.repo)
	assert.Equal(t, "https://gort.example.com/webhook", reg.hook.URL)
	assert.Equal(t, "s3cret", reg.hook.Secret)
}

func TestRegisterHandler_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
		{name: "bad slug", body: `{"repo":"website"}`, want: http.StatusBadRequest},
		{name: "missing repo", body: `{"repo":"octo/nope"}`, err: &forge.Error{Op: "add webhook", StatusCode: 404}, want: http.StatusNotFound},
		{name: "forge failure", body: `{"repo":"octo/website"}`, err: &forge.Error{Op: "add webhook", StatusCode: 500}, want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(Config{PublicURL: "https://gort.example.com"}, Options{Registrar: &fakeRegistrar{err: tt.err}, Logger: testLogger()})

			req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHealthz(t *testing.T) {
	server := NewServer(Config{}, Options{Logger: testLogger()})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
