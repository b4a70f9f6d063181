package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SomethingGeneric/gort/internal/domain"
	"github.com/SomethingGeneric/gort/internal/forge"
	"github.com/SomethingGeneric/gort/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

func setupFork(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	git(t, src, "init")
	git(t, src, "config", "user.email", "test@test.com")
	git(t, src, "config", "user.name", "Test")
	git(t, src, "symbolic-ref", "HEAD", "refs/heads/main")
	require.NoError(t, os.WriteFile(filepath.Join(src, "README.md"), []byte("# Test"), 0644))
	git(t, src, "add", ".")
	git(t, src, "commit", "-m", "Initial commit")

	bare := filepath.Join(t.TempDir(), "fork.git")
	git(t, filepath.Dir(bare), "clone", "--bare", src, bare)
	return bare
}

type fakeForge struct {
	cloneURL string

	mu    sync.Mutex
	prs   []forge.NewPullRequest
	prErr error
}

func (f *fakeForge) GetRepo(ctx context.Context, owner, repo string) (*forge.Repository, error) {
	if owner == "bot" {
		return &forge.Repository{Owner: "bot", Name: repo, DefaultBranch: "main", CloneURL: f.cloneURL, Fork: true}, nil
	}
	return &forge.Repository{Owner: owner, Name: repo, DefaultBranch: "trunk"}, nil
}

func (f *fakeForge) ForkRepo(ctx context.Context, owner, repo string) (*forge.Repository, error) {
	return nil, errors.New("fork should already exist")
}

func (f *fakeForge) CreatePullRequest(ctx context.Context, owner, repo string, pr forge.NewPullRequest) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prErr != nil {
		return nil, f.prErr
	}
	f.prs = append(f.prs, pr)
	return &forge.PullRequest{Number: 12, HTMLURL: "https://git.example.com/" + owner + "/" + repo + "/pulls/12", State: "open", Title: pr.Title}, nil
}

type fixture struct {
	forge *fakeForge
	mgr   *workspace.Manager
	ws    *workspace.Workspace
	bare  string
	d     *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	bare := setupFork(t)
	ff := &fakeForge{cloneURL: bare}
	mgr := workspace.NewManager(t.TempDir(), ff, workspace.Options{BotUser: "bot", BotEmail: "bot@example.com", Logger: testLogger()})

	ws, err := mgr.Acquire(context.Background(), domain.RepositorySlug{Owner: "octo", Name: "website"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Release(ws) })

	return &fixture{
		forge: ff,
		mgr:   mgr,
		ws:    ws,
		bare:  bare,
		d:     NewDispatcher(ff, cfg, Options{Logger: testLogger()}),
	}
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func decode(t *testing.T, output string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(output), &m), "output: %s", output)
	return m
}

func dispatchOne(t *testing.T, f *fixture, c domain.ToolCall) map[string]interface{} {
	t.Helper()
	outs := f.d.Dispatch(context.Background(), []domain.ToolCall{c}, f.ws)
	require.Len(t, outs, 1)
	assert.Equal(t, c.ID, outs[0].ToolCallID)
	return decode(t, outs[0].Output)
}

func TestDispatch_OneOutputPerCall(t *testing.T) {
	f := newFixture(t, Config{})

	calls := []domain.ToolCall{
		call("c1", "shell", `{"command":"echo hi"}`),
		call("c2", "teleport", `{}`),
		call("c3", "write_file", `"not an object"`),
		call("c4", "git_log", ``),
		call("c5", "shell_exec", `{"command":"echo hi"}`),
	}
	outs := f.d.Dispatch(context.Background(), calls, f.ws)
	require.Len(t, outs, len(calls))

	ids := make([]string, len(outs))
	for i, o := range outs {
		ids[i] = o.ToolCallID
	}
	assert.ElementsMatch(t, []string{"c1", "c2", "c3", "c4", "c5"}, ids)

	assert.Equal(t, "unsupported tool: teleport", decode(t, outs[1].Output)["error"])
	assert.Contains(t, decode(t, outs[2].Output)["error"], "invalid arguments for write_file")
	assert.Equal(t, "unsupported tool: shell_exec", decode(t, outs[4].Output)["error"], "names are matched exactly")
}

func TestDispatch_PanicBecomesErrorOutput(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.handlers["explode"] = func(context.Context, *workspace.Workspace, []byte) (interface{}, error) {
		panic("kaboom")
	}

	outs := f.d.Dispatch(context.Background(), []domain.ToolCall{
		call("a", "explode", `{}`),
		call("b", "shell", `{"command":"true"}`),
	}, f.ws)
	require.Len(t, outs, 2)
	assert.Contains(t, decode(t, outs[0].Output)["error"], "kaboom")
	assert.Equal(t, float64(0), decode(t, outs[1].Output)["exit_code"])
}

func TestDispatch_UnusableWorkspace(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mgr.Release(f.ws))

	outs := f.d.Dispatch(context.Background(), []domain.ToolCall{
		call("a", "write_file", `{"path":"x","content":"y"}`),
		call("b", "git_log", `{}`),
	}, f.ws)
	require.Len(t, outs, 2)
	for _, o := range outs {
		assert.Contains(t, decode(t, o.Output)["error"], "workspace is not usable (removed)")
	}

	outs = f.d.Dispatch(context.Background(), []domain.ToolCall{call("c", "shell", `{"command":"true"}`)}, nil)
	assert.Contains(t, decode(t, outs[0].Output)["error"], "absent")
}

func TestDispatch_OnCallRecords(t *testing.T) {
	var recs []CallRecord
	f := newFixture(t, Config{})
	f.d.onCall = func(ctx context.Context, rec CallRecord) { recs = append(recs, rec) }

	ctx := WithRun(context.Background(), RunTag{ID: "j1", RunID: "run_1", Repo: "octo/website"})
	f.d.Dispatch(ctx, []domain.ToolCall{
		call("a", "shell", `{"command":"true"}`),
		call("b", "nope", `{}`),
	}, f.ws)

	require.Len(t, recs, 2)
	assert.Equal(t, "run_1", recs[0].RunID)
	assert.Equal(t, "j1", recs[0].ID)
	assert.Equal(t, "octo/website", recs[1].Repo)
	assert.False(t, recs[0].Failed)
	assert.True(t, recs[1].Failed)
	assert.Equal(t, "b", recs[1].Call.ID)
}

func TestCapabilities(t *testing.T) {
	d := NewDispatcher(&fakeForge{}, Config{}, Options{Logger: testLogger()})
	assert.Equal(t, []Capability{CommitAndPush, CreatePullRequest, GitLog, Shell, WriteFile}, d.Capabilities())
}

func TestShell(t *testing.T) {
	f := newFixture(t, Config{ShellTimeout: 10 * time.Second})

	out := dispatchOne(t, f, call("1", "shell", `{"command":"cat README.md"}`))
	assert.Equal(t, float64(0), out["exit_code"])
	assert.Equal(t, "# Test", out["stdout"])

	out = dispatchOne(t, f, call("2", "shell", `{"command":"echo oops >&2; exit 3"}`))
	assert.Equal(t, float64(3), out["exit_code"])
	assert.Equal(t, "oops\n", out["stdout"], "stderr is folded into stdout")
	assert.NotContains(t, out, "error")

	out = dispatchOne(t, f, call("3", "shell", `{"command":"  "}`))
	assert.Contains(t, out["error"], "command is required")
}

func TestShell_Timeout(t *testing.T) {
	f := newFixture(t, Config{ShellTimeout: 100 * time.Millisecond})

	start := time.Now()
	out := dispatchOne(t, f, call("1", "shell", `{"command":"sleep 5"}`))
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, float64(-1), out["exit_code"])
	assert.Equal(t, true, out["timed_out"])
	assert.Contains(t, out["stdout"], "command timeout after 100ms")
}

func TestShell_BackgroundChildKeepsResult(t *testing.T) {
	f := newFixture(t, Config{ShellTimeout: 10 * time.Second})

	start := time.Now()
	out := dispatchOne(t, f, call("1", "shell", `{"command":"sleep 3 & echo started"}`))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.NotContains(t, out, "error")
	assert.Equal(t, float64(0), out["exit_code"])
	assert.Equal(t, "started\n", out["stdout"])
	assert.NotContains(t, out, "timed_out")
}

func TestShell_TimeoutKillsProcessGroup(t *testing.T) {
	f := newFixture(t, Config{ShellTimeout: 200 * time.Millisecond})

	out := dispatchOne(t, f, call("1", "shell", `{"command":"(sleep 1; touch marker) & sleep 5"}`))
	assert.Equal(t, true, out["timed_out"])

	time.Sleep(1500 * time.Millisecond)
	assert.NoFileExists(t, filepath.Join(f.ws.Path, "marker"), "background child outlived the timeout")
}

func TestShell_TruncatesOutput(t *testing.T) {
	f := newFixture(t, Config{MaxOutputBytes: 10})

	out := dispatchOne(t, f, call("1", "shell", `{"command":"printf '%0100d' 0"}`))
	stdout := out["stdout"].(string)
	assert.True(t, strings.HasPrefix(stdout, "0000000000\n... [truncated, 100 B total]"), stdout)
}

func TestWriteFile(t *testing.T) {
	f := newFixture(t, Config{})

	out := dispatchOne(t, f, call("1", "write_file", `{"path":"docs/guide/intro.md","content":"hello"}`))
	assert.Equal(t, "docs/guide/intro.md", out["path"])
	assert.Equal(t, float64(5), out["bytes"])

	data, err := os.ReadFile(filepath.Join(f.ws.Path, "docs", "guide", "intro.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, domain.WorkspaceDirty, f.ws.State())
	assert.Contains(t, f.ws.TakeChanges(), "docs/guide/intro.md")

	out = dispatchOne(t, f, call("2", "write_file", `{"path":"README.md","content":""}`))
	assert.NotContains(t, out, "error")
	data, err = os.ReadFile(filepath.Join(f.ws.Path, "README.md"))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestWriteFile_RejectsEscapes(t *testing.T) {
	f := newFixture(t, Config{})

	for _, args := range []string{
		`{"path":"../outside.txt","content":"x"}`,
		`{"path":"a/../../outside.txt","content":"x"}`,
		`{"path":"/etc/passwd","content":"x"}`,
		`{"path":".git/config","content":"x"}`,
		`{"path":"","content":"x"}`,
		`{"path":"ok.txt"}`,
	} {
		out := dispatchOne(t, f, call("1", "write_file", args))
		assert.Contains(t, out, "error", args)
	}
	assert.NoFileExists(t, filepath.Join(filepath.Dir(f.ws.Path), "outside.txt"))
	assert.NoFileExists(t, filepath.Join(f.ws.Path, "ok.txt"))
}

func TestWriteFile_RejectsSymlinkEscapes(t *testing.T) {
	f := newFixture(t, Config{})
	outside := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(f.ws.Path, ".git", "hooks"), 0755))
	require.NoError(t, os.Symlink(outside, filepath.Join(f.ws.Path, "docs")))
	require.NoError(t, os.Symlink(filepath.Join(f.ws.Path, ".git", "hooks"), filepath.Join(f.ws.Path, "hooks")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "target.txt"), filepath.Join(f.ws.Path, "link.txt")))

	for _, args := range []string{
		`{"path":"docs/escaped.txt","content":"x"}`,
		`{"path":"docs/nested/escaped.txt","content":"x"}`,
		`{"path":"hooks/pre-commit","content":"x"}`,
		`{"path":"hooks/sub/pre-commit","content":"x"}`,
		`{"path":"link.txt","content":"x"}`,
	} {
		out := dispatchOne(t, f, call("1", "write_file", args))
		assert.Contains(t, out, "error", args)
	}

	assert.NoFileExists(t, filepath.Join(outside, "escaped.txt"))
	assert.NoDirExists(t, filepath.Join(outside, "nested"))
	assert.NoFileExists(t, filepath.Join(outside, "target.txt"))
	assert.NoFileExists(t, filepath.Join(f.ws.Path, ".git", "hooks", "pre-commit"))
	assert.NoDirExists(t, filepath.Join(f.ws.Path, ".git", "hooks", "sub"))
}

func TestCommitAndPush_CleanTreeIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	before := git(t, f.ws.Path, "rev-parse", "HEAD")

	out := dispatchOne(t, f, call("1", "commit_and_push", `{"message":"nothing"}`))
	assert.Equal(t, false, out["committed"])
	assert.Equal(t, false, out["pushed"])
	assert.NotContains(t, out, "commit")
	assert.NotContains(t, out, "push")

	assert.Equal(t, before, git(t, f.ws.Path, "rev-parse", "HEAD"))
}

func TestCommitAndPush_DirtyTree(t *testing.T) {
	f := newFixture(t, Config{})
	before := git(t, f.ws.Path, "rev-parse", "HEAD")

	dispatchOne(t, f, call("1", "write_file", `{"path":"README.md","content":"# Test, fixed"}`))
	out := dispatchOne(t, f, call("2", "commit_and_push", `{"message":"fix typo"}`))

	assert.Equal(t, true, out["committed"])
	assert.Equal(t, true, out["pushed"])
	assert.Equal(t, float64(0), out["commit"].(map[string]interface{})["exit_code"])
	assert.Equal(t, float64(0), out["push"].(map[string]interface{})["exit_code"])
	assert.Equal(t, domain.WorkspaceReady, f.ws.State())

	assert.Equal(t, "fix typo", git(t, f.ws.Path, "log", "-1", "--format=%s"))
	assert.Equal(t, before, git(t, f.ws.Path, "rev-parse", "HEAD~1"), "exactly one new commit")
	assert.Equal(t, "fix typo", git(t, f.bare, "log", "-1", "--format=%s", "main"), "fork received the push")
}

func TestCommitAndPush_PushFailureIsReported(t *testing.T) {
	f := newFixture(t, Config{})
	git(t, f.ws.Path, "remote", "set-url", "origin", filepath.Join(t.TempDir(), "gone.git"))

	dispatchOne(t, f, call("1", "write_file", `{"path":"new.txt","content":"x"}`))
	out := dispatchOne(t, f, call("2", "commit_and_push", `{"message":"add new"}`))

	assert.Equal(t, true, out["committed"])
	assert.Equal(t, false, out["pushed"])
	assert.NotEqual(t, float64(0), out["push"].(map[string]interface{})["exit_code"])
	assert.Equal(t, "add new", git(t, f.ws.Path, "log", "-1", "--format=%s"))
}

func TestCommitAndPush_RequiresMessage(t *testing.T) {
	f := newFixture(t, Config{})
	out := dispatchOne(t, f, call("1", "commit_and_push", `{}`))
	assert.Contains(t, out["error"], "message is required")
}

func TestCreatePullRequest(t *testing.T) {
	f := newFixture(t, Config{})

	out := dispatchOne(t, f, call("1", "create_pull_request", `{"title":"Fix typo","body":"Closes #3"}`))
	assert.Equal(t, float64(12), out["number"])
	assert.Equal(t, "https://git.example.com/octo/website/pulls/12", out["html_url"])

	require.Len(t, f.forge.prs, 1)
	assert.Equal(t, "bot:main", f.forge.prs[0].Head)
	assert.Equal(t, "trunk", f.forge.prs[0].Base)
	assert.Equal(t, "Closes #3", f.forge.prs[0].Body)
}

func TestCreatePullRequest_ForgeError(t *testing.T) {
	f := newFixture(t, Config{})
	f.forge.prErr = &forge.Error{Op: "create pull request", StatusCode: 422, Body: "no commits between"}

	out := dispatchOne(t, f, call("1", "create_pull_request", `{"title":"Fix typo","body":""}`))
	assert.Contains(t, out["error"], "status 422")
}

func TestGitLog(t *testing.T) {
	f := newFixture(t, Config{GitLogLimit: 5})

	out := dispatchOne(t, f, call("1", "git_log", `{}`))
	assert.Equal(t, float64(0), out["exit_code"])
	assert.Contains(t, out["stdout"], "Initial commit")
}

func TestResolvePath(t *testing.T) {
	p, err := resolvePath("./src//main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("src", "main.go"), p)

	_, err = resolvePath(".")
	assert.Error(t, err)
	_, err = resolvePath("..")
	assert.Error(t, err)
	_, err = resolvePath(".github/workflows/ci.yml")
	assert.NoError(t, err, ".github is not .git")
}
