package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namajain/kily-agent/internal/analysis"
	"github.com/namajain/kily-agent/internal/contextcache"
	"github.com/namajain/kily-agent/internal/domain"
	"github.com/namajain/kily-agent/internal/llm"
	"github.com/namajain/kily-agent/internal/sandbox"
	"github.com/namajain/kily-agent/internal/session"
	"github.com/namajain/kily-agent/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRunner struct {
	mu       sync.Mutex
	results  []sandbox.Result
	calls    int
	datasets []string
}

func (r *fakeRunner) Run(_ context.Context, _ string, datasets []sandbox.Dataset, _ sandbox.Budget) sandbox.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datasets = r.datasets[:0]
	for _, d := range datasets {
		r.datasets = append(r.datasets, d.Name)
	}
	i := r.calls
	r.calls++
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	return r.results[i]
}

func (r *fakeRunner) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{Language: "go", Guide: "guide"}
}

type harness struct {
	svc      *Service
	repo     *store.SQLiteStore
	sessions *session.Store
	runner   *fakeRunner
	clock    *clock
	prompts  *[]string
	dir      string
}

const salesCSV = "region,units,price\nnorth,10,2.5\nsouth,4,8\nnorth,7,3\n"

func newHarness(t *testing.T, results ...sandbox.Result) *harness {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "kily.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sales.csv"), []byte(salesCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "regions.csv"), []byte("region,manager\nnorth,ana\nsouth,bo\n"), 0o644))

	ctx := context.Background()
	require.NoError(t, repo.UpsertProfile(ctx, &domain.Profile{
		ID: "p1", UserID: "u1", Name: "Sales", Active: true,
		DataSources: []domain.DataSource{
			{Locator: "file://" + filepath.Join(src, "sales.csv"), Filename: "sales.csv"},
			{Locator: "file://" + filepath.Join(src, "regions.csv"), Filename: "regions.csv"},
			{Locator: "file://" + filepath.Join(src, "missing.csv"), Filename: "missing.csv"},
		},
	}))
	require.NoError(t, repo.UpsertProfile(ctx, &domain.Profile{
		ID: "p-off", UserID: "u1", Name: "Old", Active: false,
		DataSources: []domain.DataSource{{Locator: "file://" + filepath.Join(src, "sales.csv"), Filename: "sales.csv"}},
	}))
	require.NoError(t, repo.UpsertProfile(ctx, &domain.Profile{
		ID: "p-empty", UserID: "u1", Name: "Broken", Active: true,
		DataSources: []domain.DataSource{{Locator: "file://" + filepath.Join(src, "missing.csv"), Filename: "missing.csv"}},
	}))

	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cache := contextcache.New(repo, &contextcache.FileFetcher{Root: src}, filepath.Join(dir, "downloads"), contextcache.Options{Now: clk.Now})
	sessions := session.New(repo, session.Config{IdleTimeout: 15 * time.Minute}, session.Options{Now: clk.Now})
	t.Cleanup(sessions.Close)

	var prompts []string
	var mu sync.Mutex
	completer := llm.CompleterFunc(func(_ context.Context, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "A user asked:") {
			return "North sold the most units.", nil
		}
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		return "```go\nfunc Analyze() {}\n```", nil
	})
	runner := &fakeRunner{results: results}
	loop := analysis.New(completer, runner, analysis.DefaultConfig(), nil)

	svc := New(Deps{
		Profiles:    repo,
		Transcripts: repo,
		Cache:       cache,
		Sessions:    sessions,
		Analyzer:    loop,
		Now:         clk.Now,
	})
	return &harness{svc: svc, repo: repo, sessions: sessions, runner: runner, clock: clk, prompts: &prompts, dir: dir}
}

func TestStartSessionWithPartialSourceFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sandbox.Result{Success: true, Summary: "1"})

	started, err := h.svc.StartSession(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, "Sales", started.ProfileName)
	require.Len(t, started.Datasets, 2)
	assert.Equal(t, "sales", started.Datasets[0].Name)
	assert.Equal(t, 3, started.Datasets[0].Rows)
	assert.Equal(t, []string{"region", "units", "price"}, started.Datasets[0].Columns)
	require.Len(t, started.Failures, 1)
	assert.Equal(t, "missing.csv", started.Failures[0].Filename)

	summaries, err := h.svc.DatasetSummaries("u1", started.SessionID)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}

func TestStartSessionRejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sandbox.Result{Success: true})
	ctx := context.Background()

	_, err := h.svc.StartSession(ctx, "u1", "p-off")
	assert.ErrorIs(t, err, ErrProfileInactive)

	_, err = h.svc.StartSession(ctx, "u2", "p1")
	assert.ErrorIs(t, err, ErrProfileNotOwned)

	_, err = h.svc.StartSession(ctx, "u1", "nope")
	assert.ErrorIs(t, err, store.ErrProfileNotFound)

	_, err = h.svc.StartSession(ctx, "u1", "p-empty")
	assert.ErrorIs(t, err, contextcache.ErrNoDataAvailable)
	assert.Zero(t, h.svc.Stats().Active)
}

func TestSubmitSuccessAppendsExactlyTwoMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sandbox.Result{Success: true, Summary: "north 17"})
	ctx := context.Background()

	started, err := h.svc.StartSession(ctx, "u1", "p1")
	require.NoError(t, err)

	ans, err := h.svc.Submit(ctx, "u1", started.SessionID, "summary")
	require.NoError(t, err)
	assert.True(t, ans.Success)
	assert.Equal(t, 1, ans.Attempts)
	assert.Equal(t, "North sold the most units.", ans.Content)
	assert.Equal(t, []string{"sales", "regions"}, h.runner.datasets)

	durable, err := h.repo.LoadTranscript(ctx, started.SessionID)
	require.NoError(t, err)
	require.Len(t, durable, 2)
	assert.Equal(t, domain.RoleUser, durable[0].Role)
	assert.Equal(t, "summary", durable[0].Content)
	assert.Equal(t, domain.RoleAssistant, durable[1].Role)

	live, err := h.svc.Transcript(ctx, "u1", started.SessionID)
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestSubmitRetryThenSuccessStillTwoMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		sandbox.Result{Category: sandbox.CategoryRuntime, Error: "KeyError: 'x'"},
		sandbox.Result{Success: true, Summary: "21"},
	)
	ctx := context.Background()
	started, err := h.svc.StartSession(ctx, "u1", "p1")
	require.NoError(t, err)

	ans, err := h.svc.Submit(ctx, "u1", started.SessionID, "total x")
	require.NoError(t, err)
	assert.True(t, ans.Success)
	assert.Equal(t, 2, ans.Attempts)
	require.Len(t, *h.prompts, 2)
	assert.Contains(t, (*h.prompts)[1], "KeyError: 'x'")

	durable, err := h.repo.LoadTranscript(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Len(t, durable, 2)
}

func TestSubmitExhaustion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sandbox.Result{Category: sandbox.CategoryBudget, Error: sandbox.BudgetExceededMessage})
	ctx := context.Background()
	started, err := h.svc.StartSession(ctx, "u1", "p1")
	require.NoError(t, err)

	ans, err := h.svc.Submit(ctx, "u1", started.SessionID, "hard question")
	require.NoError(t, err)
	assert.False(t, ans.Success)
	assert.Equal(t, 5, ans.Attempts)
	assert.Equal(t, 5, h.runner.calls)
	assert.Contains(t, ans.Content, "after 5 attempts")
	assert.Contains(t, ans.Content, "budget_exceeded")

	durable, err := h.repo.LoadTranscript(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Len(t, durable, 2)
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sandbox.Result{Success: true, Summary: "ok"})
	started, err := h.svc.StartSession(context.Background(), "u1", "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ans, err := h.svc.Submit(ctx, "u1", started.SessionID, "still answer me")
	require.NoError(t, err)
	assert.True(t, ans.Success)

	durable, err := h.repo.LoadTranscript(context.Background(), started.SessionID)
	require.NoError(t, err)
	assert.Len(t, durable, 2)
}

func TestSubmitChecksOwnershipAndInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sandbox.Result{Success: true})
	ctx := context.Background()
	started, err := h.svc.StartSession(ctx, "u1", "p1")
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, "intruder", started.SessionID, "q")
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = h.svc.Submit(ctx, "u1", started.SessionID, "  ")
	assert.ErrorIs(t, err, analysis.ErrEmptyQuery)

	_, err = h.svc.Submit(ctx, "u1", "unknown", "q")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestExpiryThenRestoreAndContinue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sandbox.Result{Success: true, Summary: "ok"})
	ctx := context.Background()
	started, err := h.svc.StartSession(ctx, "u1", "p1")
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, "u1", started.SessionID, "first")
	require.NoError(t, err)

	h.clock.Advance(15*time.Minute + time.Second)
	_, err = h.svc.Submit(ctx, "u1", started.SessionID, "second")
	assert.ErrorIs(t, err, session.ErrExpired)
	assert.Equal(t, "Session expired. Restore it to continue.", UserMessage(err))

	restored, err := h.svc.Restore(ctx, "u1", started.SessionID)
	require.NoError(t, err)
	require.Len(t, restored.Messages, 2)
	assert.Equal(t, "first", restored.Messages[0].Content)
	assert.Len(t, restored.Datasets, 2)

	_, err = h.svc.Submit(ctx, "u1", started.SessionID, "second")
	require.NoError(t, err)
	durable, err := h.repo.LoadTranscript(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Len(t, durable, 4)

	sessions, err := h.svc.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 4, sessions[0].MessageCount)
}

func TestRestoreRejectsOtherUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sandbox.Result{Success: true})
	ctx := context.Background()
	started, err := h.svc.StartSession(ctx, "u1", "p1")
	require.NoError(t, err)

	_, err = h.svc.Restore(ctx, "u2", started.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = h.svc.Transcript(ctx, "u2", started.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	h.clock.Advance(15*time.Minute + time.Second)
	_, err = h.svc.Submit(ctx, "u1", started.SessionID, "late")
	require.ErrorIs(t, err, session.ErrExpired)
	_, err = h.svc.Restore(ctx, "u2", started.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Zero(t, h.svc.Stats().Active)
}

func TestEndThenTranscriptFromDurable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sandbox.Result{Success: true, Summary: "ok"})
	ctx := context.Background()
	started, err := h.svc.StartSession(ctx, "u1", "p1")
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, "u1", started.SessionID, "q")
	require.NoError(t, err)

	require.NoError(t, h.svc.End("u1", started.SessionID))
	assert.Zero(t, h.svc.Stats().Active)

	msgs, err := h.svc.Transcript(ctx, "u1", started.SessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = h.svc.DatasetSummaries("u1", started.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestUserMessageHidesInternals(t *testing.T) {
	t.Parallel()
	err := errors.New("open /var/lib/kily/db: permission denied")
	assert.Equal(t, "Something went wrong. Please try again.", UserMessage(err))
	assert.True(t, Retryable(session.ErrDurableWrite))
	assert.False(t, Retryable(session.ErrNotFound))
}
