package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gateline/internal/audit"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/gatecheck"
	"gateline/internal/guardrails"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Config *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("panel-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Audit.Now = eng.Now
	return &testEnv{Engine: eng, Ctx: context.Background(), Config: cfg}
}

func (env *testEnv) createIssue(t *testing.T, title string) domain.Issue {
	t.Helper()
	issue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Title:     title,
		RepoOwner: "acme",
		RepoName:  "widgets",
		Branch:    "main",
		Actor:     "tester",
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	return issue
}

func (env *testEnv) events(t *testing.T, issueID, eventType string) []domain.AuditEvent {
	t.Helper()
	events, _, err := env.Engine.Timeline.List(env.Ctx, audit.Filter{SubjectID: issueID, EventType: eventType})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return events
}

func TestCreateIssueRecordsTimeline(t *testing.T) {
	env := newTestEnv(t)
	issue := env.createIssue(t, "Ship the widget")
	if issue.Status != "CREATED" {
		t.Fatalf("status = %q, want CREATED", issue.Status)
	}
	got, err := env.Engine.Repo.GetIssue(env.Ctx, issue.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Title != "Ship the widget" {
		t.Fatalf("title = %q", got.Title)
	}
	events := env.events(t, issue.ID, "issue.created")
	if len(events) != 1 {
		t.Fatalf("issue.created events = %d, want 1", len(events))
	}
	if events[0].PayloadHash == "" {
		t.Fatalf("event missing payload hash")
	}
}

func TestCreateIssueRequiresTitle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Actor: "tester"}); err == nil {
		t.Fatalf("expected error for empty title")
	}
}

type fakeIssueCreator struct {
	number int
	calls  int
	err    error
}

func (f *fakeIssueCreator) CreateIssue(ctx context.Context, owner, repo, title, body string) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.number, nil
}

func TestLinkGitHubIssueDeniedByGuardrails(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Guardrails.Enabled = true
	env.Engine.Guardrails.Invalidate()
	creator := &fakeIssueCreator{number: 7}
	env.Engine.GitHub = creator

	issue := env.createIssue(t, "Governed write")
	_, decision, err := env.Engine.LinkGitHubIssue(env.Ctx, issue.ID, "tester")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if decision.Outcome != guardrails.Deny || decision.Code != guardrails.CodeRepoNotAllowed {
		t.Fatalf("decision = %+v, want deny REPO_NOT_ALLOWED", decision)
	}
	if creator.calls != 0 {
		t.Fatalf("github called %d times despite deny", creator.calls)
	}
	if events := env.events(t, issue.ID, "guardrails.preflight"); len(events) != 1 {
		t.Fatalf("preflight events = %d, want 1", len(events))
	}
}

func TestLinkGitHubIssueAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Guardrails.Enabled = true
	env.Config.Guardrails.Allowlist = []config.RepoEntry{{Owner: "acme", Repo: "widgets", Branch: "main"}}
	env.Engine.Guardrails.Invalidate()
	env.Engine.Guardrails.WithEnv(func(string) (string, bool) { return "set", true })
	creator := &fakeIssueCreator{number: 42}
	env.Engine.GitHub = creator

	issue := env.createIssue(t, "Governed write")
	linked, decision, err := env.Engine.LinkGitHubIssue(env.Ctx, issue.ID, "tester")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if decision.Outcome != guardrails.Allow {
		t.Fatalf("decision = %+v, want allow", decision)
	}
	if linked.GitHubIssue == nil || *linked.GitHubIssue != 42 {
		t.Fatalf("github issue = %v, want 42", linked.GitHubIssue)
	}
	if events := env.events(t, issue.ID, "issue.linked"); len(events) != 1 {
		t.Fatalf("issue.linked events = %d, want 1", len(events))
	}
}

func TestLinkGitHubIssueMissingIssue(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.LinkGitHubIssue(env.Ctx, "nope", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// fakeSignals feeds canned review and check data into gate evaluation.
type fakeSignals struct {
	reviews   []gatecheck.Review
	reviewErr error
	snapshot  *gatecheck.CheckSnapshot
	snapErr   error
}

func (f fakeSignals) FetchReviews(ctx context.Context, owner, repo string, pr int) ([]gatecheck.Review, error) {
	return f.reviews, f.reviewErr
}

func (f fakeSignals) FetchCheckSnapshot(ctx context.Context, owner, repo, ref string) (*gatecheck.CheckSnapshot, error) {
	return f.snapshot, f.snapErr
}
