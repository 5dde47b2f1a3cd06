package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/audit"
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/gatecheck"
	"gateline/internal/guardrails"
	"gateline/internal/lifecycle"
	"gateline/internal/repo"
)

// IssueCreator is the slice of the GitHub capability used for mirroring
// panel issues out to the review system.
type IssueCreator interface {
	CreateIssue(ctx context.Context, owner, repo, title, body string) (int, error)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Writer
	Timeline   audit.Reader
	Guardrails *guardrails.Evaluator
	Signals    gatecheck.Signals
	GitHub     IssueCreator
	Config     *config.Config
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Audit:      audit.Writer{DB: db},
		Timeline:   audit.Reader{DB: db},
		Guardrails: guardrails.New(func() *config.Config { return cfg }),
		Config:     cfg,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// IssueCreateOptions are parameters for creating an issue.
type IssueCreateOptions struct {
	ID          string
	Title       string
	Description string
	RepoOwner   string
	RepoName    string
	Branch      string
	Actor       string
	ActorType   string
}

func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if opts.Title == "" {
		return domain.Issue{}, errors.New("title is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Title+"|"+now)).String()
	}
	issue := domain.Issue{
		ID:          id,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      string(lifecycle.Created),
		RepoOwner:   opts.RepoOwner,
		RepoName:    opts.RepoName,
		Branch:      opts.Branch,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return domain.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		SubjectID: issue.ID,
		EventType: "issue.created",
		Actor:     opts.Actor,
		ActorType: actorType(opts.ActorType),
		Payload:   audit.Payload{"title": issue.Title, "status": issue.Status},
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return issue, nil
}

// LinkGitHubIssue mirrors the issue into its target repository. The write is
// governed: guardrails preflight runs first and a deny stops the call
// before the external mutation.
func (e Engine) LinkGitHubIssue(ctx context.Context, issueID, actor string) (domain.Issue, guardrails.Decision, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return domain.Issue{}, guardrails.Decision{}, err
	}
	decision := e.Preflight(ctx, "link_github_issue", guardrails.RepoRef{
		Owner: issue.RepoOwner, Repo: issue.RepoName, Branch: issue.Branch,
	}, nil, issueID, actor)
	if decision.Outcome == guardrails.Deny {
		return issue, decision, nil
	}
	if e.GitHub == nil {
		return issue, decision, errors.New("github capability not configured")
	}
	number, err := e.GitHub.CreateIssue(ctx, issue.RepoOwner, issue.RepoName, issue.Title, issue.Description)
	if err != nil {
		return issue, decision, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return issue, decision, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetIssueGitHubNumberTx(ctx, tx, issue.ID, number, now); err != nil {
		return issue, decision, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		SubjectID: issue.ID,
		EventType: "issue.linked",
		Actor:     actor,
		ActorType: "user",
		Payload:   audit.Payload{"github_issue": number, "repo": issue.RepoOwner + "/" + issue.RepoName},
	}); err != nil {
		return issue, decision, err
	}
	if err := tx.Commit(); err != nil {
		return issue, decision, err
	}
	issue.GitHubIssue = &number
	issue.UpdatedAt = now
	return issue, decision, nil
}

func actorType(t string) string {
	if t == "" {
		return "user"
	}
	return t
}
