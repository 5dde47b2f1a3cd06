// Package github adapts the GitHub REST API to the signal and issue
// capabilities the orchestration core consumes.
package github

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"gateline/internal/gatecheck"
)

type Client struct {
	api *gh.Client
}

// New creates an authenticated client. An empty token is rejected up front
// so a misconfigured deployment fails at startup, not mid-request.
func New(ctx context.Context, token string) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &Client{api: gh.NewClient(tc)}, nil
}

// FetchReviews returns the full review history for a pull request. No
// internal retries; the caller owns retry policy.
func (c *Client) FetchReviews(ctx context.Context, owner, repo string, prNumber int) ([]gatecheck.Review, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var out []gatecheck.Review
	for {
		reviews, resp, err := c.api.PullRequests.ListReviews(ctx, owner, repo, prNumber, opts)
		if err != nil {
			return nil, fmt.Errorf("list reviews for %s/%s#%d: %w", owner, repo, prNumber, err)
		}
		for _, rv := range reviews {
			item := gatecheck.Review{State: rv.GetState()}
			if u := rv.GetUser(); u != nil {
				item.Reviewer = u.GetLogin()
			}
			item.SubmittedAt = rv.GetSubmittedAt().Time
			out = append(out, item)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// FetchCheckSnapshot counts check runs for a ref. A missing ref yields a
// nil snapshot, which the gate evaluator treats as SNAPSHOT_NOT_FOUND.
func (c *Client) FetchCheckSnapshot(ctx context.Context, owner, repo, ref string) (*gatecheck.CheckSnapshot, error) {
	if ref == "" {
		return nil, nil
	}
	opts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	snapshot := &gatecheck.CheckSnapshot{}
	for {
		result, resp, err := c.api.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
		if err != nil {
			return nil, fmt.Errorf("list check runs for %s/%s@%s: %w", owner, repo, ref, err)
		}
		for _, cr := range result.CheckRuns {
			snapshot.Total++
			switch cr.GetStatus() {
			case "completed":
				switch cr.GetConclusion() {
				case "success", "neutral", "skipped":
				default:
					snapshot.Failed++
				}
			default:
				snapshot.Pending++
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return snapshot, nil
}

// CreateIssue mirrors a panel issue into the target repository and returns
// the created issue number.
func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string) (int, error) {
	req := &gh.IssueRequest{Title: gh.String(title)}
	if body != "" {
		req.Body = gh.String(body)
	}
	issue, _, err := c.api.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return 0, fmt.Errorf("create issue in %s/%s: %w", owner, repo, err)
	}
	return issue.GetNumber(), nil
}

var _ gatecheck.Signals = (*Client)(nil)
