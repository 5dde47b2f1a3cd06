package gatelinesdk

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
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Issue represents the API issue model (partial).
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	RepoOwner   string `json:"repo_owner,omitempty"`
	RepoName    string `json:"repo_name,omitempty"`
	Branch      string `json:"branch,omitempty"`
	PRNumber    *int   `json:"pr_number,omitempty"`
	GitHubIssue *int   `json:"github_issue,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// StepResult is the outcome of a lifecycle step.
type StepResult struct {
	Success        bool     `json:"success"`
	Blocked        bool     `json:"blocked"`
	StateBefore    string   `json:"stateBefore"`
	StateAfter     string   `json:"stateAfter"`
	FieldsChanged  []string `json:"fieldsChanged"`
	BlockerCode    string   `json:"blockerCode,omitempty"`
	BlockerMessage string   `json:"blockerMessage,omitempty"`
	Mode           string   `json:"mode"`
}

// GateDecision is the merge gate verdict with both sub-statuses.
type GateDecision struct {
	Verdict      string `json:"verdict"`
	BlockReason  string `json:"blockReason,omitempty"`
	BlockMessage string `json:"blockMessage,omitempty"`
	ReviewStatus string `json:"reviewStatus"`
	ChecksStatus string `json:"checksStatus"`
}

// TimelineEvent is one audit log entry.
type TimelineEvent struct {
	ID          int64          `json:"id"`
	SubjectID   string         `json:"subject_id"`
	EventType   string         `json:"event_type"`
	OccurredAt  string         `json:"occurred_at"`
	Actor       string         `json:"actor"`
	ActorType   string         `json:"actor_type"`
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
}

// Timeline wraps a timeline page with its filter-wide total.
type Timeline struct {
	Items []TimelineEvent `json:"items"`
	Total int             `json:"total"`
}

// GateRun is a gated remediation attempt.
type GateRun struct {
	ID          string `json:"id"`
	RunKey      string `json:"run_key"`
	IncidentKey string `json:"incident_key"`
	ActionID    string `json:"action_id"`
	InputsHash  string `json:"inputs_hash"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	Created     bool   `json:"created"`
}

// PreflightResult reports the guardrail outcome for an intended operation.
type PreflightResult struct {
	Allowed       bool
	Noop          bool
	RequestID     string
	Checks        []string
	DenyCode      string
	MissingConfig []string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIssue creates an issue.
func (c *Client) CreateIssue(ctx context.Context, title, repoOwner, repoName, branch string) (Issue, error) {
	body := map[string]any{
		"title":      title,
		"repo_owner": repoOwner,
		"repo_name":  repoName,
		"branch":     branch,
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues", body, &resp)
	return resp, err
}

// GetIssue fetches one issue.
func (c *Client) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, "v0/issues/"+url.PathEscape(issueID), nil, &resp)
	return resp, err
}

// ExecuteStep runs a lifecycle step. A blocked step is a successful HTTP
// call; inspect the result's Blocked field.
func (c *Client) ExecuteStep(ctx context.Context, issueID, step string, dryRun bool) (StepResult, error) {
	body := map[string]any{}
	if dryRun {
		body["dry_run"] = true
	}
	endpoint := fmt.Sprintf("v0/issues/%s/steps/%s", url.PathEscape(issueID), url.PathEscape(step))
	var resp StepResult
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// EvaluateGate evaluates the merge gate without advancing the issue.
func (c *Client) EvaluateGate(ctx context.Context, issueID string) (GateDecision, error) {
	var resp GateDecision
	err := c.do(ctx, http.MethodGet, "v0/issues/"+url.PathEscape(issueID)+"/gate", nil, &resp)
	return resp, err
}

// IssueTimeline fetches a page of the issue's audit timeline.
func (c *Client) IssueTimeline(ctx context.Context, issueID string, limit, offset int) (Timeline, error) {
	endpoint := fmt.Sprintf("v0/issues/%s/timeline?limit=%d&offset=%d", url.PathEscape(issueID), limit, offset)
	var resp Timeline
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateGateRun registers a remediation attempt. Identical retries return
// the original run with Created false.
func (c *Client) CreateGateRun(ctx context.Context, incidentKey, actionID string, inputs map[string]any) (GateRun, error) {
	body := map[string]any{
		"incident_key": incidentKey,
		"action_id":    actionID,
		"inputs":       inputs,
	}
	var resp GateRun
	err := c.do(ctx, http.MethodPost, "v0/gate-runs", body, &resp)
	return resp, err
}

// Preflight asks the guardrail layer whether an operation may proceed.
func (c *Client) Preflight(ctx context.Context, operation, owner, repo, branch string, requiredConfig []string) (PreflightResult, error) {
	body := map[string]any{
		"operation": operation,
		"repo": map[string]string{
			"owner":  owner,
			"repo":   repo,
			"branch": branch,
		},
	}
	if len(requiredConfig) > 0 {
		body["required_config"] = requiredConfig
	}
	resp, raw, err := c.doRaw(ctx, http.MethodPost, "v0/preflight", body)
	if err != nil {
		return PreflightResult{}, err
	}
	res := PreflightResult{RequestID: resp.Header.Get("X-Request-Id")}
	if mc := resp.Header.Get("X-Guardrail-Missing-Config"); mc != "" {
		res.MissingConfig = strings.Split(mc, ",")
	}
	switch resp.StatusCode {
	case http.StatusNoContent:
		res.Noop = true
		res.Allowed = true
	case http.StatusOK:
		var ok struct {
			Allowed bool     `json:"allowed"`
			Checks  []string `json:"checks"`
		}
		if err := json.Unmarshal(raw, &ok); err != nil {
			return res, err
		}
		res.Allowed = ok.Allowed
		res.Checks = ok.Checks
	case http.StatusConflict:
		var deny struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &deny); err != nil {
			return res, err
		}
		res.DenyCode = deny.Error.Code
	default:
		return res, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return res, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	resp, raw, err := c.doRaw(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body any) (*http.Response, []byte, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, raw, nil
}
