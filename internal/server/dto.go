package server

import (
	"encoding/json"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/gatecheck"
)

type CreateIssueRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	RepoOwner   *string `json:"repo_owner,omitempty"`
	RepoName    *string `json:"repo_name,omitempty"`
	Branch      *string `json:"branch,omitempty"`
}

type StepBody struct {
	RunID  *string `json:"run_id,omitempty"`
	Source *string `json:"source,omitempty" enum:"manual,signal"`
	DryRun bool    `json:"dry_run,omitempty"`
}

type SetPRRequest struct {
	PRNumber int `json:"pr_number" minimum:"1"`
}

type RunFinishedRequest struct {
	Success bool `json:"success"`
}

type CreateGateRunRequest struct {
	IncidentKey string         `json:"incident_key"`
	ActionID    string         `json:"action_id"`
	Inputs      map[string]any `json:"inputs,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type PreflightRequest struct {
	Operation      string             `json:"operation"`
	Repo           guardrailsRepoBody `json:"repo"`
	RequiredConfig []string           `json:"required_config,omitempty"`
	SubjectID      string             `json:"subject_id,omitempty"`
}

type guardrailsRepoBody struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

type IssueResponse struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Status       string  `json:"status"`
	StatusSource string  `json:"status_source,omitempty"`
	HeldFrom     string  `json:"held_from,omitempty"`
	RepoOwner    string  `json:"repo_owner,omitempty"`
	RepoName     string  `json:"repo_name,omitempty"`
	Branch       string  `json:"branch,omitempty"`
	PRNumber     *int    `json:"pr_number,omitempty"`
	GitHubIssue  *int    `json:"github_issue,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

type RunResponse struct {
	ID         string  `json:"id"`
	IssueID    string  `json:"issue_id"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

type TimelineEventResponse struct {
	ID          int64          `json:"id"`
	SubjectID   string         `json:"subject_id"`
	EventType   string         `json:"event_type"`
	OccurredAt  string         `json:"occurred_at"`
	Actor       string         `json:"actor"`
	ActorType   string         `json:"actor_type"`
	Payload     map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
	PayloadHash string         `json:"payload_hash"`
}

type GateRunResponse struct {
	ID          string  `json:"id"`
	RunKey      string  `json:"run_key"`
	IncidentKey string  `json:"incident_key"`
	ActionID    string  `json:"action_id"`
	InputsHash  string  `json:"inputs_hash"`
	Status      string  `json:"status"`
	Result      *string `json:"result,omitempty"`
	CreatedAt   string  `json:"created_at"`
	Created     bool    `json:"created"`
}

type MergeReadyResponse struct {
	Gate gatecheck.Decision `json:"gate"`
	Step *engine.StepResult `json:"step,omitempty"`
}

type paginatedIssues struct {
	Items      []IssueResponse `json:"items"`
	NextCursor *string         `json:"next_cursor,omitempty"`
}

type paginatedTimeline struct {
	Items []TimelineEventResponse `json:"items"`
	Total int                     `json:"total"`
}

func issueResponse(i domain.Issue) IssueResponse {
	return IssueResponse(i)
}

func mapIssues(items []domain.Issue) []IssueResponse {
	res := make([]IssueResponse, 0, len(items))
	for _, i := range items {
		res = append(res, issueResponse(i))
	}
	return res
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse(r)
}

func timelineResponse(e domain.AuditEvent) TimelineEventResponse {
	var payload map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return TimelineEventResponse{
		ID:          e.ID,
		SubjectID:   e.SubjectID,
		EventType:   e.EventType,
		OccurredAt:  e.OccurredAt,
		Actor:       e.Actor,
		ActorType:   e.ActorType,
		Payload:     payload,
		PayloadHash: e.PayloadHash,
	}
}

func gateRunResponse(g domain.GateRun, created bool) GateRunResponse {
	return GateRunResponse{
		ID:          g.ID,
		RunKey:      g.RunKey,
		IncidentKey: g.IncidentKey,
		ActionID:    g.ActionID,
		InputsHash:  g.InputsHash,
		Status:      g.Status,
		Result:      g.Result,
		CreatedAt:   g.CreatedAt,
		Created:     created,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
