package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"gateline/internal/audit"
	"gateline/internal/engine"
	"gateline/internal/gatecheck"
	"gateline/internal/guardrails"
	"gateline/internal/repo"
)

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Create issue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.IssueCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			RepoOwner:   stringOrEmpty(input.Body.RepoOwner),
			RepoName:    stringOrEmpty(input.Body.RepoName),
			Branch:      stringOrEmpty(input.Body.Branch),
			Actor:       actorID,
		}
		issue, err := e.CreateIssue(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedIssues `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 100 {
			limit = 50
		}
		filters := repo.IssueFilters{Status: input.Status, Limit: limit + 1}
		if input.Cursor != "" {
			createdAt, id, ok := strings.Cut(input.Cursor, "|")
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := e.Repo.ListIssues(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		var next *string
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			cursor := last.CreatedAt + "|" + last.ID
			next = &cursor
		}
		return &struct {
			Body paginatedIssues `json:"body"`
		}{Body: paginatedIssues{Items: mapIssues(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		issue, err := e.Repo.GetIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-issue-pr",
		Method:      http.MethodPut,
		Path:        "/issues/{issue_id}/pr",
		Summary:     "Attach pull request",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string       `path:"issue_id"`
		Body    SetPRRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if input.Body.PRNumber <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "pr_number is required", nil)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if e.Now != nil {
			now = e.Now().UTC().Format(time.RFC3339)
		}
		if err := e.Repo.SetIssuePRNumber(ctx, input.IssueID, input.Body.PRNumber, now); err != nil {
			return nil, handleError(err)
		}
		issue, err := e.Repo.GetIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-github-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/github",
		Summary:     "Mirror issue to GitHub",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, decision, err := e.LinkGitHubIssue(ctx, input.IssueID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if decision.Outcome == guardrails.Deny {
			return nil, guardrailError(decision)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-step",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/steps/{step}",
		Summary:     "Execute lifecycle step",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		IssueID string   `path:"issue_id"`
		Step    string   `path:"step"`
		Body    StepBody `json:"body,omitempty"`
	}) (*struct {
		Body engine.StepResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := engine.StepRequest{
			IssueID: input.IssueID,
			Step:    input.Step,
			RunID:   stringOrEmpty(input.Body.RunID),
			Actor:   actorID,
			Source:  stringOrEmpty(input.Body.Source),
		}
		if input.Body.DryRun {
			req.Mode = engine.ModeDryRun
		}
		res, err := e.ExecuteStep(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/issues/{issue_id}/runs",
		Summary:       "Queue implementation run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.CreateRun(ctx, input.IssueID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRuns(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RunResponse, 0, len(items))
		for _, r := range items {
			res = append(res, runResponse(r))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-started",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/started",
		Summary:     "Signal run started",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body engine.StepResult `json:"body"`
	}, error) {
		res, err := e.HandleRunStarted(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StepResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-finished",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/finished",
		Summary:     "Signal run finished",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RunID string             `path:"run_id"`
		Body  RunFinishedRequest `json:"body"`
	}) (*struct {
		Body engine.StepResult `json:"body"`
	}, error) {
		res, err := e.HandleRunFinished(ctx, input.RunID, input.Body.Success)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerGate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-gate",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/gate",
		Summary:     "Evaluate merge gate",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body gatecheck.Decision `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decision, err := e.EvaluateGate(ctx, input.IssueID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body gatecheck.Decision `json:"body"`
		}{Body: decision}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-ready",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/merge-ready",
		Summary:     "Advance to merge ready behind the gate",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body MergeReadyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.AdvanceMergeReady(ctx, engine.StepRequest{IssueID: input.IssueID, Actor: actorID}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MergeReadyResponse `json:"body"`
		}{Body: MergeReadyResponse{Gate: out.Gate, Step: out.Step}}, nil
	})
}

func registerTimeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-timeline",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/timeline",
		Summary:     "Issue timeline",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID   string `path:"issue_id"`
		EventType string `query:"event_type"`
		Limit     int    `query:"limit"`
		Offset    int    `query:"offset"`
	}) (*struct {
		Body paginatedTimeline `json:"body"`
	}, error) {
		if _, err := e.Repo.GetIssue(ctx, input.IssueID); err != nil {
			return nil, handleError(err)
		}
		events, total, err := e.Timeline.List(ctx, audit.Filter{
			SubjectID: input.IssueID,
			EventType: input.EventType,
			Limit:     input.Limit,
			Offset:    input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]TimelineEventResponse, 0, len(events))
		for _, e := range events {
			items = append(items, timelineResponse(e))
		}
		return &struct {
			Body paginatedTimeline `json:"body"`
		}{Body: paginatedTimeline{Items: items, Total: total}}, nil
	})
}

func registerGateRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-gate-run",
		Method:        http.MethodPost,
		Path:          "/gate-runs",
		Summary:       "Register a gated remediation run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateGateRunRequest `json:"body"`
	}) (*struct {
		Status int
		Body   GateRunResponse `json:"body"`
	}, error) {
		if input.Body.IncidentKey == "" || input.Body.ActionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "incident_key and action_id are required", nil)
		}
		g, created, err := e.CreateGateRun(ctx, input.Body.IncidentKey, input.Body.ActionID, input.Body.Inputs)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		return &struct {
			Status int
			Body   GateRunResponse `json:"body"`
		}{Status: status, Body: gateRunResponse(g, created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gate-runs",
		Method:      http.MethodGet,
		Path:        "/gate-runs",
		Summary:     "List gate runs",
	}, func(ctx context.Context, input *struct {
		IncidentKey string `query:"incident_key"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []GateRunResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListGateRuns(ctx, input.IncidentKey, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]GateRunResponse, 0, len(items))
		for _, g := range items {
			res = append(res, gateRunResponse(g, false))
		}
		return &struct {
			Body []GateRunResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reload-guardrails",
		Method:      http.MethodPost,
		Path:        "/admin/guardrails/reload",
		Summary:     "Drop the cached guardrail policy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		e.Guardrails.Invalidate()
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "reloaded"}}, nil
	})
}
