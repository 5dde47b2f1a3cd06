package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/audit"
	"gateline/internal/domain"
	"gateline/internal/repo"
)

// Run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// CreateRun registers a queued implementation run against an issue.
func (e Engine) CreateRun(ctx context.Context, issueID, actor string) (domain.Run, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return domain.Run{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        uuid.New().String(),
		IssueID:   issue.ID,
		Status:    RunQueued,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		SubjectID: issue.ID,
		EventType: "run.created",
		Actor:     actor,
		ActorType: "user",
		Payload:   audit.Payload{"run_id": run.ID, "status": run.Status},
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// HandleRunStarted moves a run to running and advances the owning issue
// into implementation. The run fact and the lifecycle step are separate
// timeline events; the step carries the run id so the two correlate.
func (e Engine) HandleRunStarted(ctx context.Context, runID string) (StepResult, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StepResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRunStatusTx(ctx, tx, run.ID, RunRunning, &now, nil); err != nil {
		return StepResult{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		SubjectID: run.IssueID,
		EventType: "run.started",
		Actor:     "runner",
		ActorType: "system",
		Payload:   audit.Payload{"run_id": run.ID},
	}); err != nil {
		return StepResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StepResult{}, err
	}
	return e.ExecuteStep(ctx, StepRequest{
		IssueID:   run.IssueID,
		Step:      "start_implementation",
		RunID:     run.ID,
		Actor:     "runner",
		ActorType: "system",
		Source:    "signal",
		Mode:      ModeExecute,
	})
}

// HandleRunFinished records the run outcome. A successful run advances the
// issue to verified; a failed run only records the fact and leaves the
// lifecycle where it is.
func (e Engine) HandleRunFinished(ctx context.Context, runID string, success bool) (StepResult, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}
	status := RunSucceeded
	if !success {
		status = RunFailed
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StepResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRunStatusTx(ctx, tx, run.ID, status, nil, &now); err != nil {
		return StepResult{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		SubjectID: run.IssueID,
		EventType: "run.finished",
		Actor:     "runner",
		ActorType: "system",
		Payload:   audit.Payload{"run_id": run.ID, "status": status},
	}); err != nil {
		return StepResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StepResult{}, err
	}
	if !success {
		return StepResult{}, nil
	}
	return e.ExecuteStep(ctx, StepRequest{
		IssueID:   run.IssueID,
		Step:      "verify",
		RunID:     run.ID,
		Actor:     "runner",
		ActorType: "system",
		Source:    "signal",
		Mode:      ModeExecute,
	})
}

// GateRunKey derives the stable identity of a remediation attempt. Two
// requests with the same incident, action, and canonical inputs always
// collapse onto one key.
func GateRunKey(incidentKey, actionID, inputsHash string) string {
	sum := sha256.Sum256([]byte(incidentKey + "|" + actionID + "|" + inputsHash))
	return hex.EncodeToString(sum[:])
}

// CreateGateRun registers a gated remediation attempt, collapsing retries
// of the same attempt onto the original row. Inputs are canonicalized
// before hashing so key ordering in the request cannot split identities.
func (e Engine) CreateGateRun(ctx context.Context, incidentKey, actionID string, inputs map[string]any) (domain.GateRun, bool, error) {
	canon, err := audit.Canonicalize(inputs)
	if err != nil {
		return domain.GateRun{}, false, fmt.Errorf("canonicalize inputs: %w", err)
	}
	inputsSum := sha256.Sum256(canon)
	inputsHash := hex.EncodeToString(inputsSum[:])
	runKey := GateRunKey(incidentKey, actionID, inputsHash)

	if existing, err := e.Repo.GetGateRunByKey(ctx, runKey); err == nil {
		return existing, false, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	g := domain.GateRun{
		ID:          uuid.New().String(),
		RunKey:      runKey,
		IncidentKey: incidentKey,
		ActionID:    actionID,
		InputsHash:  inputsHash,
		InputsJSON:  string(canon),
		Status:      "pending",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertGateRun(ctx, g); err != nil {
		if repo.IsUniqueViolation(err) {
			existing, ferr := e.Repo.GetGateRunByKey(ctx, runKey)
			if ferr != nil {
				return domain.GateRun{}, false, ferr
			}
			return existing, false, nil
		}
		return domain.GateRun{}, false, err
	}
	return g, true, nil
}
