package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gateline/internal/audit"
	"gateline/internal/lifecycle"
)

// Execution modes for a lifecycle step.
const (
	ModeExecute = "execute"
	ModeDryRun  = "dryRun"
)

// stepDef binds a step name to its single required predecessor state and
// its target. Hold and kill apply from any non-terminal state; resume's
// target is the state the issue was holding from.
type stepDef struct {
	From lifecycle.State
	To   lifecycle.State
}

var stepTable = map[string]stepDef{
	"spec_ready":           {From: lifecycle.Created, To: lifecycle.SpecReady},
	"start_implementation": {From: lifecycle.SpecReady, To: lifecycle.Implementing},
	"verify":               {From: lifecycle.Implementing, To: lifecycle.Verified},
	"merge_ready":          {From: lifecycle.Verified, To: lifecycle.MergeReady},
	"complete":             {From: lifecycle.MergeReady, To: lifecycle.Done},
	"hold":                 {To: lifecycle.Hold},
	"kill":                 {To: lifecycle.Killed},
	"resume":               {From: lifecycle.Hold},
}

// StepNames returns the closed set of step identifiers.
func StepNames() []string {
	return []string{"spec_ready", "start_implementation", "verify", "merge_ready", "complete", "hold", "kill", "resume"}
}

// ErrUnknownStep is returned for a step name outside the closed table.
var ErrUnknownStep = errors.New("unknown step")

// StepRequest describes one invocation of a lifecycle step.
type StepRequest struct {
	IssueID string
	Step    string
	RunID   string
	Actor   string
	// ActorType distinguishes human actors from automated signals.
	ActorType string
	// Source becomes the issue's status_source on mutation ("manual" or
	// "signal").
	Source string
	Mode   string
}

// StepResult is the uniform outcome of a step invocation.
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

// ExecuteStep runs one lifecycle step: load current status, check legality,
// optionally mutate, and always record exactly one audit event for the
// outcome. Everything happens inside a single transaction so a concurrent
// loser observes the committed status and degrades to the no-op path, and a
// failed audit write rolls the mutation back.
func (e Engine) ExecuteStep(ctx context.Context, req StepRequest) (StepResult, error) {
	def, ok := stepTable[req.Step]
	if !ok {
		return StepResult{}, fmt.Errorf("%w: %s", ErrUnknownStep, req.Step)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeExecute
	}
	if mode != ModeExecute && mode != ModeDryRun {
		return StepResult{}, fmt.Errorf("invalid mode %q", req.Mode)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StepResult{}, err
	}
	defer tx.Rollback()

	issue, err := e.Repo.GetIssueTx(ctx, tx, req.IssueID)
	if err != nil {
		// Nothing to attribute an event to.
		return StepResult{}, err
	}
	cur := lifecycle.State(issue.Status)
	res := StepResult{StateBefore: issue.Status, StateAfter: issue.Status, FieldsChanged: []string{}, Mode: mode}

	target := def.To
	if req.Step == "resume" {
		target = lifecycle.State(issue.HeldFrom)
		if target == "" {
			res.Blocked = true
			res.BlockerCode = lifecycle.CodeInvariantViolation
			res.BlockerMessage = "issue has no recorded pre-hold state to resume to"
			return res, e.finishStep(ctx, tx, req, res)
		}
	}

	if !lifecycle.Known(cur) {
		res.Blocked = true
		res.BlockerCode = lifecycle.CodeUnknownState
		res.BlockerMessage = fmt.Sprintf("issue is in unrecognized state %q", issue.Status)
		return res, e.finishStep(ctx, tx, req, res)
	}

	if cur == target {
		// Already there: repeated invocation under at-least-once delivery
		// is a success with no mutation.
		res.Success = true
		return res, e.finishStep(ctx, tx, req, res)
	}

	if def.From != "" && cur != def.From {
		res.Blocked = true
		res.BlockerCode = lifecycle.CodeInvariantViolation
		res.BlockerMessage = fmt.Sprintf("step %s requires state %s, issue is in %s", req.Step, def.From, cur)
		return res, e.finishStep(ctx, tx, req, res)
	}
	if err := lifecycle.CheckTransition(cur, target); err != nil {
		var te *lifecycle.TransitionError
		res.Blocked = true
		if errors.As(err, &te) {
			res.BlockerCode = te.Code
		} else {
			res.BlockerCode = lifecycle.CodeInvariantViolation
		}
		res.BlockerMessage = err.Error()
		return res, e.finishStep(ctx, tx, req, res)
	}

	res.Success = true
	res.StateAfter = string(target)
	if mode == ModeDryRun {
		return res, e.finishStep(ctx, tx, req, res)
	}

	now := e.now().UTC().Format(time.RFC3339)
	source := req.Source
	if source == "" {
		source = "manual"
	}
	heldFrom := ""
	if target == lifecycle.Hold {
		heldFrom = string(cur)
	}
	var completedAt *string
	if target == lifecycle.Done {
		completedAt = &now
	} else {
		completedAt = issueCompletedAt(issue.CompletedAt)
	}
	if err := e.Repo.SetIssueStatusTx(ctx, tx, issue.ID, string(target), source, heldFrom, now, completedAt); err != nil {
		return StepResult{}, err
	}
	res.FieldsChanged = []string{"status"}
	return res, e.finishStep(ctx, tx, req, res)
}

func issueCompletedAt(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}

// finishStep appends the single audit event for the outcome and commits.
// The caller's deferred rollback covers the error paths, so a failed audit
// append undoes the status write too.
func (e Engine) finishStep(ctx context.Context, tx *sql.Tx, req StepRequest, res StepResult) error {
	payload := audit.Payload{
		"step":         req.Step,
		"state_before": res.StateBefore,
		"state_after":  res.StateAfter,
		"blocked":      res.Blocked,
		"mode":         res.Mode,
		"no_op":        res.Success && len(res.FieldsChanged) == 0 && res.Mode == ModeExecute && res.StateBefore == res.StateAfter,
	}
	if res.BlockerCode != "" {
		payload["blocker_code"] = res.BlockerCode
	}
	if req.RunID != "" {
		payload["run_id"] = req.RunID
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		SubjectID: req.IssueID,
		EventType: "step." + req.Step,
		Actor:     req.Actor,
		ActorType: actorType(req.ActorType),
		Payload:   payload,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
