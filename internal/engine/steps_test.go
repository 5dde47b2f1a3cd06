package engine_test

import (
	"errors"
	"testing"

	"gateline/internal/engine"
	"gateline/internal/lifecycle"
	"gateline/internal/repo"
)

func (env *testEnv) step(t *testing.T, issueID, step string) engine.StepResult {
	t.Helper()
	res, err := env.Engine.ExecuteStep(env.Ctx, engine.StepRequest{
		IssueID: issueID, Step: step, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("step %s: %v", step, err)
	}
	return res
}

func TestStepForwardPath(t *testing.T) {
	env := newTestEnv(t)
	issue := env.createIssue(t, "walk")
	for _, step := range []string{"spec_ready", "start_implementation", "verify", "merge_ready", "complete"} {
		res := env.step(t, issue.ID, step)
		if !res.Success || res.Blocked {
			t.Fatalf("step %s: %+v", step, res)
		}
		if len(res.FieldsChanged) != 1 || res.FieldsChanged[0] != "status" {
			t.Fatalf("step %s fieldsChanged = %v", step, res.FieldsChanged)
		}
	}
	got, err := env.Engine.Repo.GetIssue(env.Ctx, issue.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "DONE" {
		t.Fatalf("status = %s, want DONE", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set on DONE")
	}
}

func TestStepSkipBlocked(t *testing.T) {
	env := newTestEnv(t)
	issue := env.createIssue(t, "skip")
	res := env.step(t, issue.ID, "verify")
	if !res.Blocked || res.BlockerCode != lifecycle.CodeInvariantViolation {
		t.Fatalf("res = %+v, want INVARIANT_VIOLATION", res)
	}
	if res.StateAfter != "CREATED" {
		t.Fatalf("stateAfter = %s, state mutated on block", res.StateAfter)
	}
	got, _ := env.Engine.Repo.GetIssue(env.Ctx, issue.ID)
	if got.Status != "CREATED" {
		t.Fatalf("status = %s, blocked step mutated", got.Status)
	}
}

func TestStepNoOpRepeat(t *testing.T) {
	env := newTestEnv(t)
	issue := env.createIssue(t, "repeat")
	env.step(t, issue.ID, "spec_ready")
	res := env.step(t, issue.ID, "spec_ready")
	if !res.Success || res.Blocked {
		t.Fatalf("repeat should be a no-op success: %+v", res)
	}
	if len(res.FieldsChanged) != 0 {
		t.Fatalf("fieldsChanged = %v on a no-op", res.FieldsChanged)
	}
	// each invocation still records its own event
	if events := env.events(t, issue.ID, "step.spec_ready"); len(events) != 2 {
		t.Fatalf("step.spec_ready events = %d, want 2", len(events))
	}
}

func TestStepDryRunDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	issue := env.createIssue(t, "dry")
	res, err := env.Engine.ExecuteStep(env.Ctx, engine.StepRequest{
		IssueID: issue.ID, Step: "spec_ready", Actor: "tester", Mode: engine.ModeDryRun,
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.Success || res.StateAfter != "SPEC_READY" || res.Mode != engine.ModeDryRun {
		t.Fatalf("res = %+v", res)
	}
	got, _ := env.Engine.Repo.GetIssue(env.Ctx, issue.ID)
	if got.Status != "CREATED" {
		t.Fatalf("dry run mutated status to %s", got.Status)
	}
	if events := env.events(t, issue.ID, "step.spec_ready"); len(events) != 1 {
		t.Fatalf("dry run events = %d, want 1", len(events))
	}
}

func TestStepHoldAndResume(t *testing.T) {
	env := newTestEnv(t)
	issue := env.createIssue(t, "hold")
	env.step(t, issue.ID, "spec_ready")
	env.step(t, issue.ID, "start_implementation")

	res := env.step(t, issue.ID, "hold")
	if !res.Success || res.StateAfter != "HOLD" {
		t.Fatalf("hold: %+v", res)
	}
	got, _ := env.Engine.Repo.GetIssue(env.Ctx, issue.ID)
	if got.HeldFrom != "IMPLEMENTING" {
		t.Fatalf("held_from = %q", got.HeldFrom)
	}

	res = env.step(t, issue.ID, "resume")
	if !res.Success || res.StateAfter != "IMPLEMENTING" {
		t.Fatalf("resume: %+v", res)
	}
}

func TestStepKillIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	issue := env.createIssue(t, "kill")
	res := env.step(t, issue.ID, "kill")
	if !res.Success || res.StateAfter != "KILLED" {
		t.Fatalf("kill: %+v", res)
	}
	res = env.step(t, issue.ID, "spec_ready")
	if !res.Blocked || res.BlockerCode != lifecycle.CodeInvariantViolation {
		t.Fatalf("step out of KILLED: %+v", res)
	}
	// kill again: issue already at target, so a repeat is the no-op path
	res = env.step(t, issue.ID, "kill")
	if !res.Success || len(res.FieldsChanged) != 0 {
		t.Fatalf("repeat kill: %+v", res)
	}
}

func TestStepAuditFailureRollsBackStatus(t *testing.T) {
	env := newTestEnv(t)
	issue := env.createIssue(t, "atomic")
	if _, err := env.Engine.DB.Exec(`ALTER TABLE audit_events RENAME TO audit_events_hidden`); err != nil {
		t.Fatalf("hide audit table: %v", err)
	}
	_, err := env.Engine.ExecuteStep(env.Ctx, engine.StepRequest{
		IssueID: issue.ID, Step: "spec_ready", Actor: "tester",
	})
	if err == nil {
		t.Fatalf("expected error when the timeline write fails")
	}
	if _, err := env.Engine.DB.Exec(`ALTER TABLE audit_events_hidden RENAME TO audit_events`); err != nil {
		t.Fatalf("restore audit table: %v", err)
	}
	// the status change must not outlive its timeline record
	got, _ := env.Engine.Repo.GetIssue(env.Ctx, issue.ID)
	if got.Status != "CREATED" {
		t.Fatalf("status = %s, mutation survived a failed audit write", got.Status)
	}
	if events := env.events(t, issue.ID, "step.spec_ready"); len(events) != 0 {
		t.Fatalf("step.spec_ready events = %d, want 0", len(events))
	}
}

func TestStepUnknownStateBlocked(t *testing.T) {
	env := newTestEnv(t)
	issue := env.createIssue(t, "corrupt")
	if _, err := env.Engine.DB.Exec(`UPDATE issues SET status='LIMBO' WHERE id=?`, issue.ID); err != nil {
		t.Fatalf("corrupt status: %v", err)
	}
	res := env.step(t, issue.ID, "spec_ready")
	if !res.Blocked || res.BlockerCode != lifecycle.CodeUnknownState {
		t.Fatalf("res = %+v, want UNKNOWN_STATE", res)
	}
}

func TestStepMissingIssue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ExecuteStep(env.Ctx, engine.StepRequest{IssueID: "ghost", Step: "spec_ready"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if events := env.events(t, "ghost", ""); len(events) != 0 {
		t.Fatalf("events for missing issue = %d, want 0", len(events))
	}
}

func TestStepUnknownName(t *testing.T) {
	env := newTestEnv(t)
	issue := env.createIssue(t, "bad step")
	if _, err := env.Engine.ExecuteStep(env.Ctx, engine.StepRequest{IssueID: issue.ID, Step: "teleport"}); !errors.Is(err, engine.ErrUnknownStep) {
		t.Fatalf("err = %v, want ErrUnknownStep", err)
	}
}
