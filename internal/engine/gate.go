package engine

import (
	"context"
	"errors"

	"gateline/internal/audit"
	"gateline/internal/gatecheck"
	"gateline/internal/lifecycle"
)

// EvaluateGate fetches both external signals for the issue's pull request
// and folds them into a single verdict. Signal failures resolve to FAIL
// verdicts, never to errors, and the evaluation is recorded on the
// timeline since a failed gate is itself an auditable fact.
func (e Engine) EvaluateGate(ctx context.Context, issueID, actor string) (gatecheck.Decision, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return gatecheck.Decision{}, err
	}

	var (
		review    = gatecheck.ReviewUnknown
		reviewErr error
		snapshot  *gatecheck.CheckSnapshot
	)
	if e.Signals == nil {
		reviewErr = errors.New("review signal capability not configured")
	} else if issue.PRNumber == nil {
		reviewErr = errors.New("issue has no linked pull request")
	} else {
		reviews, err := e.Signals.FetchReviews(ctx, issue.RepoOwner, issue.RepoName, *issue.PRNumber)
		if err != nil {
			reviewErr = err
		} else {
			review = gatecheck.ClassifyReviews(reviews)
		}
		snapshot, err = e.Signals.FetchCheckSnapshot(ctx, issue.RepoOwner, issue.RepoName, issue.Branch)
		if err != nil {
			// Missing snapshot already fails closed; the fetch error only
			// changes which reason the decision carries.
			snapshot = nil
		}
	}
	decision := gatecheck.Evaluate(review, reviewErr, snapshot)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return decision, err
	}
	defer tx.Rollback()
	payload := audit.Payload{
		"verdict":       string(decision.Verdict),
		"review_status": string(decision.ReviewStatus),
		"checks_status": string(decision.ChecksStatus),
	}
	if decision.BlockReason != "" {
		payload["block_reason"] = decision.BlockReason
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		SubjectID: issue.ID,
		EventType: "gate.evaluated",
		Actor:     actor,
		ActorType: "user",
		Payload:   payload,
	}); err != nil {
		return decision, err
	}
	if err := tx.Commit(); err != nil {
		return decision, err
	}
	return decision, nil
}

// MergeReadyOutcome pairs the gate decision with the step result when the
// gate passed.
type MergeReadyOutcome struct {
	Gate gatecheck.Decision `json:"gate"`
	Step *StepResult        `json:"step,omitempty"`
}

// AdvanceMergeReady runs the merge-readiness step: the gate decision is
// evaluated first and a FAIL verdict stops the transition before the state
// machine is ever consulted. The lifecycle precondition is still enforced
// up front so a blocked issue does not trigger external fetches.
func (e Engine) AdvanceMergeReady(ctx context.Context, req StepRequest, actor string) (MergeReadyOutcome, error) {
	req.Step = "merge_ready"
	issue, err := e.Repo.GetIssue(ctx, req.IssueID)
	if err != nil {
		return MergeReadyOutcome{}, err
	}
	if lifecycle.State(issue.Status) != lifecycle.Verified && lifecycle.State(issue.Status) != lifecycle.MergeReady {
		res, err := e.ExecuteStep(ctx, req)
		if err != nil {
			return MergeReadyOutcome{}, err
		}
		return MergeReadyOutcome{Step: &res}, nil
	}
	decision, err := e.EvaluateGate(ctx, req.IssueID, actor)
	if err != nil {
		return MergeReadyOutcome{Gate: decision}, err
	}
	if decision.Verdict != gatecheck.Pass {
		return MergeReadyOutcome{Gate: decision}, nil
	}
	res, err := e.ExecuteStep(ctx, req)
	if err != nil {
		return MergeReadyOutcome{Gate: decision}, err
	}
	return MergeReadyOutcome{Gate: decision, Step: &res}, nil
}
