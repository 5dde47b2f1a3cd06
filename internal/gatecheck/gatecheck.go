// Package gatecheck decides merge readiness by combining review approval
// and check-run state into a single fail-closed verdict.
package gatecheck

import (
	"context"
	"sort"
	"time"
)

type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
)

type ReviewStatus string

const (
	Approved         ReviewStatus = "APPROVED"
	ChangesRequested ReviewStatus = "CHANGES_REQUESTED"
	NotApproved      ReviewStatus = "NOT_APPROVED"
	ReviewUnknown    ReviewStatus = "UNKNOWN"
)

type ChecksStatus string

const (
	ChecksPassing ChecksStatus = "PASSING"
	ChecksFailing ChecksStatus = "FAILING"
	ChecksPending ChecksStatus = "PENDING"
	ChecksMissing ChecksStatus = "MISSING"
)

// Block reason codes, closed enumeration.
const (
	ReasonSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	ReasonNoChecksFound    = "NO_CHECKS_FOUND"
	ReasonChecksFailed     = "CHECKS_FAILED"
	ReasonChecksPending    = "CHECKS_PENDING"
	ReasonChangesRequested = "CHANGES_REQUESTED"
	ReasonNoReviewApproval = "NO_REVIEW_APPROVAL"
	ReasonPRFetchFailed    = "PR_FETCH_FAILED"
)

// Review is one review event on a pull request.
type Review struct {
	Reviewer    string
	State       string // APPROVED, CHANGES_REQUESTED, COMMENTED, DISMISSED
	SubmittedAt time.Time
}

// CheckSnapshot summarizes the check runs for a commit.
type CheckSnapshot struct {
	Total   int
	Failed  int
	Pending int
}

// Decision is the combined verdict with both sub-statuses always populated
// so a failure is explainable without re-querying.
type Decision struct {
	Verdict      Verdict      `json:"verdict"`
	BlockReason  string       `json:"blockReason,omitempty"`
	BlockMessage string       `json:"blockMessage,omitempty"`
	ReviewStatus ReviewStatus `json:"reviewStatus"`
	ChecksStatus ChecksStatus `json:"checksStatus"`
}

// Signals abstracts the external review/checks capability. Implementations
// must not retry internally; a fetch failure resolves to a FAIL verdict.
type Signals interface {
	FetchReviews(ctx context.Context, owner, repo string, prNumber int) ([]Review, error)
	FetchCheckSnapshot(ctx context.Context, owner, repo, ref string) (*CheckSnapshot, error)
}

// ClassifyReviews reduces a review history to a single status. Only each
// reviewer's most recent review counts (ties broken by latest timestamp);
// an approval from any reviewer's latest review wins over another
// reviewer's change request.
func ClassifyReviews(reviews []Review) ReviewStatus {
	latest := map[string]Review{}
	for _, rv := range reviews {
		if rv.Reviewer == "" {
			continue
		}
		cur, ok := latest[rv.Reviewer]
		if !ok || !rv.SubmittedAt.Before(cur.SubmittedAt) {
			latest[rv.Reviewer] = rv
		}
	}
	reviewers := make([]string, 0, len(latest))
	for name := range latest {
		reviewers = append(reviewers, name)
	}
	sort.Strings(reviewers)
	anyChanges := false
	for _, name := range reviewers {
		switch latest[name].State {
		case "APPROVED":
			return Approved
		case "CHANGES_REQUESTED":
			anyChanges = true
		}
	}
	if anyChanges {
		return ChangesRequested
	}
	return NotApproved
}

// Evaluate folds both signals into one verdict, fail-closed: any state that
// cannot positively confirm readiness fails with the matching reason.
func Evaluate(review ReviewStatus, reviewErr error, snapshot *CheckSnapshot) Decision {
	d := Decision{ReviewStatus: review, ChecksStatus: ChecksMissing}
	if reviewErr != nil {
		d.ReviewStatus = ReviewUnknown
	}
	switch {
	case snapshot == nil:
		return failed(d, ReasonSnapshotNotFound, "no check snapshot available for the merge candidate")
	case snapshot.Total == 0:
		return failed(d, ReasonNoChecksFound, "check snapshot contains zero checks")
	case snapshot.Failed > 0:
		d.ChecksStatus = ChecksFailing
		return failed(d, ReasonChecksFailed, "one or more checks failed")
	case snapshot.Pending > 0:
		d.ChecksStatus = ChecksPending
		return failed(d, ReasonChecksPending, "one or more checks still pending")
	}
	d.ChecksStatus = ChecksPassing
	if reviewErr != nil {
		return failed(d, ReasonPRFetchFailed, "fetching pull request reviews failed: "+reviewErr.Error())
	}
	switch {
	case review == ChangesRequested:
		return failed(d, ReasonChangesRequested, "a reviewer's latest review requests changes")
	case review != Approved:
		return failed(d, ReasonNoReviewApproval, "no approving review found")
	}
	d.Verdict = Pass
	return d
}

func failed(d Decision, reason, msg string) Decision {
	d.Verdict = Fail
	d.BlockReason = reason
	d.BlockMessage = msg
	return d
}
