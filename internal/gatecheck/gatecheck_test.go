package gatecheck

import (
	"errors"
	"testing"
	"time"
)

func at(min int) time.Time {
	return time.Date(2024, 6, 1, 12, min, 0, 0, time.UTC)
}

func TestClassifyReviewsLatestPerReviewer(t *testing.T) {
	reviews := []Review{
		{Reviewer: "alice", State: "CHANGES_REQUESTED", SubmittedAt: at(0)},
		{Reviewer: "alice", State: "APPROVED", SubmittedAt: at(5)},
	}
	if got := ClassifyReviews(reviews); got != Approved {
		t.Fatalf("expected APPROVED, got %s", got)
	}
	// reversed input order must not matter
	if got := ClassifyReviews([]Review{reviews[1], reviews[0]}); got != Approved {
		t.Fatalf("expected APPROVED independent of order")
	}
}

func TestClassifyReviewsApprovalWinsAcrossReviewers(t *testing.T) {
	reviews := []Review{
		{Reviewer: "alice", State: "APPROVED", SubmittedAt: at(0)},
		{Reviewer: "bob", State: "CHANGES_REQUESTED", SubmittedAt: at(1)},
	}
	if got := ClassifyReviews(reviews); got != Approved {
		t.Fatalf("approved-exists is checked first, got %s", got)
	}
}

func TestClassifyReviewsChangesRequested(t *testing.T) {
	reviews := []Review{
		{Reviewer: "alice", State: "APPROVED", SubmittedAt: at(0)},
		{Reviewer: "alice", State: "CHANGES_REQUESTED", SubmittedAt: at(2)},
	}
	if got := ClassifyReviews(reviews); got != ChangesRequested {
		t.Fatalf("expected CHANGES_REQUESTED, got %s", got)
	}
}

func TestClassifyReviewsCommentsOnly(t *testing.T) {
	reviews := []Review{
		{Reviewer: "alice", State: "COMMENTED", SubmittedAt: at(0)},
	}
	if got := ClassifyReviews(reviews); got != NotApproved {
		t.Fatalf("expected NOT_APPROVED, got %s", got)
	}
	if got := ClassifyReviews(nil); got != NotApproved {
		t.Fatalf("expected NOT_APPROVED for empty history, got %s", got)
	}
}

func TestEvaluatePass(t *testing.T) {
	d := Evaluate(Approved, nil, &CheckSnapshot{Total: 4})
	if d.Verdict != Pass || d.BlockReason != "" {
		t.Fatalf("expected PASS, got %+v", d)
	}
	if d.ReviewStatus != Approved || d.ChecksStatus != ChecksPassing {
		t.Fatalf("sub-statuses must be populated: %+v", d)
	}
}

func TestEvaluateFailClosed(t *testing.T) {
	cases := []struct {
		name     string
		review   ReviewStatus
		err      error
		snapshot *CheckSnapshot
		reason   string
	}{
		{"no snapshot", Approved, nil, nil, ReasonSnapshotNotFound},
		{"zero checks", Approved, nil, &CheckSnapshot{}, ReasonNoChecksFound},
		{"failed checks", Approved, nil, &CheckSnapshot{Total: 3, Failed: 1}, ReasonChecksFailed},
		{"pending checks", Approved, nil, &CheckSnapshot{Total: 3, Pending: 2}, ReasonChecksPending},
		{"changes requested", ChangesRequested, nil, &CheckSnapshot{Total: 3}, ReasonChangesRequested},
		{"not approved", NotApproved, nil, &CheckSnapshot{Total: 3}, ReasonNoReviewApproval},
		{"fetch failed", ReviewUnknown, errors.New("boom"), &CheckSnapshot{Total: 3}, ReasonPRFetchFailed},
	}
	for _, tc := range cases {
		d := Evaluate(tc.review, tc.err, tc.snapshot)
		if d.Verdict != Fail {
			t.Errorf("%s: expected FAIL", tc.name)
		}
		if d.BlockReason != tc.reason {
			t.Errorf("%s: expected reason %s, got %s", tc.name, tc.reason, d.BlockReason)
		}
		if d.ChecksStatus == "" || d.ReviewStatus == "" {
			t.Errorf("%s: sub-statuses must always be populated", tc.name)
		}
	}
}
