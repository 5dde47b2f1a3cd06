package domain

type Issue struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Status       string  `json:"status" enum:"CREATED,SPEC_READY,IMPLEMENTING,VERIFIED,MERGE_READY,DONE,HOLD,KILLED"`
	StatusSource string  `json:"status_source,omitempty"`
	HeldFrom     string  `json:"held_from,omitempty"`
	RepoOwner    string  `json:"repo_owner,omitempty"`
	RepoName     string  `json:"repo_name,omitempty"`
	Branch       string  `json:"branch,omitempty"`
	PRNumber     *int    `json:"pr_number,omitempty"`
	GitHubIssue  *int    `json:"github_issue,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type Run struct {
	ID         string  `json:"id"`
	IssueID    string  `json:"issue_id"`
	Status     string  `json:"status" enum:"queued,running,succeeded,failed"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// AuditEvent is an immutable timeline fact. Payload is stored already
// sanitized; PayloadHash covers the sanitized canonical form.
type AuditEvent struct {
	ID          int64  `json:"id"`
	SubjectID   string `json:"subject_id"`
	EventType   string `json:"event_type"`
	OccurredAt  string `json:"occurred_at" format:"date-time"`
	Actor       string `json:"actor"`
	ActorType   string `json:"actor_type"`
	Payload     string `json:"payload"`
	PayloadHash string `json:"payload_hash"`
	DedupeKey   string `json:"dedupe_key,omitempty"`
}

// GateRun is a plan-and-execute record for a remediation action. RunKey is
// derived from the logical identity of the operation so duplicate concurrent
// submissions collapse onto one row.
type GateRun struct {
	ID          string  `json:"id"`
	RunKey      string  `json:"run_key"`
	IncidentKey string  `json:"incident_key"`
	ActionID    string  `json:"action_id"`
	InputsHash  string  `json:"inputs_hash"`
	InputsJSON  string  `json:"inputs_json"`
	Status      string  `json:"status" enum:"pending,executing,succeeded,failed"`
	Result      *string `json:"result,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
