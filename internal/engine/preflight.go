package engine

import (
	"context"

	"gateline/internal/audit"
	"gateline/internal/guardrails"
)

// Preflight runs the guardrail policy for one governed operation and
// records the outcome on the subject's timeline. The audit write is
// best-effort here: a deny must reach the caller even when the timeline
// insert fails, so the decision is returned regardless.
func (e Engine) Preflight(ctx context.Context, operation string, ref guardrails.RepoRef, requiredKeys []string, subjectID, actor string) guardrails.Decision {
	decision := e.Guardrails.Preflight(operation, ref, requiredKeys)

	payload := audit.Payload{
		"operation":  operation,
		"outcome":    string(decision.Outcome),
		"request_id": decision.RequestID,
		"repo":       ref.Owner + "/" + ref.Repo,
		"branch":     ref.Branch,
	}
	if decision.Code != "" {
		payload["code"] = decision.Code
	}
	if len(decision.MissingConfig) > 0 {
		missing := make([]any, len(decision.MissingConfig))
		for i, k := range decision.MissingConfig {
			missing[i] = k
		}
		payload["missing_config"] = missing
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return decision
	}
	defer tx.Rollback()
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		SubjectID: subjectID,
		EventType: "guardrails.preflight",
		Actor:     actor,
		ActorType: "system",
		Payload:   payload,
	}); err != nil {
		return decision
	}
	tx.Commit()
	return decision
}
