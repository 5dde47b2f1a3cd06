package server

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"gateline/internal/engine"
	"gateline/internal/guardrails"
)

type preflightAllowedBody struct {
	Allowed   bool     `json:"allowed"`
	RequestID string   `json:"requestId"`
	Checks    []string `json:"checks"`
}

// registerPreflight wires the preflight endpoint as a plain chi route. The
// contract fixes status codes per outcome and requires the marker headers
// on every response including the 204, which the framework's typed
// handlers cannot express.
func registerPreflight(r chi.Router, basePath string, e engine.Engine) {
	route := path.Join(basePath, "preflight")
	r.Post(route, func(w http.ResponseWriter, req *http.Request) {
		var body PreflightRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid json body", nil))
			return
		}
		if body.Operation == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "operation is required", nil))
			return
		}
		actor := "system"
		if p, ok := principalFromContext(req.Context()); ok {
			actor = p.ActorID
		}
		subject := body.SubjectID
		if subject == "" {
			subject = "preflight:" + body.Operation
		}
		decision := e.Preflight(req.Context(), body.Operation, guardrails.RepoRef{
			Owner:  body.Repo.Owner,
			Repo:   body.Repo.Repo,
			Branch: body.Repo.Branch,
		}, body.RequiredConfig, subject, actor)

		setGuardrailHeaders(w, decision)
		switch decision.Outcome {
		case guardrails.Noop:
			w.WriteHeader(http.StatusNoContent)
		case guardrails.Deny:
			writeGuardrailDeny(w, decision)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(preflightAllowedBody{
				Allowed:   true,
				RequestID: decision.RequestID,
				Checks:    decision.Checks,
			})
		}
	})
}

// setGuardrailHeaders stamps the marker headers on every preflight
// response. Missing-config is always present, empty when nothing is
// missing.
func setGuardrailHeaders(w http.ResponseWriter, d guardrails.Decision) {
	w.Header().Set("X-Request-Id", d.RequestID)
	w.Header().Set("X-Guardrail-Handler", guardrails.HandlerMarker)
	w.Header().Set("X-Guardrail-Phase", guardrails.PhaseMarker)
	w.Header().Set("X-Guardrail-Missing-Config", strings.Join(d.MissingConfig, ","))
}

func writeGuardrailDeny(w http.ResponseWriter, d guardrails.Decision) {
	err := guardrailError(d).(*apiError)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.status)
	_ = json.NewEncoder(w).Encode(err)
}

// guardrailError maps a deny decision onto the 409 error envelope.
func guardrailError(d guardrails.Decision) huma.StatusError {
	code := "GUARDRAIL_" + d.Code
	msg := "repository is not on the guardrail allowlist"
	details := map[string]any{"requestId": d.RequestID}
	if d.Code == guardrails.CodeConfigMissing {
		msg = "required configuration is missing"
		details["missingConfig"] = d.MissingConfig
	}
	return newAPIError(http.StatusConflict, code, msg, details)
}
