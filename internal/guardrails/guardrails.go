// Package guardrails implements the fail-closed preflight policy check run
// before any governed write operation.
package guardrails

import (
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"gateline/internal/config"
)

type Outcome string

const (
	Allow Outcome = "allow"
	Deny  Outcome = "deny"
	Noop  Outcome = "noop"
)

// Deny codes, closed enumeration.
const (
	CodeRepoNotAllowed = "REPO_NOT_ALLOWED"
	CodeConfigMissing  = "CONFIG_MISSING"
)

// Markers echoed back as response headers by the HTTP layer.
const (
	HandlerMarker = "guardrails"
	PhaseMarker   = "preflight"
)

// RepoRef identifies the target of a governed operation.
type RepoRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// Decision is a transient verdict; it is never persisted directly.
type Decision struct {
	Outcome       Outcome  `json:"outcome"`
	Code          string   `json:"code,omitempty"`
	RequestID     string   `json:"requestId"`
	MissingConfig []string `json:"missingConfig,omitempty"`
	Checks        []string `json:"checks,omitempty"`
}

// policy is the cached snapshot of guardrail configuration. Allowlist and
// required-config values come from process-wide configuration that can
// change between requests in long-running deployments, so the cache is
// rebuilt lazily after Invalidate rather than on a timer: stale-allow is a
// security regression, stale-deny only costs availability.
type policy struct {
	enabled   bool
	allowlist map[string]bool
	required  map[string][]string
}

// Evaluator answers preflight questions. Safe for concurrent use.
type Evaluator struct {
	mu        sync.Mutex
	cfg       func() *config.Config
	lookupEnv func(string) (string, bool)
	cached    *policy
}

// New builds an evaluator over a config source. cfg is re-read whenever the
// cache has been invalidated.
func New(cfg func() *config.Config) *Evaluator {
	return &Evaluator{cfg: cfg, lookupEnv: os.LookupEnv}
}

// WithEnv overrides environment lookup, for tests.
func (e *Evaluator) WithEnv(lookup func(string) (string, bool)) *Evaluator {
	e.lookupEnv = lookup
	return e
}

// Invalidate drops the cached policy. The next Preflight re-reads config.
func (e *Evaluator) Invalidate() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}

func (e *Evaluator) snapshot() *policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached != nil {
		return e.cached
	}
	p := &policy{allowlist: map[string]bool{}, required: map[string][]string{}}
	if cfg := e.cfg(); cfg != nil {
		p.enabled = cfg.Guardrails.Enabled
		for _, entry := range cfg.Guardrails.Allowlist {
			p.allowlist[allowKey(entry.Owner, entry.Repo, entry.Branch)] = true
		}
		for op, keys := range cfg.Guardrails.RequiredConfig {
			p.required[op] = append([]string(nil), keys...)
		}
	}
	e.cached = p
	return p
}

func allowKey(owner, repo, branch string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(repo) + "@" + branch
}

// Preflight evaluates the guardrail policy for one intended operation.
// requiredKeys extends the configured per-operation keys; the missing list
// preserves input order and is not deduplicated beyond it.
func (e *Evaluator) Preflight(operation string, ref RepoRef, requiredKeys []string) Decision {
	d := Decision{RequestID: uuid.New().String()}
	p := e.snapshot()
	if !p.enabled {
		d.Outcome = Noop
		return d
	}
	d.Checks = append(d.Checks, "repo_allowlist")
	if !p.allowlist[allowKey(ref.Owner, ref.Repo, ref.Branch)] {
		d.Outcome = Deny
		d.Code = CodeRepoNotAllowed
		return d
	}
	keys := append(append([]string(nil), p.required[operation]...), requiredKeys...)
	d.Checks = append(d.Checks, "required_config")
	var missing []string
	for _, k := range keys {
		// a key set to the empty string is still set
		if _, ok := e.lookupEnv(k); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		d.Outcome = Deny
		d.Code = CodeConfigMissing
		d.MissingConfig = missing
		return d
	}
	d.Outcome = Allow
	return d
}
