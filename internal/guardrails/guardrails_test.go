package guardrails

import (
	"testing"

	"gateline/internal/config"
)

func newEvaluator(cfg *config.Config, env map[string]string) *Evaluator {
	e := New(func() *config.Config { return cfg })
	return e.WithEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
}

func allowedConfig() *config.Config {
	cfg := config.Default("panel-1")
	cfg.Guardrails.Enabled = true
	cfg.Guardrails.Allowlist = []config.RepoEntry{{Owner: "acme", Repo: "widgets", Branch: "main"}}
	cfg.Guardrails.RequiredConfig = map[string][]string{"merge_ready": {"GITHUB_TOKEN"}}
	return cfg
}

func TestPreflightDisabledIsNoop(t *testing.T) {
	cfg := allowedConfig()
	cfg.Guardrails.Enabled = false
	d := newEvaluator(cfg, nil).Preflight("merge_ready", RepoRef{Owner: "acme", Repo: "widgets", Branch: "main"}, nil)
	if d.Outcome != Noop {
		t.Fatalf("expected noop, got %s", d.Outcome)
	}
	if d.RequestID == "" {
		t.Fatalf("noop must still carry a request id")
	}
}

func TestPreflightRepoNotAllowed(t *testing.T) {
	cfg := config.Default("panel-1")
	cfg.Guardrails.Enabled = true
	cfg.Guardrails.Allowlist = nil
	d := newEvaluator(cfg, nil).Preflight("merge_ready", RepoRef{Owner: "blocked", Repo: "target", Branch: "main"}, nil)
	if d.Outcome != Deny || d.Code != CodeRepoNotAllowed {
		t.Fatalf("expected deny REPO_NOT_ALLOWED, got %+v", d)
	}
	if len(d.MissingConfig) != 0 {
		t.Fatalf("missing config must be empty on allowlist deny")
	}
}

func TestPreflightConfigMissingPreservesOrder(t *testing.T) {
	cfg := allowedConfig()
	cfg.Guardrails.RequiredConfig["merge_ready"] = []string{"GITHUB_TOKEN", "DEPLOY_KEY"}
	env := map[string]string{}
	d := newEvaluator(cfg, env).Preflight("merge_ready", RepoRef{Owner: "acme", Repo: "widgets", Branch: "main"}, []string{"EXTRA"})
	if d.Outcome != Deny || d.Code != CodeConfigMissing {
		t.Fatalf("expected deny CONFIG_MISSING, got %+v", d)
	}
	want := []string{"GITHUB_TOKEN", "DEPLOY_KEY", "EXTRA"}
	if len(d.MissingConfig) != len(want) {
		t.Fatalf("missing = %v, want %v", d.MissingConfig, want)
	}
	for i := range want {
		if d.MissingConfig[i] != want[i] {
			t.Fatalf("missing = %v, want %v (order preserved)", d.MissingConfig, want)
		}
	}
}

func TestPreflightEmptyValueCountsAsSet(t *testing.T) {
	cfg := allowedConfig()
	env := map[string]string{"GITHUB_TOKEN": ""}
	d := newEvaluator(cfg, env).Preflight("merge_ready", RepoRef{Owner: "acme", Repo: "widgets", Branch: "main"}, nil)
	if d.Outcome != Allow {
		t.Fatalf("a key set to the empty string must still pass, got %+v", d)
	}
}

func TestPreflightAllow(t *testing.T) {
	cfg := allowedConfig()
	env := map[string]string{"GITHUB_TOKEN": "set"}
	d := newEvaluator(cfg, env).Preflight("merge_ready", RepoRef{Owner: "acme", Repo: "widgets", Branch: "main"}, nil)
	if d.Outcome != Allow {
		t.Fatalf("expected allow, got %+v", d)
	}
	if len(d.Checks) != 2 {
		t.Fatalf("expected evaluated checks to be echoed, got %v", d.Checks)
	}
}

func TestInvalidateRefreshesPolicy(t *testing.T) {
	cfg := allowedConfig()
	env := map[string]string{"GITHUB_TOKEN": "set"}
	e := newEvaluator(cfg, env)
	ref := RepoRef{Owner: "acme", Repo: "widgets", Branch: "main"}
	if d := e.Preflight("merge_ready", ref, nil); d.Outcome != Allow {
		t.Fatalf("expected allow before change, got %+v", d)
	}
	cfg.Guardrails.Allowlist = nil
	// policy is cached; the change is not visible until an explicit reset
	if d := e.Preflight("merge_ready", ref, nil); d.Outcome != Allow {
		t.Fatalf("expected cached allow, got %+v", d)
	}
	e.Invalidate()
	if d := e.Preflight("merge_ready", ref, nil); d.Outcome != Deny {
		t.Fatalf("expected deny after invalidate, got %+v", d)
	}
}
