// Package app wires the workspace pieces (database, migrations, config,
// engine) for the CLI and the server.
package app

import (
	"context"
	"fmt"
	"os"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/gatecheck"
	"gateline/internal/github"
	"gateline/internal/migrate"
)

// Env is a fully wired workspace. Close releases the database handle.
type Env struct {
	Engine engine.Engine
	Config *config.Config
	Close  func() error
}

// Open prepares the workspace: ensures the .gateline directory, opens and
// migrates the database, loads gateline.yml (falling back to defaults when
// absent), and builds the engine. When a GitHub token is available the
// review/checks capability is wired in; without one the engine still works
// and gate evaluations fail closed.
func Open(workspace, panelID string) (*Env, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default(panelID)
	}
	if panelID != "" {
		cfg.Panel.ID = panelID
	}
	e := engine.New(conn, cfg)
	if client := githubClient(cfg); client != nil {
		e.Signals = client
		e.GitHub = client
	}
	return &Env{Engine: e, Config: cfg, Close: conn.Close}, nil
}

func githubClient(cfg *config.Config) *github.Client {
	tokenEnv := cfg.GitHub.TokenEnv
	if tokenEnv == "" {
		tokenEnv = "GITHUB_TOKEN"
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil
	}
	client, err := github.New(context.Background(), token)
	if err != nil {
		return nil
	}
	return client
}

var _ gatecheck.Signals = (*github.Client)(nil)
