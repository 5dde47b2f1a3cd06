package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func TestHashAPIKeyIgnoresSurroundingSpace(t *testing.T) {
	if repo.HashAPIKey("  glk-abc  ") != repo.HashAPIKey("glk-abc") {
		t.Fatalf("hash must be stable under surrounding whitespace")
	}
	if repo.HashAPIKey("glk-abc") == repo.HashAPIKey("glk-abd") {
		t.Fatalf("distinct keys collided")
	}
}

func TestAPIKeyMintLookupRevoke(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	hash := repo.HashAPIKey("glk-secret")
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k-1", ActorID: "alice", Name: "ci", KeyHash: hash}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k-2", ActorID: "bob", KeyHash: repo.HashAPIKey("glk-other")}); err != nil {
		t.Fatalf("insert unnamed: %v", err)
	}

	got, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ActorID != "alice" || got.Name != "ci" || got.CreatedAt == "" {
		t.Fatalf("got %+v", got)
	}

	unnamed, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("glk-other"))
	if err != nil {
		t.Fatalf("get unnamed: %v", err)
	}
	if unnamed.Name != "" {
		t.Fatalf("name = %q, want empty for unnamed key", unnamed.Name)
	}

	all, err := r.ListAPIKeys(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %v (%d keys)", err, len(all))
	}
	mine, err := r.ListAPIKeys(ctx, "alice")
	if err != nil || len(mine) != 1 || mine[0].ID != "k-1" {
		t.Fatalf("list by actor: %v %+v", err, mine)
	}

	if err := r.DeleteAPIKey(ctx, "k-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after revoke", err)
	}
	// revoking again stays quiet
	if err := r.DeleteAPIKey(ctx, "k-1"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestInsertAPIKeyValidation(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	for _, key := range []domain.APIKey{
		{ActorID: "alice", KeyHash: "h"},
		{ID: "k-1", KeyHash: "h"},
		{ID: "k-1", ActorID: "alice"},
	} {
		if err := r.InsertAPIKey(ctx, nil, key); err == nil {
			t.Fatalf("expected validation error for %+v", key)
		}
	}
}
