package audit_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"gateline/internal/audit"
	"gateline/internal/db"
	"gateline/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func mustAppend(t *testing.T, conn *sql.DB, w audit.Writer, e audit.Entry) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestAppendAndListOrdering(t *testing.T) {
	conn := newTestDB(t)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := audit.Writer{DB: conn, Now: func() time.Time { return ts }}
	r := audit.Reader{DB: conn}

	for i, typ := range []string{"issue.created", "step.spec_ready", "step.verify"} {
		w.Now = func() time.Time { return ts.Add(time.Duration(i) * time.Second) }
		mustAppend(t, conn, w, audit.Entry{SubjectID: "iss-1", EventType: typ, Actor: "tester", ActorType: "user"})
	}

	events, total, err := r.List(context.Background(), audit.Filter{SubjectID: "iss-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(events) != 3 {
		t.Fatalf("total=%d len=%d", total, len(events))
	}
	if events[0].EventType != "issue.created" || events[2].EventType != "step.verify" {
		t.Fatalf("order wrong: %s .. %s", events[0].EventType, events[2].EventType)
	}
	for _, e := range events {
		if e.PayloadHash == "" || e.OccurredAt == "" {
			t.Fatalf("event missing hash or timestamp: %+v", e)
		}
	}
}

func TestListOrderSurvivesSubSecondClock(t *testing.T) {
	conn := newTestDB(t)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := audit.Writer{DB: conn, Now: func() time.Time { return ts }}
	r := audit.Reader{DB: conn}

	// A clock with sub-second resolution must not break the stored text
	// ordering: a value like 00:00:00.5Z would sort after 00:00:01Z's "Z".
	mustAppend(t, conn, w, audit.Entry{SubjectID: "iss-1", EventType: "issue.created", Actor: "tester", ActorType: "user"})
	w.Now = func() time.Time { return ts.Add(500 * time.Millisecond) }
	mustAppend(t, conn, w, audit.Entry{SubjectID: "iss-1", EventType: "step.spec_ready", Actor: "tester", ActorType: "user"})
	w.Now = func() time.Time { return ts.Add(time.Second) }
	mustAppend(t, conn, w, audit.Entry{SubjectID: "iss-1", EventType: "step.start_implementation", Actor: "tester", ActorType: "user"})

	events, _, err := r.List(context.Background(), audit.Filter{SubjectID: "iss-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"issue.created", "step.spec_ready", "step.start_implementation"}
	for i, typ := range want {
		if events[i].EventType != typ {
			t.Fatalf("events[%d] = %s, want %s", i, events[i].EventType, typ)
		}
	}
	for _, e := range events {
		if _, err := time.Parse(time.RFC3339, e.OccurredAt); err != nil {
			t.Fatalf("occurred_at %q not fixed-width RFC3339: %v", e.OccurredAt, err)
		}
		if strings.Contains(e.OccurredAt, ".") {
			t.Fatalf("occurred_at %q carries a fractional second", e.OccurredAt)
		}
	}
}

func TestAppendDedupeKey(t *testing.T) {
	conn := newTestDB(t)
	w := audit.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	r := audit.Reader{DB: conn}

	entry := audit.Entry{
		SubjectID: "iss-1",
		EventType: "run.started",
		Actor:     "runner",
		ActorType: "system",
		Payload:   audit.Payload{"run_id": "r-1"},
		DedupeKey: "run-r-1-started",
	}
	mustAppend(t, conn, w, entry)
	mustAppend(t, conn, w, entry)

	_, total, err := r.List(context.Background(), audit.Filter{SubjectID: "iss-1", EventType: "run.started"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, duplicate submission stored", total)
	}

	// same key but different payload is a distinct fact
	entry.Payload = audit.Payload{"run_id": "r-1", "attempt": 2}
	mustAppend(t, conn, w, entry)
	_, total, _ = r.List(context.Background(), audit.Filter{SubjectID: "iss-1", EventType: "run.started"})
	if total != 2 {
		t.Fatalf("total = %d, want 2 distinct payloads", total)
	}
}

func TestAppendWithoutDedupeKeyAlwaysStores(t *testing.T) {
	conn := newTestDB(t)
	w := audit.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	r := audit.Reader{DB: conn}
	entry := audit.Entry{SubjectID: "iss-1", EventType: "step.hold", Actor: "tester", ActorType: "user"}
	mustAppend(t, conn, w, entry)
	mustAppend(t, conn, w, entry)
	_, total, _ := r.List(context.Background(), audit.Filter{SubjectID: "iss-1"})
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
}

func TestListPaginationCaps(t *testing.T) {
	conn := newTestDB(t)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := audit.Writer{DB: conn, Now: func() time.Time { return ts }}
	r := audit.Reader{DB: conn}
	for i := 0; i < 250; i++ {
		mustAppend(t, conn, w, audit.Entry{SubjectID: "iss-1", EventType: "step.verify", Actor: "tester", ActorType: "user"})
	}

	events, total, err := r.List(context.Background(), audit.Filter{SubjectID: "iss-1", Limit: 1000})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != audit.MaxPageSize {
		t.Fatalf("len = %d, want cap %d", len(events), audit.MaxPageSize)
	}
	if total != 250 {
		t.Fatalf("total = %d, must be independent of pagination", total)
	}

	page, _, err := r.List(context.Background(), audit.Filter{SubjectID: "iss-1", Limit: 10, Offset: 240})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 10 {
		t.Fatalf("tail page len = %d", len(page))
	}
}

func TestAppendRequiresSubjectAndType(t *testing.T) {
	conn := newTestDB(t)
	w := audit.Writer{DB: conn}
	ctx := context.Background()
	tx, _ := conn.BeginTx(ctx, nil)
	defer tx.Rollback()
	if err := w.Append(ctx, tx, audit.Entry{EventType: "x"}); err == nil {
		t.Fatalf("expected error without subject_id")
	}
	if err := w.Append(ctx, tx, audit.Entry{SubjectID: "s"}); err == nil {
		t.Fatalf("expected error without event_type")
	}
}

func TestAppendRedactsPayload(t *testing.T) {
	conn := newTestDB(t)
	w := audit.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	r := audit.Reader{DB: conn}
	mustAppend(t, conn, w, audit.Entry{
		SubjectID: "iss-1",
		EventType: "issue.linked",
		Actor:     "tester",
		ActorType: "user",
		Payload:   audit.Payload{"api_token": "sk-very-secret", "repo": "acme/widgets"},
	})
	events, _, err := r.List(context.Background(), audit.Filter{SubjectID: "iss-1"})
	if err != nil || len(events) != 1 {
		t.Fatalf("list: %v (%d events)", err, len(events))
	}
	payload := events[0].Payload
	if !strings.Contains(payload, audit.RedactionMarker) {
		t.Fatalf("payload not redacted: %s", payload)
	}
	if strings.Contains(payload, "sk-very-secret") {
		t.Fatalf("secret leaked into stored payload: %s", payload)
	}
}
