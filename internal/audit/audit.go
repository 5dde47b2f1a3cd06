// Package audit implements the append-only timeline log: deterministic
// payload hashing, secret sanitization, idempotent writes, and stable
// ordered reads.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gateline/internal/domain"
)

// MaxPageSize is the hard cap on a single timeline page.
const MaxPageSize = 200

const defaultPageSize = 50

// Payload is an event payload prior to sanitization.
type Payload map[string]any

// Entry describes one fact to append.
type Entry struct {
	SubjectID string
	EventType string
	Actor     string
	ActorType string
	Payload   Payload
	// DedupeKey, when set, makes identical re-submissions (same subject,
	// type, key, and sanitized payload hash) storage-level no-ops.
	DedupeKey string
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append sanitizes, hashes, and inserts the entry inside the caller's
// transaction. Duplicate submissions carrying the same dedupe key and
// payload hash are silently ignored.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if e.SubjectID == "" || e.EventType == "" {
		return fmt.Errorf("audit append: subject_id and event_type required")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	clean := Sanitize(map[string]any(e.Payload))
	hash, err := HashPayload(clean)
	if err != nil {
		return fmt.Errorf("hash audit payload: %w", err)
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	// RFC3339 keeps the stored text fixed-width so string order equals
	// time order; same-second events fall back to the id tiebreak.
	ts := now().UTC().Format(time.RFC3339)
	query := `INSERT INTO audit_events(subject_id,event_type,occurred_at,actor,actor_type,payload,payload_hash,dedupe_key) VALUES (?,?,?,?,?,?,?,?)`
	if e.DedupeKey != "" {
		query = `INSERT OR IGNORE INTO audit_events(subject_id,event_type,occurred_at,actor,actor_type,payload,payload_hash,dedupe_key) VALUES (?,?,?,?,?,?,?,?)`
	}
	_, err = tx.ExecContext(ctx, query,
		e.SubjectID, e.EventType, ts, e.Actor, e.ActorType, string(data), hash, nullable(e.DedupeKey))
	return err
}

type Reader struct {
	DB *sql.DB
}

// Filter selects a slice of the timeline.
type Filter struct {
	SubjectID string
	EventType string
	Limit     int
	Offset    int
}

// List returns events in (occurred_at ASC, id ASC) order along with the
// total count matching the filter independent of pagination.
func (r Reader) List(ctx context.Context, f Filter) ([]domain.AuditEvent, int, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM audit_events `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id,subject_id,event_type,occurred_at,actor,actor_type,payload,payload_hash,COALESCE(dedupe_key,'') FROM audit_events ` +
		where + ` ORDER BY occurred_at ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.EventType, &e.OccurredAt, &e.Actor, &e.ActorType, &e.Payload, &e.PayloadHash, &e.DedupeKey); err != nil {
			return nil, 0, err
		}
		res = append(res, e)
	}
	return res, total, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
