package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var r domain.Run
	var started, finished sql.NullString
	err := scan(&r.ID, &r.IssueID, &r.Status, &started, &finished, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if started.Valid {
		r.StartedAt = &started.String
	}
	if finished.Valid {
		r.FinishedAt = &finished.String
	}
	return r, nil
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,issue_id,status,started_at,finished_at,created_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.IssueID, run.Status, nullableStringPtr(run.StartedAt), nullableStringPtr(run.FinishedAt), run.CreatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,issue_id,status,started_at,finished_at,created_at FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,issue_id,status,started_at,finished_at,created_at FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) SetRunStatusTx(ctx context.Context, tx *sql.Tx, id, status string, startedAt, finishedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, started_at=COALESCE(?,started_at), finished_at=COALESCE(?,finished_at) WHERE id=?`,
		status, nullableStringPtr(startedAt), nullableStringPtr(finishedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRuns(ctx context.Context, issueID string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,status,started_at,finished_at,created_at FROM runs WHERE issue_id=? ORDER BY created_at DESC, id DESC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
