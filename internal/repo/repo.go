package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"gateline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const issueColumns = `id,title,COALESCE(description,''),status,COALESCE(status_source,''),COALESCE(held_from,''),COALESCE(repo_owner,''),COALESCE(repo_name,''),COALESCE(branch,''),pr_number,github_issue,created_at,updated_at,completed_at`

func scanIssue(scan func(dest ...any) error) (domain.Issue, error) {
	var i domain.Issue
	var prNumber, ghIssue sql.NullInt64
	var completedAt sql.NullString
	err := scan(&i.ID, &i.Title, &i.Description, &i.Status, &i.StatusSource, &i.HeldFrom,
		&i.RepoOwner, &i.RepoName, &i.Branch, &prNumber, &ghIssue, &i.CreatedAt, &i.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	if prNumber.Valid {
		n := int(prNumber.Int64)
		i.PRNumber = &n
	}
	if ghIssue.Valid {
		n := int(ghIssue.Int64)
		i.GitHubIssue = &n
	}
	if completedAt.Valid {
		i.CompletedAt = &completedAt.String
	}
	return i, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(id,title,description,status,status_source,held_from,repo_owner,repo_name,branch,pr_number,github_issue,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.Title, nullable(i.Description), i.Status, nullable(i.StatusSource), nullable(i.HeldFrom),
		nullable(i.RepoOwner), nullable(i.RepoName), nullable(i.Branch),
		nullableIntPtr(i.PRNumber), nullableIntPtr(i.GitHubIssue), i.CreatedAt, i.UpdatedAt, nullableStringPtr(i.CompletedAt))
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

// GetIssueTx reads the issue inside the caller's transaction so a status
// check and its conditional write observe the same row version.
func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

// SetIssueStatusTx updates status bookkeeping for a single transition.
func (r Repo) SetIssueStatusTx(ctx context.Context, tx *sql.Tx, id, status, source, heldFrom, updatedAt string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status=?, status_source=?, held_from=?, updated_at=?, completed_at=? WHERE id=?`,
		status, nullable(source), nullable(heldFrom), updatedAt, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetIssuePRNumber links a pull request to the issue.
func (r Repo) SetIssuePRNumber(ctx context.Context, id string, pr int, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE issues SET pr_number=?, updated_at=? WHERE id=?`, pr, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetIssueGitHubNumberTx records the mirrored GitHub issue number.
func (r Repo) SetIssueGitHubNumberTx(ctx context.Context, tx *sql.Tx, id string, number int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET github_issue=?, updated_at=? WHERE id=?`, number, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type IssueFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

func (r Repo) CountIssuesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM issues GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
