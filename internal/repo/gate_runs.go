package repo

import (
	"context"
	"database/sql"
	"strings"

	"gateline/internal/domain"
)

func scanGateRun(scan func(dest ...any) error) (domain.GateRun, error) {
	var g domain.GateRun
	var result sql.NullString
	err := scan(&g.ID, &g.RunKey, &g.IncidentKey, &g.ActionID, &g.InputsHash, &g.InputsJSON, &g.Status, &result, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if result.Valid {
		g.Result = &result.String
	}
	return g, nil
}

const gateRunColumns = `id,run_key,incident_key,action_id,inputs_hash,inputs_json,status,result,created_at,updated_at`

// InsertGateRun inserts a gate run. A run_key collision surfaces as a
// constraint error the caller resolves by re-fetching the existing row.
func (r Repo) InsertGateRun(ctx context.Context, g domain.GateRun) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO gate_runs(`+gateRunColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.RunKey, g.IncidentKey, g.ActionID, g.InputsHash, g.InputsJSON, g.Status, nullableStringPtr(g.Result), g.CreatedAt, g.UpdatedAt)
	return err
}

// IsUniqueViolation reports whether err is a uniqueness constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}

func (r Repo) GetGateRunByKey(ctx context.Context, runKey string) (domain.GateRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateRunColumns+` FROM gate_runs WHERE run_key=?`, runKey)
	return scanGateRun(row.Scan)
}

func (r Repo) GetGateRun(ctx context.Context, id string) (domain.GateRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateRunColumns+` FROM gate_runs WHERE id=?`, id)
	return scanGateRun(row.Scan)
}

func (r Repo) SetGateRunStatus(ctx context.Context, id, status string, result *string, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE gate_runs SET status=?, result=COALESCE(?,result), updated_at=? WHERE id=?`,
		status, nullableStringPtr(result), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListGateRuns(ctx context.Context, incidentKey string, limit int) ([]domain.GateRun, error) {
	query := `SELECT ` + gateRunColumns + ` FROM gate_runs`
	var args []any
	if incidentKey != "" {
		query += ` WHERE incident_key=?`
		args = append(args, incidentKey)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateRun
	for rows.Next() {
		g, err := scanGateRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
