package repo

import (
	"context"
	"database/sql"
	"strings"

	"mostrador/internal/domain"
)

const sessionColumns = `id,state,cart_json,customer_name,customer_phone,order_number,notes,estimated_minutes,created_at,updated_at`

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var customerName, customerPhone, orderNumber, notes sql.NullString
	var estimatedMinutes sql.NullInt64
	err := scan(&s.ID, &s.State, &s.CartJSON, &customerName, &customerPhone, &orderNumber, &notes, &estimatedMinutes, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if customerName.Valid {
		s.CustomerName = &customerName.String
	}
	if customerPhone.Valid {
		s.CustomerPhone = &customerPhone.String
	}
	if orderNumber.Valid {
		s.OrderNumber = &orderNumber.String
	}
	if notes.Valid {
		s.Notes = &notes.String
	}
	if estimatedMinutes.Valid {
		m := int(estimatedMinutes.Int64)
		s.EstimatedMinutes = &m
	}
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	return insertSession(ctx, r.DB.ExecContext, s)
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	return insertSession(ctx, tx.ExecContext, s)
}

func insertSession(ctx context.Context, exec func(context.Context, string, ...any) (sql.Result, error), s domain.Session) error {
	_, err := exec(ctx, `INSERT INTO sessions(id,state,cart_json,customer_name,customer_phone,order_number,notes,estimated_minutes,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.State, s.CartJSON, nullableStringPtr(s.CustomerName), nullableStringPtr(s.CustomerPhone), nullableStringPtr(s.OrderNumber),
		nullableStringPtr(s.Notes), nullableIntPtr(s.EstimatedMinutes), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET state=?, cart_json=?, customer_name=?, customer_phone=?, order_number=?, notes=?, estimated_minutes=?, updated_at=? WHERE id=?`,
		s.State, s.CartJSON, nullableStringPtr(s.CustomerName), nullableStringPtr(s.CustomerPhone), nullableStringPtr(s.OrderNumber),
		nullableStringPtr(s.Notes), nullableIntPtr(s.EstimatedMinutes), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type SessionFilters struct {
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertTurnTx(ctx context.Context, tx *sql.Tx, t domain.Turn) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO session_turns(session_id,role,content,created_at) VALUES (?,?,?,?)`,
		t.SessionID, t.Role, t.Content, t.CreatedAt)
	return err
}

// RecentTurns returns the latest turns for a session in chronological order.
func (r Repo) RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,role,content,created_at FROM (
SELECT id,session_id,role,content,created_at FROM session_turns WHERE session_id=? ORDER BY id DESC LIMIT ?
) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Turn
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,role,content,created_at FROM session_turns WHERE session_id=? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Turn
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
