package repo

import (
	"context"
	"database/sql"
	"strings"

	"mostrador/internal/domain"
)

const orderColumns = `id,number,session_id,customer_name,customer_phone,total,status,pickup_code,cart_json,notes,estimated_minutes,created_at,updated_at`

func scanOrder(scan func(dest ...any) error) (domain.Order, error) {
	var o domain.Order
	var customerName, customerPhone, notes sql.NullString
	var estimatedMinutes sql.NullInt64
	err := scan(&o.ID, &o.Number, &o.SessionID, &customerName, &customerPhone, &o.Total, &o.Status, &o.PickupCode, &o.CartJSON, &notes, &estimatedMinutes, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if customerName.Valid {
		o.CustomerName = &customerName.String
	}
	if customerPhone.Valid {
		o.CustomerPhone = &customerPhone.String
	}
	if notes.Valid {
		o.Notes = &notes.String
	}
	if estimatedMinutes.Valid {
		m := int(estimatedMinutes.Int64)
		o.EstimatedMinutes = &m
	}
	return o, nil
}

func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders(id,number,session_id,customer_name,customer_phone,total,status,pickup_code,cart_json,notes,estimated_minutes,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Number, o.SessionID, nullableStringPtr(o.CustomerName), nullableStringPtr(o.CustomerPhone), o.Total, o.Status, o.PickupCode, o.CartJSON,
		nullableStringPtr(o.Notes), nullableIntPtr(o.EstimatedMinutes), o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOrderByNumber(ctx context.Context, number string) (domain.Order, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE number=?`, number)
	return scanOrder(row.Scan)
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	return scanOrder(row.Scan)
}

type OrderFilters struct {
	Status          string
	SessionID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.Order, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) UpdateOrderStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertOrderLine(ctx context.Context, l domain.OrderLine) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO order_lines(order_id,product_id,name,qty,subtotal) VALUES (?,?,?,?,?)`,
		l.OrderID, nullableStringPtr(l.ProductID), l.Name, l.Qty, l.Subtotal)
	return err
}

func (r Repo) ListOrderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,order_id,product_id,name,qty,subtotal FROM order_lines WHERE order_id=? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrderLine
	for rows.Next() {
		var l domain.OrderLine
		var productID sql.NullString
		if err := rows.Scan(&l.ID, &l.OrderID, &productID, &l.Name, &l.Qty, &l.Subtotal); err != nil {
			return nil, err
		}
		if productID.Valid {
			l.ProductID = &productID.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
