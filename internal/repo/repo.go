package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"mostrador/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
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

// --- categories ---

func (r Repo) InsertCategory(ctx context.Context, c domain.Category) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO categories(id,name,position,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, c.Position, c.CreatedAt)
	return err
}

func (r Repo) GetCategory(ctx context.Context, id string) (domain.Category, error) {
	var c domain.Category
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,position,created_at FROM categories WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Position, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,position,created_at FROM categories ORDER BY position ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Position, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) DeleteCategory(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM categories WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- products ---

const productColumns = `id,category_id,name,price,unit,COALESCE(note,'') AS note,available,created_at,updated_at`

func scanProduct(scan func(dest ...any) error) (domain.Product, error) {
	var p domain.Product
	var categoryID sql.NullString
	var available int
	err := scan(&p.ID, &categoryID, &p.Name, &p.Price, &p.Unit, &p.Note, &available, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if categoryID.Valid {
		p.CategoryID = &categoryID.String
	}
	p.Available = available != 0
	return p, nil
}

func (r Repo) InsertProduct(ctx context.Context, p domain.Product) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO products(id,category_id,name,name_folded,price,unit,note,available,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, nullableStringPtr(p.CategoryID), p.Name, domain.Fold(p.Name), p.Price, p.Unit, nullable(p.Note), boolInt(p.Available), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdateProduct(ctx context.Context, p domain.Product) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE products SET category_id=?, name=?, name_folded=?, price=?, unit=?, note=?, available=?, updated_at=? WHERE id=?`,
		nullableStringPtr(p.CategoryID), p.Name, domain.Fold(p.Name), p.Price, p.Unit, nullable(p.Note), boolInt(p.Available), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetProductAvailability(ctx context.Context, id string, available bool, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE products SET available=?, updated_at=? WHERE id=?`, boolInt(available), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id=?`, id)
	return scanProduct(row.Scan)
}

type ProductFilters struct {
	CategoryID    string
	AvailableOnly bool
}

func (r Repo) ListProducts(ctx context.Context, f ProductFilters) ([]domain.Product, error) {
	var clauses []string
	var args []any
	if f.CategoryID != "" {
		clauses = append(clauses, "category_id=?")
		args = append(args, f.CategoryID)
	}
	if f.AvailableOnly {
		clauses = append(clauses, "available=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM products %s ORDER BY name ASC`, productColumns, where)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProduct(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM products WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
