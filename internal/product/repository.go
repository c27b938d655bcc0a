package product

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context) ([]Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, price, image_url, category, sizes, is_sold_out, created_at, updated_at
		FROM products
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}

	return products, nil
}

func (r *Repository) Create(ctx context.Context, input ProductInput) (Product, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Product{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	sizes, err := encodeSizes(input.Sizes)
	if err != nil {
		return Product{}, err
	}

	now := time.Now().UTC()
	p := Product{
		ID:          id.String(),
		Name:        input.Name,
		Description: input.Description,
		Price:       input.Price,
		ImageURL:    input.ImageURL,
		Category:    input.Category,
		Sizes:       input.Sizes,
		SoldOut:     input.SoldOut,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO products (id, name, description, price, image_url, category, sizes, is_sold_out, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, p.ID, p.Name, p.Description, p.Price, p.ImageURL, p.Category, sizes, p.SoldOut, now)
	if err != nil {
		return Product{}, fmt.Errorf("insert product: %w", err)
	}

	return p, nil
}

func (r *Repository) Update(ctx context.Context, id string, input ProductInput) (Product, error) {
	sizes, err := encodeSizes(input.Sizes)
	if err != nil {
		return Product{}, err
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, description = $3, price = $4, image_url = $5, category = $6, sizes = $7, is_sold_out = $8, updated_at = $9
		WHERE id = $1
		RETURNING id, name, description, price, image_url, category, sizes, is_sold_out, created_at, updated_at
	`, id, input.Name, input.Description, input.Price, input.ImageURL, input.Category, sizes, input.SoldOut, time.Now().UTC())

	p, err := scanProduct(row)
	if err != nil {
		return Product{}, err
	}

	return p, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var p Product
	var sizes []byte
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Price, &p.ImageURL,
		&p.Category, &sizes, &p.SoldOut, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return Product{}, err
		}
		return Product{}, fmt.Errorf("scan product: %w", err)
	}

	p.Sizes = []string{}
	if len(sizes) > 0 {
		if err := json.Unmarshal(sizes, &p.Sizes); err != nil {
			return Product{}, fmt.Errorf("decode product sizes: %w", err)
		}
	}

	return p, nil
}

func encodeSizes(sizes []string) ([]byte, error) {
	if sizes == nil {
		sizes = []string{}
	}
	encoded, err := json.Marshal(sizes)
	if err != nil {
		return nil, fmt.Errorf("encode product sizes: %w", err)
	}
	return encoded, nil
}
