package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

type ProductRepository struct {
	db *sql.DB
}

func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	p := &models.Product{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, price_per_kg, stock, updated_at FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.PricePerKg, &p.Stock, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// UpsertProduct is used by seeding and tests; the order path only touches stock.
func (r *ProductRepository) UpsertProduct(ctx context.Context, p *models.Product) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO products (id, name, price_per_kg, stock, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price_per_kg = EXCLUDED.price_per_kg,
			stock = EXCLUDED.stock, updated_at = NOW()`,
		p.ID, p.Name, p.PricePerKg, p.Stock)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}
