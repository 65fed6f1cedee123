package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dreamlens/dreamlens/internal/models"
)

type PackageRepository struct {
	db *sql.DB
}

func NewPackageRepository(db *sql.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

func (r *PackageRepository) ListActive(ctx context.Context) ([]models.CreditPackage, error) {
	const query = `
SELECT id, name, credits, price_cents, discount_percent, COALESCE(stripe_price_id, ''), is_active, created_at
FROM credit_packages
WHERE is_active = 1
ORDER BY price_cents ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var packages []models.CreditPackage
	for rows.Next() {
		var p models.CreditPackage
		if err := rows.Scan(&p.ID, &p.Name, &p.Credits, &p.PriceCents, &p.DiscountPercent, &p.StripePriceID, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

func (r *PackageRepository) GetByID(ctx context.Context, id int64) (*models.CreditPackage, error) {
	const query = `
SELECT id, name, credits, price_cents, discount_percent, COALESCE(stripe_price_id, ''), is_active, created_at
FROM credit_packages
WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var p models.CreditPackage
	if err := row.Scan(&p.ID, &p.Name, &p.Credits, &p.PriceCents, &p.DiscountPercent, &p.StripePriceID, &p.IsActive, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get package: %w", err)
	}
	return &p, nil
}

// EnsureDefaults seeds the pricing tiers when the table is empty.
func (r *PackageRepository) EnsureDefaults(ctx context.Context) error {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_packages`).Scan(&count); err != nil {
		return fmt.Errorf("count packages: %w", err)
	}
	if count > 0 {
		return nil
	}

	defaults := []models.CreditPackage{
		{Name: "Starter", Credits: 100, PriceCents: 999, DiscountPercent: 0},
		{Name: "Creator", Credits: 500, PriceCents: 3999, DiscountPercent: 20},
		{Name: "Studio", Credits: 1500, PriceCents: 9999, DiscountPercent: 33},
	}
	const query = `
INSERT INTO credit_packages (name, credits, price_cents, discount_percent, is_active)
VALUES (?, ?, ?, ?, 1)`
	for _, p := range defaults {
		if _, err := r.db.ExecContext(ctx, query, p.Name, p.Credits, p.PriceCents, p.DiscountPercent); err != nil {
			return fmt.Errorf("seed package %s: %w", p.Name, err)
		}
	}
	return nil
}
