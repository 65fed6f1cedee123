package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dreamlens/dreamlens/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Create(ctx context.Context, g *models.Generation) error {
	const query = `
INSERT INTO generations (id, account_id, prompt, content_type, quality, size, category, style, cost, status, result_url)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''))`
	if _, err := r.db.ExecContext(ctx, query, g.ID, g.AccountID, g.Prompt, g.ContentType, g.Quality, g.Size, g.Category, g.Style, g.Cost, g.Status, g.ResultURL); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (r *GenerationRepository) ListByAccount(ctx context.Context, accountID string, contentType models.ContentType, limit int) ([]models.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, account_id, prompt, content_type, quality, COALESCE(size, ''), COALESCE(category, ''), COALESCE(style, ''), cost, status, COALESCE(result_url, ''), created_at
FROM generations
WHERE account_id = ?`
	args := []any{accountID}
	if contentType != "" {
		query += ` AND content_type = ?`
		args = append(args, contentType)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var gens []models.Generation
	for rows.Next() {
		var g models.Generation
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Prompt, &g.ContentType, &g.Quality, &g.Size, &g.Category, &g.Style, &g.Cost, &g.Status, &g.ResultURL, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}
