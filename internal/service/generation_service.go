package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dreamlens/dreamlens/internal/models"
	"github.com/dreamlens/dreamlens/internal/openai"
)

const retryBackoff = 2 * time.Second

type GenerationStore interface {
	Create(ctx context.Context, g *models.Generation) error
	ListByAccount(ctx context.Context, accountID string, contentType models.ContentType, limit int) ([]models.Generation, error)
}

type Provider interface {
	GenerateImage(ctx context.Context, opts openai.ImageOptions) (*openai.Result, error)
	GenerateVideo(ctx context.Context, opts openai.VideoOptions) (*openai.Result, error)
	EnhancePrompt(ctx context.Context, prompt string) (string, error)
}

type ResultStore interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// GenerationRequest is one submitted attempt. Optional fields default to the
// standard image configuration.
type GenerationRequest struct {
	Prompt      string
	ContentType models.ContentType
	Quality     models.Quality
	Size        string
	Category    string
	Style       string
}

type GenerationService struct {
	log         *slog.Logger
	accounts    AccountStore
	generations GenerationStore
	provider    Provider
	results     ResultStore
}

func NewGenerationService(log *slog.Logger, accounts AccountStore, generations GenerationStore, provider Provider, results ResultStore) *GenerationService {
	return &GenerationService{
		log:         log,
		accounts:    accounts,
		generations: generations,
		provider:    provider,
		results:     results,
	}
}

// Generate runs one content-generation attempt end to end: validate, check
// funds, call the provider, persist the completed record, then debit.
//
// The debit comes last and is best-effort: once the user has their content it
// is never revoked, so a failed debit is logged and the call still succeeds.
func (s *GenerationService) Generate(ctx context.Context, accountID string, req GenerationRequest) (*models.Generation, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if len(prompt) < 3 {
		return nil, ErrInvalidPrompt
	}
	if req.ContentType == "" {
		req.ContentType = models.ContentImage
	}
	if req.Quality == "" {
		req.Quality = models.QualityStandard
	}
	if req.Size == "" && req.ContentType == models.ContentImage {
		req.Size = "1024x1024"
	}

	cost := models.CostFor(req.ContentType, req.Quality)

	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Credits < cost {
		return nil, &InsufficientCreditsError{Required: cost, Available: account.Credits}
	}

	result, err := s.callProvider(ctx, prompt, req)
	if err != nil {
		return nil, err
	}

	resultURL, err := s.results.Upload(ctx, result.Data, result.Mime)
	if err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}

	gen := &models.Generation{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Prompt:      prompt,
		ContentType: req.ContentType,
		Quality:     req.Quality,
		Size:        req.Size,
		Category:    req.Category,
		Style:       req.Style,
		Cost:        cost,
		Status:      models.GenerationCompleted,
		ResultURL:   resultURL,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.generations.Create(ctx, gen); err != nil {
		return nil, fmt.Errorf("persist generation: %w", err)
	}

	label := "Image"
	if req.ContentType == models.ContentVideo {
		label = "Video"
	}
	description := fmt.Sprintf("%s generation: %s", label, truncatePrompt(prompt))
	if err := s.accounts.ApplyTransaction(ctx, accountID, -cost, models.TransactionUsage, description, gen.ID); err != nil {
		// The content is already delivered; under-debiting favors the user.
		s.log.Error("debit after generation failed", "account", accountID, "generation", gen.ID, "cost", cost, "err", err)
	}

	return gen, nil
}

// callProvider dispatches to the right generator with one fixed-backoff retry
// for transient failures. Retries happen before any persistence, so they can
// never double-debit or double-persist.
func (s *GenerationService) callProvider(ctx context.Context, prompt string, req GenerationRequest) (*openai.Result, error) {
	result, err := s.callOnce(ctx, prompt, req)
	if err == nil {
		return result, nil
	}

	var provErr *openai.ProviderError
	if !errors.As(err, &provErr) || !provErr.Retryable() {
		return nil, err
	}

	s.log.Warn("provider attempt failed, retrying once", "kind", provErr.Kind, "err", provErr.Message)
	select {
	case <-ctx.Done():
		return nil, err
	case <-time.After(retryBackoff):
	}
	return s.callOnce(ctx, prompt, req)
}

func (s *GenerationService) callOnce(ctx context.Context, prompt string, req GenerationRequest) (*openai.Result, error) {
	switch req.ContentType {
	case models.ContentVideo:
		return s.provider.GenerateVideo(ctx, openai.VideoOptions{
			Prompt:  prompt,
			Quality: string(req.Quality),
		})
	default:
		return s.provider.GenerateImage(ctx, openai.ImageOptions{
			Prompt:  prompt,
			Quality: string(req.Quality),
			Size:    req.Size,
		})
	}
}

// Enhance rewrites a prompt via the provider. Stateless; the caller decides
// whether to use the result.
func (s *GenerationService) Enhance(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if len(prompt) < 3 {
		return "", ErrInvalidPrompt
	}
	enhanced, err := s.provider.EnhancePrompt(ctx, prompt)
	if err != nil {
		return "", err
	}
	if enhanced == "" {
		return prompt, nil
	}
	return enhanced, nil
}

func (s *GenerationService) List(ctx context.Context, accountID string, contentType models.ContentType, limit int) ([]models.Generation, error) {
	return s.generations.ListByAccount(ctx, accountID, contentType, limit)
}

func truncatePrompt(prompt string) string {
	const limit = 50
	if len(prompt) <= limit {
		return prompt
	}
	return prompt[:limit] + "..."
}
