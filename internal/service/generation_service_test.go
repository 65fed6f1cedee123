package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/dreamlens/dreamlens/internal/models"
	"github.com/dreamlens/dreamlens/internal/openai"
	"github.com/dreamlens/dreamlens/internal/repository"
)

// ---------------------------------------------------------------------------
// In-memory mocks. They let the real service logic run without a database,
// and the account mock enforces the ledger invariant on every apply.
// ---------------------------------------------------------------------------

type mockAccounts struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	txns     []models.CreditTransaction
	applyErr error
}

func newMockAccounts(accs ...*models.Account) *mockAccounts {
	m := &mockAccounts{accounts: make(map[string]*models.Account)}
	for _, a := range accs {
		cp := *a
		m.accounts[a.ID] = &cp
	}
	return m
}

func (m *mockAccounts) Get(_ context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAccounts) Ensure(_ context.Context, id, email string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		cp := *a
		return &cp, nil
	}
	a := &models.Account{ID: id, Email: email}
	m.accounts[id] = a
	cp := *a
	return &cp, nil
}

func (m *mockAccounts) ApplyTransaction(_ context.Context, accountID string, amount int, kind models.TransactionKind, description, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	a, ok := m.accounts[accountID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.Credits += amount
	if amount > 0 {
		a.TotalPurchased += amount
	} else {
		a.TotalConsumed += -amount
	}
	if !a.Balanced() {
		return fmt.Errorf("ledger invariant broken for %s: %+v", accountID, a)
	}
	m.txns = append(m.txns, models.CreditTransaction{
		AccountID:   accountID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		Reference:   reference,
	})
	return nil
}

func (m *mockAccounts) ListTransactions(_ context.Context, accountID string, _ int) ([]models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CreditTransaction
	for _, t := range m.txns {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockAccounts) credits(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].Credits
}

func (m *mockAccounts) transactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}

// ---

type mockGenerations struct {
	mu        sync.Mutex
	rows      []models.Generation
	createErr error
}

func (m *mockGenerations) Create(_ context.Context, g *models.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.rows = append(m.rows, *g)
	return nil
}

func (m *mockGenerations) ListByAccount(_ context.Context, accountID string, _ models.ContentType, _ int) ([]models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Generation
	for _, g := range m.rows {
		if g.AccountID == accountID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *mockGenerations) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// ---

type mockProvider struct {
	mu     sync.Mutex
	calls  int
	errs   []error // consumed per call; nil entry means success
	result *openai.Result
}

func (m *mockProvider) next() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.calls < len(m.errs) {
		err = m.errs[m.calls]
	}
	m.calls++
	return err
}

func (m *mockProvider) GenerateImage(_ context.Context, _ openai.ImageOptions) (*openai.Result, error) {
	if err := m.next(); err != nil {
		return nil, err
	}
	return m.result, nil
}

func (m *mockProvider) GenerateVideo(_ context.Context, _ openai.VideoOptions) (*openai.Result, error) {
	if err := m.next(); err != nil {
		return nil, err
	}
	return m.result, nil
}

func (m *mockProvider) EnhancePrompt(_ context.Context, prompt string) (string, error) {
	if err := m.next(); err != nil {
		return "", err
	}
	return "enhanced: " + prompt, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// ---

type mockResults struct {
	uploadErr error
}

func (m *mockResults) Upload(_ context.Context, data []byte, contentType string) (string, error) {
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	return "https://cdn.example.com/generations/test.png", nil
}

// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGenerationService(accounts *mockAccounts, gens *mockGenerations, provider *mockProvider, results *mockResults) *GenerationService {
	return NewGenerationService(testLogger(), accounts, gens, provider, results)
}

func okProvider() *mockProvider {
	return &mockProvider{result: &openai.Result{Data: []byte("png-bytes"), Mime: "image/png"}}
}

func TestGeneratePromptValidationBoundary(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1", Credits: 10, TotalPurchased: 10})
	gens := &mockGenerations{}
	svc := newTestGenerationService(accounts, gens, okProvider(), &mockResults{})

	for _, prompt := range []string{"", "a", "ab", "  ab  "} {
		_, err := svc.Generate(context.Background(), "u1", GenerationRequest{Prompt: prompt})
		if !errors.Is(err, ErrInvalidPrompt) {
			t.Errorf("prompt %q: got %v, want ErrInvalidPrompt", prompt, err)
		}
	}
	if gens.count() != 0 || accounts.transactionCount() != 0 {
		t.Fatalf("rejected prompts must leave no rows, got %d generations %d txns", gens.count(), accounts.transactionCount())
	}

	gen, err := svc.Generate(context.Background(), "u1", GenerationRequest{Prompt: "cat"})
	if err != nil {
		t.Fatalf("3-char prompt should be accepted: %v", err)
	}
	if gen.Status != models.GenerationCompleted {
		t.Errorf("status = %s, want completed", gen.Status)
	}
}

func TestGenerateInsufficientCredits(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1", Credits: 2, TotalPurchased: 2})
	gens := &mockGenerations{}
	provider := okProvider()
	svc := newTestGenerationService(accounts, gens, provider, &mockResults{})

	_, err := svc.Generate(context.Background(), "u1", GenerationRequest{Prompt: "a sunset"})
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("got %v, want InsufficientCreditsError", err)
	}
	if insufficient.Required != 3 || insufficient.Available != 2 {
		t.Errorf("error amounts = %d/%d, want 3/2", insufficient.Required, insufficient.Available)
	}
	if !strings.Contains(insufficient.Error(), "need 3") || !strings.Contains(insufficient.Error(), "have 2") {
		t.Errorf("message must state required vs available: %q", insufficient.Error())
	}
	if provider.callCount() != 0 {
		t.Error("provider must not be called without funds")
	}
	if gens.count() != 0 || accounts.transactionCount() != 0 || accounts.credits("u1") != 2 {
		t.Error("rejection must leave no generation row and no ledger change")
	}
}

func TestGenerateDebitsExactlyOnce(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1", Credits: 10, TotalPurchased: 10})
	gens := &mockGenerations{}
	svc := newTestGenerationService(accounts, gens, okProvider(), &mockResults{})

	gen, err := svc.Generate(context.Background(), "u1", GenerationRequest{Prompt: "a red fox in the snow"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if accounts.credits("u1") != 7 {
		t.Errorf("credits = %d, want 7", accounts.credits("u1"))
	}
	if gens.count() != 1 {
		t.Fatalf("generation rows = %d, want 1", gens.count())
	}
	if gen.Cost != 3 {
		t.Errorf("cost = %d, want 3", gen.Cost)
	}
	if gen.ResultURL == "" {
		t.Error("completed generation must carry a result url")
	}

	txns, _ := accounts.ListTransactions(context.Background(), "u1", 10)
	if len(txns) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txns))
	}
	if txns[0].Amount != -3 || txns[0].Kind != models.TransactionUsage {
		t.Errorf("transaction = %+v, want usage of -3", txns[0])
	}
}

func TestGenerateVideoCost(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1", Credits: 30, TotalPurchased: 30})
	gens := &mockGenerations{}
	svc := newTestGenerationService(accounts, gens, okProvider(), &mockResults{})

	gen, err := svc.Generate(context.Background(), "u1", GenerationRequest{
		Prompt:      "waves crashing on a cliff",
		ContentType: models.ContentVideo,
		Quality:     models.QualityHD,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gen.Cost != 25 {
		t.Errorf("cost = %d, want 25", gen.Cost)
	}
	if accounts.credits("u1") != 5 {
		t.Errorf("credits = %d, want 5", accounts.credits("u1"))
	}
}

func TestGenerateProviderErrorLeavesNoTrace(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1", Credits: 10, TotalPurchased: 10})
	gens := &mockGenerations{}
	provider := &mockProvider{errs: []error{
		&openai.ProviderError{Kind: openai.KindPolicyViolation, Message: "rejected"},
	}}
	svc := newTestGenerationService(accounts, gens, provider, &mockResults{})

	_, err := svc.Generate(context.Background(), "u1", GenerationRequest{Prompt: "something"})
	var provErr *openai.ProviderError
	if !errors.As(err, &provErr) || provErr.Kind != openai.KindPolicyViolation {
		t.Fatalf("got %v, want policy violation", err)
	}
	if provider.callCount() != 1 {
		t.Errorf("policy violations must not be retried, calls = %d", provider.callCount())
	}
	if gens.count() != 0 || accounts.transactionCount() != 0 || accounts.credits("u1") != 10 {
		t.Error("failed generation must leave no row and no ledger change")
	}
}

func TestGenerateRetriesTransientErrorOnce(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1", Credits: 10, TotalPurchased: 10})
	gens := &mockGenerations{}
	provider := &mockProvider{
		errs:   []error{&openai.ProviderError{Kind: openai.KindTransport, Message: "connection reset"}, nil},
		result: &openai.Result{Data: []byte("png-bytes"), Mime: "image/png"},
	}
	svc := newTestGenerationService(accounts, gens, provider, &mockResults{})

	_, err := svc.Generate(context.Background(), "u1", GenerationRequest{Prompt: "a lighthouse"})
	if err != nil {
		t.Fatalf("retry should have recovered: %v", err)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
	// The retry happened before persistence: still exactly one row, one debit.
	if gens.count() != 1 || accounts.transactionCount() != 1 {
		t.Errorf("rows = %d, txns = %d; want 1 and 1", gens.count(), accounts.transactionCount())
	}
}

func TestGenerateRetryGivesUpAfterSecondFailure(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1", Credits: 10, TotalPurchased: 10})
	gens := &mockGenerations{}
	provider := &mockProvider{errs: []error{
		&openai.ProviderError{Kind: openai.KindTimeout, Message: "deadline exceeded"},
		&openai.ProviderError{Kind: openai.KindTimeout, Message: "deadline exceeded"},
	}}
	svc := newTestGenerationService(accounts, gens, provider, &mockResults{})

	_, err := svc.Generate(context.Background(), "u1", GenerationRequest{Prompt: "a lighthouse"})
	var provErr *openai.ProviderError
	if !errors.As(err, &provErr) || provErr.Kind != openai.KindTimeout {
		t.Fatalf("got %v, want timeout", err)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want exactly 2", provider.callCount())
	}
	if accounts.credits("u1") != 10 {
		t.Error("failed generation must not touch credits")
	}
}

func TestGenerateDebitFailureStillSucceeds(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1", Credits: 10, TotalPurchased: 10})
	accounts.applyErr = errors.New("ledger unavailable")
	gens := &mockGenerations{}
	svc := newTestGenerationService(accounts, gens, okProvider(), &mockResults{})

	gen, err := svc.Generate(context.Background(), "u1", GenerationRequest{Prompt: "a quiet harbor"})
	if err != nil {
		t.Fatalf("debit failure must not fail the generation: %v", err)
	}
	if gen.Status != models.GenerationCompleted {
		t.Errorf("status = %s, want completed", gen.Status)
	}
	if gens.count() != 1 {
		t.Errorf("generation rows = %d, want 1", gens.count())
	}
	// The user keeps the content; the ledger under-counts in their favor.
	if accounts.credits("u1") != 10 {
		t.Errorf("credits = %d, want untouched 10", accounts.credits("u1"))
	}
}

func TestGeneratePersistFailureAborts(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1", Credits: 10, TotalPurchased: 10})
	gens := &mockGenerations{createErr: errors.New("db down")}
	svc := newTestGenerationService(accounts, gens, okProvider(), &mockResults{})

	_, err := svc.Generate(context.Background(), "u1", GenerationRequest{Prompt: "a quiet harbor"})
	if err == nil {
		t.Fatal("persist failure must abort the operation")
	}
	if accounts.transactionCount() != 0 {
		t.Error("aborted generation must not debit")
	}
}

func TestGenerateUnknownAccount(t *testing.T) {
	accounts := newMockAccounts()
	svc := newTestGenerationService(accounts, &mockGenerations{}, okProvider(), &mockResults{})

	_, err := svc.Generate(context.Background(), "ghost", GenerationRequest{Prompt: "anything"})
	if !errors.Is(err, repository.ErrAccountNotFound) {
		t.Fatalf("got %v, want ErrAccountNotFound", err)
	}
}

func TestLedgerConservation(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1"})
	ctx := context.Background()

	steps := []struct {
		amount int
		kind   models.TransactionKind
	}{
		{100, models.TransactionPurchase},
		{-3, models.TransactionUsage},
		{-25, models.TransactionUsage},
		{500, models.TransactionPurchase},
		{3, models.TransactionRefund},
		{-8, models.TransactionUsage},
	}
	for i, step := range steps {
		if err := accounts.ApplyTransaction(ctx, "u1", step.amount, step.kind, "test", ""); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		a, _ := accounts.Get(ctx, "u1")
		if !a.Balanced() {
			t.Fatalf("step %d: invariant broken: %+v", i, a)
		}
	}

	a, _ := accounts.Get(ctx, "u1")
	if a.Credits != 567 || a.TotalPurchased != 603 || a.TotalConsumed != 36 {
		t.Errorf("final account = %+v, want credits 567, purchased 603, consumed 36", a)
	}
}

func TestEnhancePrompt(t *testing.T) {
	accounts := newMockAccounts(&models.Account{ID: "u1", Credits: 10, TotalPurchased: 10})
	svc := newTestGenerationService(accounts, &mockGenerations{}, okProvider(), &mockResults{})

	enhanced, err := svc.Enhance(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if enhanced != "enhanced: a cat" {
		t.Errorf("enhanced = %q", enhanced)
	}

	if _, err := svc.Enhance(context.Background(), "ab"); !errors.Is(err, ErrInvalidPrompt) {
		t.Errorf("short prompt: got %v, want ErrInvalidPrompt", err)
	}
}
