package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dreamlens/dreamlens/internal/identity"
	"github.com/dreamlens/dreamlens/internal/models"
	"github.com/dreamlens/dreamlens/internal/openai"
	"github.com/dreamlens/dreamlens/internal/payments"
	"github.com/dreamlens/dreamlens/internal/repository"
	"github.com/dreamlens/dreamlens/internal/service"
)

type contextKey string

const accountIDKey contextKey = "account_id"

type Server struct {
	addr        string
	log         *slog.Logger
	verifier    identity.Verifier
	credits     *service.CreditService
	generations *service.GenerationService
	billing     *service.BillingService
	router      *chi.Mux
}

func NewServer(addr string, log *slog.Logger, verifier identity.Verifier, credits *service.CreditService, generations *service.GenerationService, billing *service.BillingService) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:        addr,
		log:         log,
		verifier:    verifier,
		credits:     credits,
		generations: generations,
		billing:     billing,
		router:      r,
	}

	r.Post("/webhook/stripe", s.handleStripeWebhook)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authMiddleware())
		api.Post("/generations", s.handleGenerate)
		api.Get("/generations", s.handleListGenerations)
		api.Post("/prompt/enhance", s.handleEnhancePrompt)
		api.Get("/credits", s.handleBalance)
		api.Get("/credits/transactions", s.handleTransactions)
		api.Get("/packages", s.handleListPackages)
		api.Post("/checkout", s.handleCheckout)
	})

	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // generation calls run for a while
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

// authMiddleware resolves the bearer token through the external identity
// provider and provisions the account row on first sight.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			ident, err := s.verifier.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, identity.ErrUnauthorized) {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				s.log.Error("verify token", "err", err)
				http.Error(w, "auth provider unavailable", http.StatusBadGateway)
				return
			}

			if _, err := s.credits.EnsureAccount(r.Context(), ident.AccountID, ident.Email); err != nil {
				s.log.Error("ensure account", "account", ident.AccountID, "err", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), accountIDKey, ident.AccountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func accountID(r *http.Request) string {
	id, _ := r.Context().Value(accountIDKey).(string)
	return id
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

type generateRequest struct {
	Prompt      string `json:"prompt"`
	ContentType string `json:"content_type"`
	Quality     string `json:"quality"`
	Size        string `json:"size"`
	Category    string `json:"category"`
	Style       string `json:"style"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	gen, err := s.generations.Generate(r.Context(), accountID(r), service.GenerationRequest{
		Prompt:      req.Prompt,
		ContentType: models.ContentType(req.ContentType),
		Quality:     models.Quality(req.Quality),
		Size:        req.Size,
		Category:    req.Category,
		Style:       req.Style,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, gen)
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	contentType := models.ContentType(r.URL.Query().Get("content_type"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	gens, err := s.generations.List(r.Context(), accountID(r), contentType, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if gens == nil {
		gens = []models.Generation{}
	}
	s.writeJSON(w, http.StatusOK, gens)
}

type enhanceRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleEnhancePrompt(w http.ResponseWriter, r *http.Request) {
	var req enhanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	enhanced, err := s.generations.Enhance(r.Context(), req.Prompt)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"enhanced_prompt": enhanced})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := s.credits.Balance(r.Context(), accountID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := s.credits.Transactions(r.Context(), accountID(r), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if txns == nil {
		txns = []models.CreditTransaction{}
	}
	s.writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := s.billing.ListPackages(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, packages)
}

type checkoutRequest struct {
	PackageID int64 `json:"package_id"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	session, url, err := s.billing.CreateCheckout(r.Context(), accountID(r), req.PackageID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":   session.StripeSessionID,
		"checkout_url": url,
	})
}

// handleStripeWebhook is the public endpoint for payment provider callbacks.
// The raw body is passed through untouched for signature verification.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}

	err = s.billing.HandleWebhookEvent(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrInvalidSignature):
			http.Error(w, "invalid signature", http.StatusBadRequest)
		case errors.Is(err, service.ErrSessionNotFound):
			http.Error(w, "session not found", http.StatusNotFound)
		default:
			s.log.Error("stripe webhook", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps the error taxonomy to HTTP statuses with a single
// human-readable message per failure.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var insufficient *service.InsufficientCreditsError
	var provErr *openai.ProviderError

	switch {
	case errors.Is(err, service.ErrInvalidPrompt):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficient):
		s.writeError(w, http.StatusPaymentRequired, insufficient.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, service.ErrPackageNotFound):
		s.writeError(w, http.StatusNotFound, "credit package not found")
	case errors.As(err, &provErr):
		s.writeProviderError(w, provErr)
	default:
		s.internalError(w, err)
	}
}

func (s *Server) writeProviderError(w http.ResponseWriter, provErr *openai.ProviderError) {
	switch provErr.Kind {
	case openai.KindPolicyViolation:
		s.writeError(w, http.StatusUnprocessableEntity, "the prompt was rejected by the content policy")
	case openai.KindRateLimited:
		s.writeError(w, http.StatusTooManyRequests, "the generation service is busy, try again shortly")
	case openai.KindTimeout:
		s.writeError(w, http.StatusGatewayTimeout, "the generation timed out, no credits were charged")
	default:
		s.log.Error("generation provider error", "kind", provErr.Kind, "err", provErr.Message)
		s.writeError(w, http.StatusBadGateway, "generation failed, no credits were charged")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("api handler error", "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
