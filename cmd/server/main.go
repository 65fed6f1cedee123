package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamlens/dreamlens/internal/api"
	"github.com/dreamlens/dreamlens/internal/config"
	"github.com/dreamlens/dreamlens/internal/database"
	"github.com/dreamlens/dreamlens/internal/identity"
	"github.com/dreamlens/dreamlens/internal/openai"
	"github.com/dreamlens/dreamlens/internal/payments"
	"github.com/dreamlens/dreamlens/internal/repository"
	"github.com/dreamlens/dreamlens/internal/service"
	"github.com/dreamlens/dreamlens/internal/storage"
	"github.com/dreamlens/dreamlens/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	accountRepo := repository.NewAccountRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	packageRepo := repository.NewPackageRepository(db)

	if err := packageRepo.EnsureDefaults(ctx); err != nil {
		log.Fatalf("ensure credit packages: %v", err)
	}

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	openaiClient := openai.NewClient(cfg, logr)
	stripeClient := payments.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookKey)
	verifier := identity.NewHTTPVerifier(cfg.AuthUserinfoURL)

	creditService := service.NewCreditService(accountRepo)
	generationService := service.NewGenerationService(logr, accountRepo, generationRepo, openaiClient, uploader)
	billingService := service.NewBillingService(logr, accountRepo, sessionRepo, packageRepo, stripeClient, cfg.StripeSuccessURL, cfg.StripeCancelURL)

	go runReconciler(ctx, logr, billingService, cfg.ReconcileInterval)

	server := api.NewServer(cfg.ListenAddr, logr, verifier, creditService, generationService, billingService)
	if err := server.Run(ctx); err != nil {
		logr.Error("server stopped", "err", err)
	}
}

// runReconciler periodically repairs payment sessions that were marked
// completed but never credited.
func runReconciler(ctx context.Context, logr *slog.Logger, billing *service.BillingService, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := billing.ReconcileSessions(ctx); err != nil {
				logr.Error("reconcile sessions", "err", err)
			}
		}
	}
}
