package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/daankoote/savri-dossiers/internal/client"
	"github.com/daankoote/savri-dossiers/internal/config"
	"github.com/daankoote/savri-dossiers/internal/database"
	"github.com/daankoote/savri-dossiers/internal/handler"
	"github.com/daankoote/savri-dossiers/internal/logger"
	"github.com/daankoote/savri-dossiers/internal/middleware"
	"github.com/daankoote/savri-dossiers/internal/repository"
	"github.com/daankoote/savri-dossiers/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Dossier Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Initialize repositories
	dossierRepo := repository.NewDossierRepository(db)
	chargerRepo := repository.NewChargerRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	consentRepo := repository.NewConsentRepository(db)
	checkRepo := repository.NewCheckRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	idempotencyRepo := repository.NewIdempotencyRepository(db)
	outboundRepo := repository.NewOutboundRepository(db)

	// Initialize external clients
	geocoderClient := client.NewGeocoderClient(cfg.Geocoder.BaseURL, cfg.Geocoder.APIKey, cfg.Geocoder.Timeout)
	mailClient := client.NewMailClient(cfg.Mail.BaseURL, cfg.Mail.APIKey, cfg.Mail.Sender)
	storageClient := client.NewStorageClient(cfg.Storage.BaseURL, cfg.Storage.Bucket, cfg.Storage.SigningSecret)

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, events disabled")
		} else {
			defer natsConn.Close()
			log.Info().Str("url", cfg.NATSURL).Msg("NATS connection established")
		}
	}
	publisher := client.NewNotificationPublisher(natsConn, log.Logger)

	// Initialize services
	auditRecorder := service.NewAuditRecorder(auditRepo, cfg.Service.Environment, log)
	accessService := service.NewAccessService(dossierRepo, auditRecorder, cfg.EmailVerifiedOnAccess, log)
	dossierService := service.NewDossierService(
		dossierRepo, chargerRepo, documentRepo, consentRepo, checkRepo, outboundRepo,
		geocoderClient, publisher, accessService, auditRecorder, cfg.PortalBaseURL, log)
	chargerService := service.NewChargerService(
		dossierRepo, chargerRepo, documentRepo, storageClient, accessService, auditRecorder, log)
	documentService := service.NewDocumentService(
		dossierRepo, chargerRepo, documentRepo, consentRepo, checkRepo,
		storageClient, accessService, auditRecorder,
		cfg.Storage.UploadTTL, cfg.Storage.DownloadTTL, log)
	evaluationService := service.NewEvaluationService(
		dossierRepo, chargerRepo, documentRepo, consentRepo, checkRepo, outboundRepo,
		publisher, accessService, auditRecorder, log)

	// Start the outbound mail worker alongside the HTTP server
	worker := service.NewOutboundWorker(outboundRepo, mailClient, auditRecorder, cfg.Worker.Interval, cfg.Worker.BatchSize, log)
	worker.Start(ctx)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(
		dossierService, chargerService, documentService, evaluationService,
		idempotencyRepo, cfg.Service.Name, cfg.Service.Version, log)
	mux := http.NewServeMux()
	httpHandler.RegisterRoutes(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	worker.Stop()

	log.Info().Msg("Server stopped")
}
