package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nodesync/server/internal/config"
	"github.com/nodesync/server/internal/handlers"
	custommw "github.com/nodesync/server/internal/middleware"
	"github.com/nodesync/server/internal/observability"
	"github.com/nodesync/server/internal/repository"
	"github.com/nodesync/server/internal/services"
)

const serverVersion = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize telemetry
	telemetry, err := observability.Initialize(ctx, observability.NewConfig("nodesync-server", serverVersion))
	if err != nil {
		log.Printf("Warning: telemetry initialization failed: %v", err)
	}

	// Initialize database
	db := initDatabase(cfg)
	defer db.Close()

	// Repositories
	sessionRepo := repository.NewSyncSessionRepository(db)
	watermarkRepo := repository.NewWatermarkRepository(db)
	changeLogRepo := repository.NewChangeLogRepository(db)
	applyRepo := repository.NewChangeApplyRepository(db)
	conflictRepo := repository.NewConflictRecordRepository(db)

	// Metrics
	syncMetrics, err := observability.NewSyncMetrics()
	if err != nil {
		log.Printf("Warning: sync metrics unavailable: %v", err)
	}
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		log.Printf("Warning: HTTP metrics unavailable: %v", err)
	}

	// Services
	attachments, err := services.NewAttachmentStore(cfg.AttachmentStorage.BasePath)
	if err != nil {
		log.Fatalf("Failed to initialize attachment store: %v", err)
	}

	peers := services.NewPeerDirectory(cfg.PeerTTL())
	hub := services.NewWebSocketHub()
	go hub.Run()

	resolver := services.NewConflictResolverService()
	tracker := services.NewChangeTrackerService(changeLogRepo, watermarkRepo, attachments,
		cfg.SynchronizedTables, cfg.Transfer.AttachmentChunkKB<<10)
	applyService := services.NewApplyService(applyRepo, resolver, attachments, syncMetrics, cfg.NodeID)
	sessionManager := services.NewSessionManagerService(sessionRepo, peers, hub, syncMetrics)
	transferService := services.NewTransferService(cfg, sessionManager, tracker, applyService, peers, syncMetrics)
	sessionManager.SetRunner(transferService)

	discovery := services.NewDiscoveryService(cfg.NodeID, cfg.Discovery.Group, cfg.DiscoveryPort(),
		cfg.AnnounceInterval(), cfg.SynchronizedTables, peers)
	if err := discovery.Start(ctx); err != nil {
		log.Fatalf("Failed to start discovery beacon: %v", err)
	}
	go peers.RunPruner(ctx, cfg.PeerTTL())

	watchdog := services.NewWatchdogService(sessionManager, cfg.WatchdogInterval(), cfg.MaxSessionDuration())
	go watchdog.Run(ctx)

	// Handlers
	sessionHandler := handlers.NewSessionHandler(sessionManager, cfg.NodeID)
	transferHandler := handlers.NewTransferHandler(applyService, tracker, cfg.NodeID,
		cfg.Transfer.BatchMaxRecords, cfg.Transfer.BatchMaxBytes)
	peerHandler := handlers.NewPeerHandler(peers)
	conflictHandler := handlers.NewConflictHandler(conflictRepo)
	healthHandler := handlers.NewHealthHandler(cfg.NodeID, serverVersion)
	wsHandler := handlers.NewWebSocketHandler(hub)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware("nodesync-server"))
	if httpMetrics != nil {
		r.Use(observability.MetricsMiddleware(httpMetrics))
	}
	r.Use(custommw.RegistrationKeyAuth(cfg.Security.RegistrationKey, cfg.Security.RegistrationKeyHash, cfg.Security.KeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/ws", wsHandler.HandleConnection)

	r.Route("/api/sync", func(r chi.Router) {
		r.Post("/sessions", sessionHandler.StartSession)
		r.Get("/sessions", sessionHandler.ListSessions)
		r.Delete("/sessions", sessionHandler.CancelAllSessions)
		r.Get("/sessions/{id}", sessionHandler.GetSession)
		r.Delete("/sessions/{id}", sessionHandler.CancelSession)

		r.Post("/batches", transferHandler.ReceiveBatch)
		r.Get("/changes", transferHandler.ListChanges)

		r.Get("/peers", peerHandler.ListPeers)
		r.Get("/conflicts", conflictHandler.ListConflicts)
	})

	// Transfer API server
	srv := &http.Server{
		Addr:         cfg.TransferAddress(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Longer for attachment batches
		IdleTimeout:  60 * time.Second,
	}

	// Health listener on its own port so monitoring works even when the
	// transfer API is saturated
	healthMux := chi.NewRouter()
	healthMux.Get("/health", healthHandler.HealthCheck)
	healthSrv := &http.Server{
		Addr:         cfg.HealthAddress(),
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("NodeSync Server starting on %s (node %s)", cfg.TransferAddress(), cfg.NodeID)
		log.Printf("Attachment storage path: %s", cfg.AttachmentStorage.BasePath)
		log.Printf("Discovery group %s:%d, announcing as %s", cfg.Discovery.Group, cfg.DiscoveryPort(), discovery.AnnounceAddress())

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Health listener error: %v", err)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	healthSrv.Shutdown(shutdownCtx)

	if telemetry != nil {
		telemetry.Shutdown(shutdownCtx)
	}

	log.Println("Server stopped")
}

func initDatabase(cfg *config.Config) *sql.DB {
	if cfg.UsePostgres() {
		log.Println("Using PostgreSQL database")
		db, err := repository.NewPostgresDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL database: %v", err)
		}
		return db
	}

	log.Println("Using SQLite database")
	db, err := repository.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize SQLite database: %v", err)
	}
	return db
}
