package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"trade_gateway/internal/broker"
	"trade_gateway/internal/broker/angel"
	"trade_gateway/internal/broker/dhan"
	"trade_gateway/internal/broker/kite"
	"trade_gateway/internal/config"
	"trade_gateway/internal/database"
	"trade_gateway/internal/facade"
	"trade_gateway/internal/handlers"
	"trade_gateway/internal/middleware"
	"trade_gateway/internal/repository"
	"trade_gateway/internal/session"
)

// App holds the application dependencies.
type App struct {
	config        *config.Config
	db            *database.DB
	router        *chi.Mux
	manager       *session.Manager
	brokerHandler *handlers.BrokerHandler
	dataHandler   *handlers.DataHandler
	totpHandler   *handlers.TOTPHandler
	adminHandler  *handlers.AdminHandler
}

func main() {
	// Load configuration
	cfg := config.New()

	// Initialize database
	db, err := database.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations completed")

	// Credentials are encrypted at rest
	encryptor, err := broker.NewEncryptor(cfg.EncryptionSecret)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	// Create repositories
	credRepo := repository.NewCredentialRepository(db, encryptor)
	sessRepo := repository.NewSessionRepository(db)

	// Register broker drivers
	registry := broker.NewRegistry(
		kite.New(cfg.KiteLoginURL, cfg.KiteAPIURL),
		dhan.New(cfg.DhanAuthURL, cfg.DhanAPIURL),
		angel.New(cfg.AngelAPIURL),
	)

	// Create the session manager and restore persisted sessions
	manager := session.NewManager(registry, credRepo, sessRepo, cfg.SessionTTL, cfg.LoginAttemptTimeout)
	if _, _, err := manager.LoadAllActiveIntoCache(); err != nil {
		log.Fatalf("Failed to restore sessions: %v", err)
	}

	// Create handlers
	dataFacade := facade.New(manager)
	app := &App{
		config:        cfg,
		db:            db,
		manager:       manager,
		brokerHandler: handlers.NewBrokerHandler(manager, cfg.CallbackBaseURL),
		dataHandler:   handlers.NewDataHandler(dataFacade),
		totpHandler:   handlers.NewTOTPHandler(manager),
		adminHandler:  handlers.NewAdminHandler(manager, credRepo, sessRepo),
	}

	// Setup router
	app.setupRouter()

	// Create server
	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      app.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://%s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func (app *App) setupRouter() {
	r := chi.NewRouter()

	// Chi middleware (aliased as chimw to avoid conflict with our middleware package)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Compress(5))

	// Security headers for all responses
	r.Use(middleware.SecurityHeaders)

	// Health check
	r.Get("/health", app.adminHandler.Health)

	r.Route("/api", func(r chi.Router) {
		// Credential and login routes touch broker auth endpoints.
		// Rate limited so the gateway throttles before the broker locks
		// the account.
		r.Group(func(r chi.Router) {
			r.Use(middleware.LimitAuth)
			r.Post("/broker/register/{broker}", app.brokerHandler.Register)
			r.Get("/broker/login/{broker}", app.brokerHandler.Login)
			r.Get("/broker/callback/{broker}", app.brokerHandler.Callback)
		})

		// Session lifecycle
		r.Get("/broker/status/{broker}/{user_id}", app.brokerHandler.Status)
		r.Post("/broker/disconnect/{broker}/{user_id}", app.brokerHandler.Disconnect)
		r.Get("/broker/accounts", app.brokerHandler.Accounts)

		// TOTP display for manual angel logins. One-time codes must never
		// be cached.
		r.Group(func(r chi.Router) {
			r.Use(middleware.NoStore)
			r.Get("/broker/totp/angel/{user_id}", app.totpHandler.Code)
			r.Get("/broker/totp/angel/{user_id}/qr", app.totpHandler.QRCode)
		})

		// Broker data
		r.Group(func(r chi.Router) {
			r.Use(middleware.LimitAPI)
			r.Get("/broker/{broker}/{user_id}/orders", app.dataHandler.Orders)
			r.Get("/broker/{broker}/{user_id}/positions", app.dataHandler.Positions)
			r.Get("/broker/{broker}/{user_id}/trades", app.dataHandler.Trades)
		})

		// Operational
		r.Post("/admin/resync", app.adminHandler.Resync)
	})

	app.router = r
}
