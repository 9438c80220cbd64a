package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/Abhilash1575/virtual-lab/internal/auth"
	"github.com/Abhilash1575/virtual-lab/internal/booking"
	"github.com/Abhilash1575/virtual-lab/internal/config"
	"github.com/Abhilash1575/virtual-lab/internal/device"
	"github.com/Abhilash1575/virtual-lab/internal/events"
	"github.com/Abhilash1575/virtual-lab/internal/experiment"
	"github.com/Abhilash1575/virtual-lab/internal/firmware"
	"github.com/Abhilash1575/virtual-lab/internal/firmware/imagestore"
	"github.com/Abhilash1575/virtual-lab/internal/health"
	"github.com/Abhilash1575/virtual-lab/internal/labsession"
	"github.com/Abhilash1575/virtual-lab/internal/logger"
	"github.com/Abhilash1575/virtual-lab/internal/metrics"
	appmw "github.com/Abhilash1575/virtual-lab/internal/middleware"
	"github.com/Abhilash1575/virtual-lab/internal/notify"
	"github.com/Abhilash1575/virtual-lab/internal/power"
	"github.com/Abhilash1575/virtual-lab/internal/repository"
	"github.com/Abhilash1575/virtual-lab/internal/sse"
)

// Version is set at build time
var Version = "dev"

const (
	eventStoreSize       = 1000
	eventRetention       = time.Hour
	eventCleanupInterval = 5 * time.Minute
	bookingSweepInterval = time.Minute
	sseCleanupInterval   = 30 * time.Second
	dbStatsInterval      = 15 * time.Second
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Validate required configuration
	if cfg.JWT.AccessSecret == "" {
		log.Fatal("JWT_ACCESS_SECRET environment variable is required")
	}
	if cfg.JWT.RefreshSecret == "" {
		log.Fatal("JWT_REFRESH_SECRET environment variable is required")
	}

	appLogger := logger.New(logger.DefaultConfig())
	appLogger.Info("starting virtual lab server", "version", Version)

	// Setup database connections. The pgx pool serves the auth path, the
	// sqlx handle serves the scheduling repositories.
	dbPool, err := setupDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbPool.Close()

	sqlxDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database via sqlx: %v", err)
	}
	defer sqlxDB.Close()
	sqlxDB.SetMaxOpenConns(25)
	sqlxDB.SetMaxIdleConns(5)
	sqlxDB.SetConnMaxLifetime(5 * time.Minute)

	// Initialize repositories
	userRepo := repository.NewUserRepository(dbPool)
	sessionRepo := repository.NewSessionRepository(dbPool)
	experimentRepo := repository.NewExperimentRepo(sqlxDB)
	bookingRepo := repository.NewBookingRepo(sqlxDB)
	emailLogRepo := repository.NewEmailLogRepo(sqlxDB)

	// Event plumbing shared by the session manager, the firmware
	// dispatcher, the power monitor and the SSE handler
	eventStore := events.NewEventStore(eventStoreSize)
	eventBus := events.NewEventBus(eventStore)

	// Initialize services
	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:       cfg.JWT.AccessSecret,
		RefreshSecret:      cfg.JWT.RefreshSecret,
		AccessTokenExpiry:  cfg.JWT.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.JWT.RefreshTokenExpiry,
		Issuer:             cfg.JWT.Issuer,
	})

	passwordValidator := auth.NewPasswordValidator()

	authService := auth.NewAuthService(
		userRepo,
		sessionRepo,
		tokenService,
		passwordValidator,
		appLogger,
	)

	experimentService := experiment.NewService(experimentRepo, appLogger)

	// Booking confirmations go out by mail when a relay is configured
	var notifier *notify.Notifier
	if cfg.Email.SMTPAddr != "" {
		sender := &notify.SMTPSender{Addr: cfg.Email.SMTPAddr, From: cfg.Email.From}
		notifier = notify.NewNotifier(sender, emailLogRepo, appLogger)
	} else {
		appLogger.Info("email notifications disabled, EMAIL_SMTP_ADDR not set")
	}

	bookingService := booking.NewService(bookingRepo, experimentRepo, userRepo, notifier, appLogger)

	imageStore, err := imagestore.New(&cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize firmware image store: %v", err)
	}

	flashDispatcher := firmware.NewDispatcher(firmware.NewExecRunner(), eventBus, firmware.DispatcherConfig{
		SerialPort: cfg.Lab.SerialPort,
		Retries:    cfg.Lab.FlashRetries,
		Backoff:    cfg.Lab.FlashRetryBackoff,
	}, appLogger)

	// Power monitor feeds the health check and the low-voltage drain
	powerMonitor := power.NewMonitor(
		power.NewSysfsHardware(cfg.Power.BatterySupply, cfg.Power.ACSupply),
		eventBus,
		power.MonitorConfig{
			Interval:            cfg.Power.PollInterval,
			LowVoltageThreshold: cfg.Power.LowVoltageThreshold,
		},
		appLogger,
	)
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	powerMonitor.Start(monitorCtx)

	// Lab session manager owns the rig: relay, rail sensor, serial console
	sessionManager := labsession.NewManager(
		bookingRepo,
		experimentRepo,
		labsession.NewRegistry(),
		device.NewSerialOpener(),
		device.NewGPIORelay(cfg.Lab.RelayGPIO, cfg.Lab.RelayActiveLow),
		device.NewADCRailSensor(cfg.Lab.RailADCPath, cfg.Lab.RailADCChannel, cfg.Lab.RailADCScale, cfg.Lab.RailMinVoltage),
		flashDispatcher,
		imageStore,
		eventBus,
		labsession.ManagerConfig{
			DeviceID:        cfg.Lab.DeviceID,
			SerialPort:      cfg.Lab.SerialPort,
			SerialBaud:      cfg.Lab.SerialBaud,
			PowerOnTimeout:  cfg.Lab.PowerOnTimeout,
			IdleTimeout:     cfg.Lab.IdleTimeout,
			DisconnectGrace: cfg.Lab.DisconnectGrace,
		},
		appLogger,
	)

	// Initialize handlers
	authHandler := auth.NewAuthHandler(authService)
	experimentHandler := experiment.NewHandler(experimentService, appLogger)
	bookingHandler := booking.NewHandler(bookingService, appLogger)
	sessionHandler := labsession.NewHandler(sessionManager, powerMonitor, appLogger)

	sseConnManager := sse.NewConnectionManager(sse.DefaultConfig())
	sseHandler := sse.NewHandler(sse.DefaultConfig(), sseConnManager, eventBus, tokenService, sessionManager, sessionManager)
	stopSSECleanup := sseConnManager.StartCleanupRoutine(sseCleanupInterval)

	healthHandler := health.NewHandler(health.Config{
		DBPool:       dbPool,
		Monitor:      powerMonitor,
		PollInterval: cfg.Power.PollInterval,
		Version:      Version,
	})
	healthHandler.SetReady(true)

	// Initialize middleware
	authMiddleware := appmw.NewAuthMiddleware(tokenService, sessionRepo)
	loggingMiddleware := appmw.NewLoggingMiddleware(appLogger)
	flashLimiter := appmw.NewFlashRateLimiter()

	dbStats := metrics.NewDBStatsCollector(dbPool, sqlxDB.DB, appLogger)
	dbStats.Start(dbStatsInterval)

	// Background sweeps: lapsed bookings and old ring-buffer events
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(bookingSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := bookingService.ExpireLapsed(sweepCtx); err != nil {
					appLogger.Error("booking expiry sweep failed", "error", err)
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(eventCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if err := eventStore.Cleanup(eventRetention); err != nil {
					appLogger.Error("event store cleanup failed", "error", err)
				}
			}
		}
	}()

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(loggingMiddleware.Handler)
	r.Use(metrics.Middleware)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health and metrics endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, authHandler, authMiddleware.Authenticate, authMiddleware.AuthenticateAllowExpiredPassword, authMiddleware.RequireAdmin)
		experiment.RegisterRoutes(r, experimentHandler, authMiddleware.Authenticate, authMiddleware.RequireAdmin)
		booking.RegisterRoutes(r, bookingHandler, authMiddleware.Authenticate)
		labsession.RegisterRoutes(r, sessionHandler, authMiddleware.Authenticate, flashLimiter.RateLimitFlash)
		sse.RegisterRoutes(r, sseHandler)
	})

	// Create server
	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		appLogger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("server forced to shutdown", "error", err)
	}

	// Drain the lab: close live sessions, drop the relay, stop the feeds
	sessionManager.Shutdown()
	stopSSECleanup()
	stopSweeps()
	powerMonitor.Stop()
	stopMonitor()
	dbStats.Stop()

	appLogger.Info("server exited")
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Connected to database %s on %s:%s", cfg.Database.DBName, cfg.Database.Host, cfg.Database.Port)
	return pool, nil
}
