package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bounce-sentinel-go/internal/config"
	"bounce-sentinel-go/internal/decoder"
	"bounce-sentinel-go/internal/handler"
	"bounce-sentinel-go/internal/metrics"
	"bounce-sentinel-go/internal/reporter"
	"bounce-sentinel-go/internal/retention"
	"bounce-sentinel-go/internal/scheduler"
	"bounce-sentinel-go/internal/store"
	"bounce-sentinel-go/internal/verifier"
)

func main() {
	// Configure logging
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Bounce Sentinel Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	// Initialize the record store
	recordStore, err := initStore(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize record store: %v", err)
	}

	// Initialize metrics
	m := metrics.NewMetrics()

	// Initialize the notification verifier; the trust-everything variant is
	// only available outside production.
	var v verifier.Verifier
	if cfg.IsProduction() {
		v = verifier.NewCertChain()
		logrus.Info("Using certificate-chain notification verification")
	} else {
		v = verifier.NewAlwaysTrust()
	}

	// Initialize the reporter with its SMTP transport
	transport := reporter.NewSMTPTransport(cfg.SMTP, cfg.Report.Sender, cfg.Report.RecipientList())
	rep := reporter.New(transport, m)

	// Initialize the retention engine and its scheduler
	engine := retention.NewEngine(recordStore, rep, cfg.Retention.Days, m)
	sched := scheduler.NewScheduler(cfg.Retention.Schedule, engine)

	// Initialize HTTP handlers
	limiter := handler.NewIPLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	handlers := handler.NewHandlers(recordStore, decoder.New(), v, sched, m, limiter)

	// Setup HTTP server
	router := setupRouter(handlers, cfg.IsProduction())
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start scheduler
	if err := sched.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	// Start HTTP server in a goroutine
	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop scheduler
	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}

	// Wait for in-flight retention cycles
	sched.Wait()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	// Close the record store
	if err := recordStore.Close(); err != nil {
		logrus.Errorf("Failed to close record store: %v", err)
	}

	logrus.Info("Server stopped gracefully")
}

// initStore constructs the configured persistence backend.
func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "mysql":
		db, err := initDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		logrus.Info("Using MySQL record store")
		return store.NewGormStore(db, cfg.Store.BackupDir)
	default:
		logrus.Info("Using CSV file record store")
		return store.NewCSVStore(cfg.Store.DataDir, cfg.Store.BackupDir)
	}
}

// initDatabase initializes the database connection
func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	// Configure GORM logger
	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	// Connect to database
	db, err := gorm.Open(mysql.Open(cfg.GetDSN()), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying SQL DB for connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	logrus.Info("Database initialized successfully")
	return db, nil
}

// setupRouter sets up the HTTP router with middleware
func setupRouter(handlers *handler.Handlers, production bool) *gin.Engine {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create router
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	// Setup routes
	handlers.SetupRoutes(router)

	return router
}

// loggerMiddleware adds logging middleware
func loggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	})
}
