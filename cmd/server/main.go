package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"growthgate/internal/config"
	"growthgate/internal/handlers"
	"growthgate/internal/middleware"
	"growthgate/internal/models"
	"growthgate/internal/observability"
	"growthgate/internal/services"
	"growthgate/pkg/burnmetrics"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// read config file (default ./config.yml) and initialize logging
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if cfg.Server.Port == 0 {
		cfg = config.GetDefaultConfig()
	}

	// allow flags/env to override database connection (same interface as migrate)
	var (
		flagDSN   string
		dbHost    string
		dbPortStr string
		dbUser    string
		dbPass    string
		dbName    string
		dbSSLMode string
		dbTZ      string
		srvHost   string
		srvPort   int
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&flagDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides other DB flags")
	flagSet.StringVar(&dbHost, "db-host", getenvDefault("DB_HOST", cfg.Database.Host), "database host")
	flagSet.StringVar(&dbPortStr, "db-port", getenvDefault("DB_PORT", fmt.Sprintf("%d", cfg.Database.Port)), "database port")
	flagSet.StringVar(&dbUser, "db-user", getenvDefault("DB_USER", cfg.Database.User), "database user")
	flagSet.StringVar(&dbPass, "db-pass", getenvDefault("DB_PASSWORD", cfg.Database.Password), "database password")
	flagSet.StringVar(&dbName, "db-name", getenvDefault("DB_NAME", cfg.Database.Name), "database name")
	flagSet.StringVar(&dbSSLMode, "db-sslmode", getenvDefault("DB_SSLMODE", "disable"), "sslmode (disable, require, verify-ca, verify-full)")
	flagSet.StringVar(&dbTZ, "db-timezone", getenvDefault("DB_TIMEZONE", "UTC"), "database timezone")
	flagSet.StringVar(&srvHost, "host", getenvDefault("GROWTHGATE_HOST", cfg.Server.Host), "server host (listen)")
	flagSet.IntVar(&srvPort, "port", func() int {
		if p := os.Getenv("GROWTHGATE_PORT"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				return n
			}
		}
		return cfg.Server.Port
	}(), "server port (listen)")
	_ = flagSet.Parse(os.Args[1:])

	dsn := flagDSN
	if dsn == "" {
		host := firstNonEmpty(dbHost, cfg.Database.Host)
		user := firstNonEmpty(dbUser, cfg.Database.User)
		pass := firstNonEmpty(dbPass, cfg.Database.Password)
		name := firstNonEmpty(dbName, cfg.Database.Name)
		port := dbPortStr
		if port == "" && cfg.Database.Port != 0 {
			port = fmt.Sprintf("%d", cfg.Database.Port)
		}
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			host, user, pass, name, port, dbSSLMode, dbTZ)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.DomainResearch{}, &models.ChannelProfile{},
		&models.Campaign{}, &models.PromotionJob{}, &models.ContentQueueJob{}, &models.PromotionEvent{},
		&models.ReviewTask{},
		&models.FreezeOverride{}, &models.OverrideRequest{}, &models.OverrideAudit{},
		&models.FreezeIncident{}, &models.FreezeControllerState{},
		&models.DomainFinanceDaily{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// metrics source client
	burnClient := burnmetrics.NewClient(&burnmetrics.Config{
		BaseURL:    cfg.SLO.Metrics.BaseURL,
		APIKey:     cfg.SLO.Metrics.APIKey,
		Timeout:    cfg.SLO.Metrics.Timeout,
		MaxRetries: cfg.SLO.Metrics.MaxRetries,
	}, appLogger)

	// business services
	notifyService := services.NewNotifyService(cfg.Notify, appLogger)
	freezeService := services.NewFreezeService(db, appLogger, burnClient, cfg.Freeze, cfg.SLO, notifyService)
	overrideService := services.NewOverrideService(db, appLogger, cfg.Governance, cfg.Freeze, notifyService)
	reviewService := services.NewReviewService(db, appLogger, cfg.Review, notifyService)
	dispatchService := services.NewDispatchService(db, appLogger, freezeService, reviewService, cfg.Review, notifyService)
	signalService := services.NewSignalService(db, appLogger)
	autoplanService := services.NewAutoplanService(db, appLogger, signalService, dispatchService, cfg.Autoplan)
	campaignService := services.NewCampaignService(db, appLogger)

	// background loops: freeze monitor keeps hysteresis advancing; sweeps
	// expire stale override requests and escalate overdue reviews
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go freezeService.StartFreezeMonitor(ctx, cfg.Freeze.MonitorInterval)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := overrideService.ExpirePendingRequests(ctx); err != nil {
					appLogger.Errorf("expire override requests: %v", err)
				}
				if _, err := reviewService.EscalateOverdueTasks(ctx); err != nil {
					appLogger.Errorf("escalate review tasks: %v", err)
				}
			}
		}
	}()

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddlewareWithConfig(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(db, burnClient)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, healthHandler.GetMetrics)
	}

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	api.Use(middleware.RateLimitMiddleware(cfg))

	growthAPI := api.Group("/")
	growthAPI.Use(middleware.RequireResourcePermission("growth"))
	handlers.RegisterFreezeRoutes(growthAPI, handlers.NewFreezeHandler(freezeService, overrideService))
	handlers.RegisterAutoplanRoutes(growthAPI, handlers.NewAutoplanHandler(autoplanService))

	campaignsAPI := api.Group("/")
	campaignsAPI.Use(middleware.RequireResourcePermission("campaigns"))
	handlers.RegisterCampaignRoutes(campaignsAPI, handlers.NewCampaignHandler(campaignService, dispatchService))

	reviewsAPI := api.Group("/")
	reviewsAPI.Use(middleware.RequireResourcePermission("reviews"))
	handlers.RegisterReviewRoutes(reviewsAPI, handlers.NewReviewHandler(reviewService))

	host := firstNonEmpty(srvHost, cfg.Server.Host)
	port := srvPort
	if port == 0 {
		port = cfg.Server.Port
	}
	listenAddr := fmt.Sprintf("%s:%d", host, port)

	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	allowedOrigins := "*"
	allowedMethods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	allowedHeaders := "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization"
	if cfg != nil && cfg.Security.CORS.Enabled {
		if len(cfg.Security.CORS.AllowedOrigins) > 0 {
			allowedOrigins = strings.Join(cfg.Security.CORS.AllowedOrigins, ", ")
		}
		if len(cfg.Security.CORS.AllowedMethods) > 0 {
			allowedMethods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
		}
		if len(cfg.Security.CORS.AllowedHeaders) > 0 {
			allowedHeaders = strings.Join(cfg.Security.CORS.AllowedHeaders, ", ")
		}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", allowedMethods)
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
