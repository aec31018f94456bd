package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	intDatabase "voicecall-backend/internal/database"
	callHandler "voicecall-backend/internal/handler/http/call"
	pushHandler "voicecall-backend/internal/handler/http/push"
	wsHandler "voicecall-backend/internal/handler/ws"
	"voicecall-backend/internal/middleware"
	"voicecall-backend/internal/repository/cockroach"
	redisRepo "voicecall-backend/internal/repository/redis"
	"voicecall-backend/internal/service/callpush"
	"voicecall-backend/internal/service/callstore"
	"voicecall-backend/pkg/config"
	"voicecall-backend/pkg/constants"
	pkgDatabase "voicecall-backend/pkg/database"
	"voicecall-backend/pkg/jwt"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/metrics"
	"voicecall-backend/pkg/push"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.InitDefault()
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
		logger.Warn("Falling back to default logger", zap.Error(err))
	}
	defer logger.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. JWT Manager
	jwtSecret := cfg.JWT.Secret
	if jwtSecret == "" {
		logger.Warn("JWT_SECRET not set, using an insecure development secret")
		jwtSecret = "voicecall-development-secret-change-me"
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, cfg.JWT.Audience, constants.AccessTokenDuration)

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Connect to CockroachDB with retry
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	}

	db, err := connectCockroach(ctx, dbConfig, 5)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()

	if err := cockroach.EnsureSchema(ctx, db.Pool); err != nil {
		logger.Fatal("Failed to apply call schema", zap.Error(err))
	}
	logger.Info("Connected to CockroachDB", zap.String("host", dbConfig.Host))

	// 3. Initialize Redis with degraded mode support
	redisDB, err := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, appMetrics.GetRegistry())
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisDB.Close()

	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unreachable at startup, row-change feed degraded", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	clock := clockwork.NewRealClock()

	// 4. Push notifications
	pushProvider, err := push.NewProvider(ctx, &cfg.Push)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	pushService := push.NewService(pushProvider,
		redisRepo.NewPushTokenRepository(redisDB, constants.PushTokenExpiry, clock))
	directory := redisRepo.NewDirectoryRepository(redisDB, cockroach.NewProfileRepository(db.Pool), constants.DisplayNameCacheTTL)

	// 5. Call record store
	feed := redisRepo.NewCallFeed(redisDB)
	pushingFeed := callpush.NewPublisher(feed, pushService, directory, constants.PushSendTimeout)
	rooms := redisRepo.NewRoomBroker(redisDB, cfg.Signaling.RoomJoinURLBase, cfg.Signaling.RoomTTL, clock)
	store := callstore.NewStore(cockroach.NewCallRepository(db.Pool), pushingFeed, rooms, clock, appMetrics)

	// 6. Handlers
	calls := callHandler.NewHandler(store)
	pushTokens := pushHandler.NewHandler(pushService)
	realtimeHub := wsHandler.NewRealtimeHub(feed, store, cfg.Server.AllowedOrigins,
		cfg.Signaling.MaxRealtimeConnections, appMetrics)

	// 7. Router
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Fatal("Invalid TRUSTED_PROXIES", zap.Error(err))
	}

	router.Use(middleware.HealthCheck(cfg.Server.ServiceName, func() map[string]string {
		deps := map[string]string{"cockroachdb": "ok", "redis": "ok"}
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.Ping(pingCtx); err != nil {
			deps["cockroachdb"] = "unreachable"
		}
		if redisDB.IsDegraded() {
			deps["redis"] = "degraded"
		}
		return deps
	}))
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.GET("/ws/realtime", realtimeHub.ServeWS)

		api := v1.Group("", middleware.Timeout(constants.DefaultTimeout))
		pushTokens.RegisterRoutes(api)
		calls.RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("realtime", "/v1/calls/ws/realtime"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down call service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	pushingFeed.Wait()
}

// connectCockroach retries with exponential backoff so the service survives
// a database that starts after it.
func connectCockroach(ctx context.Context, cfg *pkgDatabase.CockroachConfig, maxRetries int) (*pkgDatabase.CockroachDB, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err := pkgDatabase.NewCockroachDB(ctx, cfg)
		if err == nil {
			return db, nil
		}
		lastErr = err

		if attempt == maxRetries {
			break
		}
		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}
