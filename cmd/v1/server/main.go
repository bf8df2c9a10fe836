package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowboard/flowboard/internal/v1/activity"
	"github.com/flowboard/flowboard/internal/v1/assign"
	"github.com/flowboard/flowboard/internal/v1/auth"
	"github.com/flowboard/flowboard/internal/v1/board"
	"github.com/flowboard/flowboard/internal/v1/bus"
	"github.com/flowboard/flowboard/internal/v1/config"
	"github.com/flowboard/flowboard/internal/v1/conflict"
	"github.com/flowboard/flowboard/internal/v1/gateway"
	"github.com/flowboard/flowboard/internal/v1/health"
	"github.com/flowboard/flowboard/internal/v1/httpapi"
	"github.com/flowboard/flowboard/internal/v1/logging"
	"github.com/flowboard/flowboard/internal/v1/middleware"
	"github.com/flowboard/flowboard/internal/v1/ratelimit"
	"github.com/flowboard/flowboard/internal/v1/router"
	"github.com/flowboard/flowboard/internal/v1/store"
	"github.com/flowboard/flowboard/internal/v1/types"
)

// userDirectory builds the user directory. Accounts are provisioned
// externally; the built-in seed accounts exist only in development mode and
// never ship to production.
func userDirectory(cfg *config.Config) *store.MemoryUserDirectory {
	if !cfg.DevelopmentMode {
		return store.NewMemoryUserDirectory()
	}
	return store.NewMemoryUserDirectory(
		&types.User{ID: "dev-user-123", DisplayName: "Dev User", Role: types.RoleTypeAdmin, IsActive: true},
		&types.User{ID: "alice", DisplayName: "Alice", Role: types.RoleTypeMember, IsActive: true},
		&types.User{ID: "bob", DisplayName: "Bob", Role: types.RoleTypeMember, IsActive: true},
		&types.User{ID: "carol", DisplayName: "Carol", Role: types.RoleTypeMember, IsActive: true},
	)
}

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	skipAuth := cfg.SkipAuth
	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			slog.Warn("⚠️  Development Mode: Auth0 credentials missing. Auto-enabling SKIP_AUTH.")
			skipAuth = true
		}
	}

	var validator types.TokenValidator
	if skipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set in environment when SKIP_AUTH=false")
			return
		}
		authValidator, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience, cfg.TokenTTL)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			return
		}
		slog.Info("✅ Auth0 validator initialized", "domain", cfg.Auth0Domain, "audience", cfg.Auth0Audience)
		validator = authValidator
	}

	// --- Redis (Optional) ---
	// When enabled, Redis backs persistence, the activity sink, the rate
	// limiter, and cross-instance fan-out. Otherwise everything is in-process.
	var busService *bus.Service
	var taskStore types.TaskStore
	var sink types.ActivitySink
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword, uuid.New().String())
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil
		} else {
			slog.Info("✅ Redis initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}
	if busService != nil {
		taskStore = store.NewRedisTaskStore(busService.Client())
		sink = store.NewRedisActivitySink(busService.Client())
	} else {
		taskStore = store.NewMemoryTaskStore()
		sink = store.NewMemoryActivitySink()
	}

	users := userDirectory(cfg)

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Core wiring ---
	rooms := router.New()
	conflicts := conflict.NewController()
	recorder := activity.NewRecorder(sink, rooms, cfg.ActivityRingSize)
	engine := assign.NewEngine(users, taskStore)
	boards := board.NewService(taskStore, users, conflicts, engine, recorder, cfg)
	dispatcher := board.NewDispatcher(rooms)
	hub := gateway.NewHub(rooms, boards, conflicts, recorder, validator, rateLimiter, cfg)

	// Cross-instance fan-out: publish local broadcasts, apply remote ones.
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	var busWg sync.WaitGroup
	if busService != nil {
		rooms.SetPublisher(func(room string, frame []byte) {
			_ = busService.Publish(context.Background(), room, frame)
		})
		busService.Subscribe(busCtx, &busWg, func(env bus.Envelope) {
			rooms.ApplyRemote(types.RoomKeyType(env.Room), env.Frame)
		})
	}

	// --- HTTP server ---
	r := gin.Default()
	corsConfig := cors.DefaultConfig()
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-Correlation-ID")
	r.Use(cors.New(corsConfig))
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())

	wsGroup := r.Group("/ws")
	{
		wsGroup.GET("/board", hub.ServeWs)
	}

	api := httpapi.NewAPI(boards, recorder, users, store.NewMemoryUploader(), dispatcher, validator, cfg)
	api.RegisterRoutes(r, rateLimiter)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	r.GET("/health/live", healthHandler.Liveness)
	r.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during gateway shutdown:", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	busCancel()
	busWg.Wait()
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
