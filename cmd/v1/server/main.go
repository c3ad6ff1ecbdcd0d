// Command server runs the reference signaling server: room membership,
// chat history, call history and negotiation relay over /ws.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/roomcall/internal/v1/bus"
	"github.com/RoseWrightdev/roomcall/internal/v1/config"
	"github.com/RoseWrightdev/roomcall/internal/v1/health"
	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/middleware"
	"github.com/RoseWrightdev/roomcall/internal/v1/ratelimit"
	"github.com/RoseWrightdev/roomcall/internal/v1/tracing"
	"github.com/RoseWrightdev/roomcall/internal/v1/transport"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
)

func main() {
	ctx := context.Background()

	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := ""
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = path
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// The logger is not configured yet; fall back to the development default.
		_ = logging.Initialize(true, logging.Options{Service: "roomcall-server"})
		logging.Fatal(ctx, "Environment validation failed", zap.Error(err))
	}

	if err := logging.Initialize(cfg.DevelopmentMode || cfg.GoEnv == "development", logging.Options{
		Service: "roomcall-server",
		Level:   cfg.LogLevel,
	}); err != nil {
		panic(err)
	}
	defer logging.Sync()

	if envLoaded != "" {
		logging.Info(ctx, "Loaded environment from file", zap.String("path", envLoaded))
	} else {
		logging.Warn(ctx, "No .env file found in any expected location, relying on environment variables")
	}
	if cfg.DevelopmentMode {
		logging.Warn(ctx, "Running in DEVELOPMENT MODE - rate limiting disabled")
	}

	// --- Tracing (Optional) ---
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, tracing.ServiceName, cfg.OtelCollectorAddr, cfg.OtelInsecure)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logging.Error(ctx, "Failed to flush traces", zap.Error(err))
				}
			}()
			logging.Info(ctx, "Tracing enabled", zap.String("collector", cfg.OtelCollectorAddr))
		}
	}

	// --- Redis Bus Initialization (Optional) ---
	var busService *bus.Service
	var roomBus types.BusService
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode", zap.Error(err))
			busService = nil
		} else {
			roomBus = busService
			logging.Info(ctx, "Redis pub/sub initialized for distributed messaging", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	hub := transport.NewHub(cfg, roomBus, rateLimiter)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(tracing.ServiceName))
	router.Use(middleware.CorrelationID(), middleware.AccessLog())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)

	api := router.Group("/api")
	if !cfg.DevelopmentMode {
		api.Use(rateLimiter.Middleware())
	}
	api.GET("/rooms/:code", hub.GetRoom)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	healthHandler.Register("hub", health.CheckFunc(hub.Ready))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		logging.Info(ctx, "Signaling server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all active rooms and WebSocket connections gracefully
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during Hub shutdown", zap.Error(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		} else {
			logging.Info(ctx, "Redis connection closed")
		}
	}

	logging.Info(ctx, "Server exiting")
}
