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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/api/handlers"
	"github.com/troikatech/voicebridge/internal/registry"
	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/pkg/env"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/middleware"
	"github.com/troikatech/voicebridge/pkg/mongo"
	"github.com/troikatech/voicebridge/pkg/otel"
	"github.com/troikatech/voicebridge/pkg/telephonyapi"
)

// Server is the voice-bridge process: it terminates the telephony
// provider's media-stream WebSocket, bridges each call to the AI
// provider's real-time API, and exposes the control-plane REST surface.
type Server struct {
	cfg      *env.Config
	redis    *redis.Client
	mongo    *mongo.Client
	registry *registry.Registry
	store    *store.Store
	handler  *handlers.Handler
}

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.OTELEnabled {
		shutdown, err := otel.InitTracing("voicebridge", "1.0.0", cfg.OTELEndpoint)
		if err != nil {
			logger.Log.Warn("failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown()
			logger.Log.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	logger.Log.Info("starting voicebridge", zap.String("env", cfg.AppEnv), zap.String("port", cfg.AppPort))

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Log.Fatal("failed to parse redis url", zap.Error(err))
		}
		redisClient = redis.NewClient(opt)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Log.Fatal("failed to connect to redis", zap.Error(err))
		}
		cancel()
	}

	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		mongoClient, err = mongo.NewClient(cfg.MongoURI, cfg.DBName)
		if err != nil {
			logger.Log.Fatal("failed to connect to mongodb", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mongoClient.Disconnect(ctx); err != nil {
				logger.Log.Warn("failed to disconnect mongodb", zap.Error(err))
			}
		}()
	}

	var publisher registry.Publisher
	if redisClient != nil {
		publisher = registry.NewRedisPublisher(redisClient, "voicebridge:sessions", logger.Log)
	}
	reg := registry.New(logger.Log, publisher)

	st := store.New(mongoClient, logger.Log)
	defer st.Close(10 * time.Second)

	var telephonyClient *telephonyapi.Client
	if cfg.TelephonyControlBaseURL != "" {
		telephonyClient = telephonyapi.New(telephonyapi.Config{
			BaseURL:    cfg.TelephonyControlBaseURL,
			AccountSID: cfg.TelephonyAccountSID,
			APIKey:     cfg.TelephonyAPIKey,
			APIToken:   cfg.TelephonyAPIToken,
		})
	}

	apiHandler := handlers.NewHandler(cfg, redisClient, mongoClient, reg, st, telephonyClient)

	server := &Server{
		cfg:      cfg,
		redis:    redisClient,
		mongo:    mongoClient,
		registry: reg,
		store:    st,
		handler:  apiHandler,
	}

	router := server.setupRouter()

	srv := &http.Server{
		Addr:         ":" + cfg.AppPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // media-stream and observer WebSockets are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Log.Info("voicebridge listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down, draining active sessions", zap.Int("active_sessions", reg.Len()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, sess := range reg.All() {
		sess.RequestShutdown()
	}
	waitForDrain(shutdownCtx, reg)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Log.Info("server exited")
}

// waitForDrain blocks until every registered session has ended or ctx
// expires, whichever comes first (§6 graceful-shutdown budget).
func waitForDrain(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if reg.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) setupRouter() *gin.Engine {
	if s.cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())

	if s.cfg.OTELEnabled {
		router.Use(otel.GinMiddleware())
	}

	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %s\n",
			param.TimeStamp.Format(time.RFC3339), param.Method, param.Path, param.StatusCode, param.Latency)
	}))

	corsConfig := cors.DefaultConfig()
	if s.cfg.CORSAllowedOrigins == "*" || s.cfg.CORSAllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{s.cfg.CORSAllowedOrigins}
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Webhook-Signature"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.handler.HealthCheck)
	router.GET("/metrics", s.handler.GetMetrics)
	router.GET("/metrics/prometheus", s.handler.GetPrometheusMetrics)

	// Telephony provider media-stream WebSocket: no auth, matches the
	// provider's own connect contract (§4.4).
	router.GET(s.cfg.TelephonyMediaStreamPath, s.handler.MediaStream)

	// Call-status webhook: HMAC-verified instead of bearer auth (§6).
	router.POST("/webhooks/call-status", s.handler.CallStatusWebhook)

	// Control plane (protected).
	control := router.Group("/")
	control.Use(middleware.AuthMiddleware(s.cfg.JWTSecret))
	if s.redis != nil {
		control.Use(middleware.NewRateLimiter(s.redis, s.cfg.APIRateLimitRPM).Middleware())
	}
	{
		control.GET("/sessions", s.handler.ListSessions)
		control.POST("/sessions/:call_id/config", s.handler.UpdateSessionConfig)
		control.POST("/sessions/:call_id/end", s.handler.EndSession)
		control.GET("/sessions/:call_id/events", s.handler.SessionEvents)
		control.POST("/calls/connect", s.handler.ConnectCall)
	}

	return router
}
