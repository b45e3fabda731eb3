package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/wrightline/meshsignal/internal/v1/auth"
	"github.com/wrightline/meshsignal/internal/v1/bus"
	"github.com/wrightline/meshsignal/internal/v1/config"
	"github.com/wrightline/meshsignal/internal/v1/health"
	"github.com/wrightline/meshsignal/internal/v1/lifecycle"
	"github.com/wrightline/meshsignal/internal/v1/logging"
	"github.com/wrightline/meshsignal/internal/v1/middleware"
	"github.com/wrightline/meshsignal/internal/v1/presence"
	"github.com/wrightline/meshsignal/internal/v1/ratelimit"
	"github.com/wrightline/meshsignal/internal/v1/registry"
	"github.com/wrightline/meshsignal/internal/v1/session"
	"github.com/wrightline/meshsignal/internal/v1/tracing"
	"github.com/wrightline/meshsignal/internal/v1/transport"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx := context.Background()

	var validator auth.TokenValidator = auth.NoopValidator{}
	if cfg.AuthEnabled {
		v, err := auth.NewValidator(ctx, cfg.JWTIssuerDomain, cfg.JWTAudience)
		if err != nil {
			logging.Error(ctx, "failed to build auth validator", zap.Error(err))
			return
		}
		validator = v
		logging.Info(ctx, "auth enabled", zap.String("issuer_domain", cfg.JWTIssuerDomain))
	} else {
		logging.Warn(ctx, "AUTH_ENABLED=false: connections are not authenticated")
	}

	var busSvc *bus.Service
	if cfg.RedisEnabled {
		busSvc, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "failed to connect to redis bus", zap.Error(err))
			return
		}
		defer busSvc.Close()
	}

	if tp, err := tracing.InitTracer(ctx, "meshsignal", cfg.OtelCollectorAddr); err != nil {
		logging.Warn(ctx, "tracing disabled: failed to initialize exporter", zap.Error(err))
	} else if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	adapter := transport.NewAdapter(cfg.MaxPayloadBytes, cfg.CompressThreshold)
	connReg := registry.NewConnectionRegistry()
	roomReg := registry.NewRoomRegistry()
	monitor := presence.NewMonitor(adapter)
	longPoll := transport.NewLongPollRegistry()

	limiter, err := ratelimit.NewRateLimiter(cfg.RateLimitWsIP, cfg.RateLimitWsUser, busSvc.Client())
	if err != nil {
		logging.Error(ctx, "failed to build rate limiter", zap.Error(err))
		return
	}

	hub := session.NewHub(connReg, roomReg, adapter, monitor, longPoll, validator, busSvc, limiter, cfg.AllowedOrigins)

	healthHandler := health.NewHandler(busSvc)

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("meshsignal"))
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/hub", func(c *gin.Context) {
			if !limiter.CheckIP(c, c.ClientIP()) {
				return
			}
			hub.ServeWS(c)
		})
		wsGroup.POST("/long-poll", func(c *gin.Context) {
			if !limiter.CheckIP(c, c.ClientIP()) {
				return
			}
			hub.ServeLongPoll(c)
		})
		wsGroup.GET("/long-poll/:connId/upgrade", hub.UpgradeLongPoll)
	}

	lpGroup := router.Group("/lp")
	{
		lpGroup.POST("/:connId/send", longPoll.SendHandler)
		lpGroup.GET("/:connId/poll", longPoll.PollHandler)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "meshsignal starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
		}
	}()

	supervisorCtx, cancelSupervisor := context.WithCancel(ctx)
	defer cancelSupervisor()
	go lifecycle.NewSupervisor(hub).Run(supervisorCtx)

	lifecycle.WaitForShutdownSignal(hub, srv)
}
