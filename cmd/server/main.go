package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/trustagent/audit-gateway/internal/audit"
	"github.com/trustagent/audit-gateway/internal/background"
	"github.com/trustagent/audit-gateway/internal/config"
	"github.com/trustagent/audit-gateway/internal/hub"
	"github.com/trustagent/audit-gateway/internal/logger"
	"github.com/trustagent/audit-gateway/internal/proxy"
	"github.com/trustagent/audit-gateway/internal/verifier"
)

func main() {
	cfg := config.LoadConfig()

	appLogger := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	gin.SetMode(cfg.GinMode)

	startTime := time.Now()

	// Verifier channel. The gateway fails open: without it, responses
	// still flow, they just are not audited.
	var verifierClient *verifier.Client
	if cfg.GRPCAddress != "" {
		client, err := verifier.New(cfg.GRPCAddress, cfg.GRPCTimeout, appLogger)
		if err != nil {
			appLogger.Warn("verifier channel unavailable, responses will not be audited",
				slog.String("grpc_address", cfg.GRPCAddress),
				slog.String("error", err.Error()))
		} else {
			verifierClient = client
		}
	} else {
		appLogger.Warn("no verifier address configured, responses will not be audited")
	}

	eventHub := hub.NewHub(appLogger)
	eventHub.Start()

	// Optional NATS bridge for multi-instance deployments.
	var natsConn *nats.Conn
	var bridge *hub.EventBridge
	if cfg.NatsURL != "" {
		conn, err := nats.Connect(cfg.NatsURL, nats.Name("audit-gateway"))
		if err != nil {
			appLogger.Warn("nats unavailable, running single-instance",
				slog.String("nats_url", cfg.NatsURL),
				slog.String("error", err.Error()))
		} else {
			natsConn = conn
			bridge = hub.NewEventBridge(conn, eventHub, appLogger)
			if err := bridge.Start(); err != nil {
				appLogger.Warn("event bridge failed to start",
					slog.String("error", err.Error()))
				bridge = nil
			}
		}
	}

	var verifierDep audit.Verifier
	if verifierClient != nil {
		verifierDep = verifierClient
	}
	var bridgeDep audit.Bridge
	if bridge != nil {
		bridgeDep = bridge
	}
	dispatcher := audit.NewDispatcher(verifierDep, eventHub, bridgeDep,
		cfg.ProviderName, cfg.WorkerCount, cfg.QueueSize, appLogger)

	var pinger background.Pinger
	if verifierClient != nil {
		pinger = verifierClient
	}
	monitor := background.NewMonitor(pinger, dispatcher, cfg.MonitorInterval, appLogger)
	if err := monitor.Start(); err != nil {
		appLogger.Error("failed to start monitor", slog.String("error", err.Error()))
	}

	// Client-facing proxy router.
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORSAllowedOrigins))

	intercept := proxy.ChatCompletionsHandler(appLogger, dispatcher, cfg)
	router.POST("/v1/chat/completions", intercept)
	router.POST("/v1/completions", intercept)

	forward := proxy.ForwardHandler(appLogger, cfg)
	router.GET("/v1/models", forward)
	router.GET("/v1/models/*path", forward)
	router.POST("/v1/embeddings", forward)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"instance_id":      logger.GetInstanceID(),
			"uptime_seconds":   int64(time.Since(startTime).Seconds()),
			"verifier_enabled": verifierClient != nil,
			"verifier_healthy": monitor.Healthy(),
			"dispatcher":       dispatcher.Stats(),
			"subscribers":      eventHub.SubscriberCount(),
		})
	})

	// Gateway metrics live on the monitor listener; this path is kept so
	// existing scrape configs pointed at the proxy port do not 404.
	router.GET("/metrics", func(c *gin.Context) {
		c.String(http.StatusOK, "# metrics are served on the monitor listener\n")
	})

	// Monitoring listener: WebSocket event feed, stats, Prometheus.
	wsRouter := chi.NewRouter()
	wsRouter.Use(chimiddleware.RequestID)
	wsRouter.Use(chimiddleware.RealIP)
	wsRouter.Use(chimiddleware.Recoverer)

	wsRouter.Get("/ws", eventHub.ServeWS)
	wsRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	wsRouter.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"instance_id":    logger.GetInstanceID(),
			"uptime_seconds": int64(time.Since(startTime).Seconds()),
			"subscribers":    eventHub.SubscriberCount(),
			"dispatcher":     dispatcher.Stats(),
		})
	})
	wsRouter.Handle("/metrics", promhttp.Handler())

	corsWrapped := cors.New(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler(wsRouter)

	proxySrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// No write timeout here: WebSocket subscriptions are long-lived.
	monitorSrv := &http.Server{
		Addr:    ":" + cfg.WSPort,
		Handler: corsWrapped,
	}

	go func() {
		appLogger.Info("proxy listening",
			slog.String("addr", proxySrv.Addr),
			slog.String("upstream_url", cfg.UpstreamURL))
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("proxy server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	go func() {
		appLogger.Info("monitor listening", slog.String("addr", monitorSrv.Addr))
		if err := monitorSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("monitor server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting traffic first, then drain the pipeline back to front.
	if err := proxySrv.Shutdown(ctx); err != nil {
		appLogger.Warn("proxy server forced to close", slog.String("error", err.Error()))
	}
	if err := monitorSrv.Shutdown(ctx); err != nil {
		appLogger.Warn("monitor server forced to close", slog.String("error", err.Error()))
	}

	monitor.Stop()

	if bridge != nil {
		bridge.Stop()
	}
	if natsConn != nil {
		natsConn.Close()
	}

	eventHub.Stop()
	dispatcher.Stop()

	if verifierClient != nil {
		if err := verifierClient.Close(); err != nil {
			appLogger.Warn("failed to close verifier channel", slog.String("error", err.Error()))
		}
	}

	appLogger.Info("gateway exited")
}

// corsMiddleware mirrors the configured origins on the client-facing
// router and short-circuits preflight requests.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func splitOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
