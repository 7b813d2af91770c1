package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/config"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
	"github.com/pavitra93/go-loyalty-ledger/shared/middleware"
	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	m := metrics.New(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serviceClients := &ServiceClients{
		LedgerService: NewServiceClient("ledger_service", cfg.Services.Ledger, logger),
		TenantService: NewServiceClient("tenant_service", cfg.Services.Tenant, logger),
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(serviceClients, middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), logger, m)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("API Gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start API Gateway")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down API Gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key, X-Admin-Token")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func newRouter(clients *ServiceClients, limiter *middleware.RateLimiter, logger *logrus.Logger, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger, m), cors())

	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "API Gateway is healthy", nil)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/status", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		status, healthy := clients.GetServiceStatus(ctx)
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, utils.APIResponse{Success: false, Error: "one or more services are unhealthy", Data: status})
			return
		}
		utils.OKResponse(c, "All services are healthy", status)
	})

	// Tenant-facing ledger API, authenticated by the ledger service
	v1 := router.Group("/v1")
	v1.Use(limiter.Middleware())
	{
		ledger := clients.LedgerService.ProxyRequest
		v1.POST("/customers", ledger)
		v1.GET("/customers/:id", ledger)
		v1.GET("/customers/:id/balance", ledger)
		v1.GET("/customers/:id/entries", ledger)
		v1.POST("/customers/:id/credit", ledger)
		v1.POST("/customers/:id/debit", ledger)
		v1.POST("/transfers", ledger)
		v1.POST("/entries/:id/reverse", ledger)
		v1.POST("/rewards", ledger)
		v1.GET("/rewards/:id", ledger)
		v1.PATCH("/rewards/:id", ledger)
		v1.POST("/redemptions", ledger)
		v1.GET("/redemptions/:id", ledger)
		v1.GET("/audit", ledger)
	}

	// Platform administration, guarded by the tenant service's admin token
	tenants := router.Group("/tenants")
	tenants.Use(limiter.Middleware())
	{
		admin := clients.TenantService.ProxyRequest
		tenants.POST("", admin)
		tenants.GET("", admin)
		tenants.GET("/:id", admin)
		tenants.DELETE("/:id", admin)
		tenants.POST("/:id/rotate-key", admin)
		tenants.PUT("/:id/webhook", admin)
	}
	return router
}
