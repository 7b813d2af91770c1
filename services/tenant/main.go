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

	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/bootstrap"
	"github.com/pavitra93/go-loyalty-ledger/shared/config"
	"github.com/pavitra93/go-loyalty-ledger/shared/lifecycle"
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
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is empty, every admin route will answer 401")
	}
	m := metrics.New(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.Open(ctx, cfg, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer backend.Close()

	// Shares the ledger service's credential cache so rotations and
	// deletions evict cached keys.
	resolver, closeCache, err := bootstrap.NewResolver(ctx, cfg, backend.Store, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize credential cache")
	}
	defer closeCache()

	h := &handlers{
		tenants: lifecycle.New(backend.Store, backend.Tx, audit.NewRecorder(backend.Store, backend.Tx), resolver, logger),
		logger:  logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(h, cfg.AdminToken, m)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Tenant service starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start tenant service")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down tenant service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}

func newRouter(h *handlers, adminToken string, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(h.logger, m))

	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Tenant service is healthy", nil)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Platform administration
	tenants := router.Group("/tenants")
	tenants.Use(middleware.RequireAdminToken(adminToken))
	{
		tenants.POST("", h.handleCreateTenant)
		tenants.GET("", h.handleGetTenants)
		tenants.GET("/:id", h.handleGetTenant)
		tenants.DELETE("/:id", h.handleDeleteTenant)
		tenants.POST("/:id/rotate-key", h.handleRotateKey)
		tenants.PUT("/:id/webhook", h.handleSetWebhook)
	}
	return router
}
