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
	"github.com/pavitra93/go-loyalty-ledger/shared/catalog"
	"github.com/pavitra93/go-loyalty-ledger/shared/config"
	"github.com/pavitra93/go-loyalty-ledger/shared/ledger"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
	"github.com/pavitra93/go-loyalty-ledger/shared/middleware"
	"github.com/pavitra93/go-loyalty-ledger/shared/redemption"
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

	backend, err := bootstrap.Open(ctx, cfg, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer backend.Close()

	resolver, closeCache, err := bootstrap.NewResolver(ctx, cfg, backend.Store, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize credential resolver")
	}
	defer closeCache()

	publisher, closePublisher := bootstrap.NewPublisher(cfg, logger, m)
	defer closePublisher()

	rec := audit.NewRecorder(backend.Store, backend.Tx)
	points := ledger.New(backend.Store, backend.Tx, rec, publisher, m, logger)
	api := &API{
		Ledger:  points,
		Catalog: catalog.New(backend.Store, backend.Tx, rec),
		Redemptions: redemption.New(redemption.Dependencies{
			Store:   backend.Store,
			Tx:      backend.Tx,
			Ledger:  points,
			Gateway: bootstrap.NewPaymentGateway(cfg.Payment, logger, m),
			Audit:   rec,
			Events:  publisher,
			Metrics: m,
			Logger:  logger,
		}, bootstrap.WorkflowConfig(cfg.Payment)),
		Audit:  rec,
		Logger: logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(api, middleware.NewTenantAuth(resolver, logger), middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), m)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Ledger service starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start ledger service")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down ledger service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}

func newRouter(api *API, auth *middleware.TenantAuth, limiter *middleware.RateLimiter, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(api.Logger, m))

	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Ledger service is healthy", nil)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(auth.RequireTenant(), limiter.Middleware())
	{
		v1.POST("/customers", api.handleCreateCustomer)
		v1.GET("/customers/:id", api.handleGetCustomer)
		v1.GET("/customers/:id/balance", api.handleGetBalance)
		v1.GET("/customers/:id/entries", api.handleListEntries)
		v1.POST("/customers/:id/credit", api.handleCredit)
		v1.POST("/customers/:id/debit", api.handleDebit)
		v1.POST("/transfers", api.handleTransfer)
		v1.POST("/entries/:id/reverse", api.handleReverse)

		v1.POST("/rewards", api.handleCreateReward)
		v1.GET("/rewards/:id", api.handleGetReward)
		v1.PATCH("/rewards/:id", api.handleUpdateReward)

		v1.POST("/redemptions", api.handleRedeem)
		v1.GET("/redemptions/:id", api.handleGetRedemption)

		v1.GET("/audit", api.handleListAudit)
	}
	return router
}
