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

	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/bootstrap"
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

	publisher, closePublisher := bootstrap.NewPublisher(cfg, logger, m)
	defer closePublisher()

	rec := audit.NewRecorder(backend.Store, backend.Tx)
	points := ledger.New(backend.Store, backend.Tx, rec, publisher, m, logger)
	workflow := redemption.New(redemption.Dependencies{
		Store:   backend.Store,
		Tx:      backend.Tx,
		Ledger:  points,
		Gateway: bootstrap.NewPaymentGateway(cfg.Payment, logger, m),
		Audit:   rec,
		Events:  publisher,
		Metrics: m,
		Logger:  logger,
	}, bootstrap.WorkflowConfig(cfg.Payment))

	tracker := newSweepTracker()
	reconciler := redemption.NewReconciler(workflow, backend.Store, reconcilerConfig(cfg.Reconcile, tracker), logger, m)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(tracker, cfg.Reconcile, logger, m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Reconciler starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start reconciler")
		}
	}()

	// Run returns once ctx is cancelled.
	if err := reconciler.Run(ctx); err != nil {
		logger.WithError(err).Error("Reconciler stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}

func newRouter(tracker *sweepTracker, cfg config.ReconcileConfig, logger *logrus.Logger, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger, m))

	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Reconciler is healthy", nil)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/stats", func(c *gin.Context) {
		utils.OKResponse(c, "Reconciler statistics", gin.H{
			"sweeps": tracker.Snapshot(),
			"config": gin.H{
				"interval":    cfg.Interval.String(),
				"stale_after": cfg.StaleAfter.String(),
				"workers":     cfg.Workers,
			},
		})
	})
	return router
}
