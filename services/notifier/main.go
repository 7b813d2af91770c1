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

	"github.com/pavitra93/go-loyalty-ledger/shared/bootstrap"
	"github.com/pavitra93/go-loyalty-ledger/shared/config"
	"github.com/pavitra93/go-loyalty-ledger/shared/events"
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
	if cfg.KafkaBroker == "" {
		logger.Fatal("KAFKA_BROKER is required by the notifier")
	}
	m := metrics.New(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.Open(ctx, cfg, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer backend.Close()

	client := NewWebhookClient(cfg.Webhook)
	relay := NewRelay(backend.Store, client, logger, m)

	consumer := events.NewConsumer(events.NewKafkaReader(cfg.KafkaBroker, cfg.EventsTopic, cfg.EventsGroupID), logger)
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.WithError(err).Error("Failed to close event consumer")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(client, logger, m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Notifier starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start notifier")
		}
	}()

	if err := consumer.Run(ctx, relay.Handle); err != nil {
		logger.WithError(err).Error("Event consumer stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}

func newRouter(client *WebhookClient, logger *logrus.Logger, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger, m))

	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Notifier is healthy", nil)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	notifier := router.Group("/notifier")
	{
		notifier.GET("/status", func(c *gin.Context) {
			utils.OKResponse(c, "Webhook delivery status", client.GetStatus())
		})
	}
	return router
}
