package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-platform/internal/app"
	"github.com/suPer8Hu/chat-platform/internal/config"
	"github.com/suPer8Hu/chat-platform/internal/httpapi"
	"github.com/suPer8Hu/chat-platform/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-platform/internal/logger"
	"github.com/suPer8Hu/chat-platform/internal/store/rabbitmq"
	"github.com/suPer8Hu/chat-platform/internal/store/redisstore"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogFile, cfg.LogLevel, cfg.IsProduction())
	defer log.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}

	var deps app.Deps
	var cache handlers.Pinger

	if cfg.RedisAddr != "" {
		rds, err := redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal("redis", zap.Error(err))
		}
		defer rds.Close()
		deps.Cache = rds
		cache = rds
	} else {
		log.Info("REDIS_ADDR not set, shared links are read from the database")
	}

	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal("rabbitmq", zap.Error(err))
		}
		defer pub.Close()
		deps.Jobs = pub
	} else {
		log.Info("RABBIT_URL not set, attachments are processed inline")
	}

	svc, err := app.NewService(ctx, cfg, gdb, deps, log)
	if err != nil {
		log.Fatal("chat service", zap.Error(err))
	}

	h := handlers.NewHandler(gdb, cfg, svc, cache, log)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
}
