package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ycchou/chatrelay/internal/broadcast"
	"github.com/ycchou/chatrelay/internal/config"
	"github.com/ycchou/chatrelay/internal/enhance"
	"github.com/ycchou/chatrelay/internal/gateway"
	httphandler "github.com/ycchou/chatrelay/internal/http"
	"github.com/ycchou/chatrelay/internal/lifecycle"
	"github.com/ycchou/chatrelay/internal/llm"
	"github.com/ycchou/chatrelay/internal/observability"
	"github.com/ycchou/chatrelay/internal/relay"
	"github.com/ycchou/chatrelay/internal/store"
	"github.com/ycchou/chatrelay/internal/timectx"
	"github.com/ycchou/chatrelay/internal/weather"
)

func main() {
	// A missing .env is fine; real deployments set the env directly.
	_ = godotenv.Load()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	times := timectx.New()

	kv := store.New(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
	logger.Info("store connected", zap.String("addrs", cfg.MemcachedAddrs))

	weatherClient, err := weather.NewOpenWeatherClient(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherLocation,
		cfg.WeatherAPITimeout,
		cfg.WeatherRetryAttempts,
		cfg.WeatherRetryBaseDelay,
		times,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	weatherCache := weather.NewCache(rootCtx, weatherClient, kv, cfg.CacheTTL, logger, nil)
	if snap, ok, err := kv.LoadSnapshot(rootCtx); err != nil {
		logger.Warn("load persisted snapshot failed", zap.Error(err))
	} else if ok {
		weatherCache.Seed(snap)
	}

	// Warm the snapshot so the first question and the ops endpoint have
	// data without waiting on the upstream.
	warmCtx, warmCancel := context.WithTimeout(rootCtx, 30*time.Second)
	if _, err := weatherCache.Refresh(warmCtx); err != nil {
		logger.Warn("weather warm fetch failed", zap.Error(err))
	}
	warmCancel()

	persona, err := os.ReadFile(cfg.PersonaPath)
	if err != nil {
		logger.Fatal("persona", zap.Error(err), zap.String("path", cfg.PersonaPath))
	}

	responder := llm.New(
		cfg.GroqAPIKey,
		cfg.GroqBaseURL,
		cfg.Models,
		string(persona),
		cfg.LLMTimeout,
		times,
		logger,
	)

	enhancer := enhance.New(weatherCache, times, cfg.GreetingDebounce, logger)
	pipeline := relay.New(enhancer, responder, kv, times, cfg.HistoryCharBudget, logger)

	rest := gateway.NewRESTClient(cfg.DiscordAPIURL, cfg.DiscordToken, float64(cfg.SendRateRPS), cfg.SendRateBurst)
	worker := gateway.NewWorker("", cfg.DiscordToken, rest, pipeline, logger)

	hour, minute, err := config.ParseWallClock(cfg.BroadcastTime)
	if err != nil {
		logger.Fatal("broadcast time", zap.Error(err))
	}
	scheduler := broadcast.New(weatherCache, rest, times, hour, minute,
		cfg.BroadcastRetryAttempts, cfg.BroadcastRetryDelay, logger)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(rootCtx)
	}()
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(rootCtx)
	}()

	handler := httphandler.NewHandler(kv, weatherCache, time.Now(), logger)
	router := httphandler.NewRouter(handler, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ops server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	// The gateway worker and scheduler stop via the root context.
	for _, done := range []chan struct{}{workerDone, schedulerDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if err := kv.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
