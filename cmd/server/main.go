package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hlsproxyd/internal/api"
	"hlsproxyd/internal/bulk"
	"hlsproxyd/internal/cache"
	"hlsproxyd/internal/config"
	"hlsproxyd/internal/fetch"
	"hlsproxyd/internal/logger"
	"hlsproxyd/internal/proxy"
	"hlsproxyd/internal/push"
	"hlsproxyd/internal/session"
	"hlsproxyd/internal/task"
)

func main() {
	listenAddr := flag.String("l", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("L", "", "Log level: error, warn, info, debug (overrides config)")
	configFile := flag.String("c", "", "Path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.New("info").Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logger.New(cfg.LogLevel)
	log.Infof("Starting HLS proxy daemon...")

	store, err := task.OpenStore(cfg.DatabasePath)
	if err != nil {
		log.Errorf("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	client := fetch.NewClient(log.Named("fetch"))
	if appCfg, err := store.Config(); err == nil && appCfg.Enabled {
		if err := client.SetProxy(appCfg.Proxy); err != nil {
			log.Warnf("Ignoring persisted proxy address: %v", err)
		}
	}

	sched := fetch.NewScheduler(client, log.Named("scheduler"), fetch.SchedulerConfig{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay(),
	})
	sched.Start()

	segCache, err := cache.New(cfg.CacheDir, log.Named("cache"))
	if err != nil {
		log.Errorf("Failed to initialize segment cache: %v", err)
		os.Exit(1)
	}

	tracker := session.NewTracker(sched, segCache, session.Policy{
		GapThreshold: cfg.GapThreshold,
		KeepBehind:   cfg.KeepBehind,
		KeepAhead:    cfg.KeepAhead,
		IdleTTL:      cfg.SessionTTL(),
	}, log.Named("session"))

	downloader := bulk.NewDownloader(client, log.Named("bulk"), cfg.MaxRetries, cfg.RetryDelay())

	hub := push.NewHub(log.Named("push"))
	manager := task.NewManager(store, downloader, cfg.DownloadDir, hub, log.Named("task"))
	if err := manager.Start(); err != nil {
		log.Errorf("Failed to start task manager: %v", err)
		os.Exit(1)
	}

	prefetchCount := 2 * cfg.MaxConcurrent
	handlers := proxy.NewHandlers(client, sched, segCache, tracker, prefetchCount, cfg.DownloadDir, log.Named("proxy"))

	router := api.New(handlers, manager, store, client, hub, log.Named("api"))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		log.Infof("Server starting on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", cfg.ListenAddr, err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Infof("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}

	manager.Close()
	sched.Stop()
	hub.Close()

	log.Infof("Server exited gracefully")
}
