package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradepulse/config"
	"tradepulse/internal/calendar"
	"tradepulse/internal/dashboard"
	"tradepulse/internal/fetch"
	"tradepulse/internal/server"
	"tradepulse/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tradepulse.Name,
		"version": cfg.Tradepulse.Version,
	}).Info("starting tradepulse")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.InitCloudWatch(os.Getenv("AWS_REGION"), "TradePulse", cfg.Logging.DashboardName)

	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Poll.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	client := fetch.NewClient(cfg.Backend)
	orch := dashboard.New(client, cfg.Backend, cfg.Poll, cfg.News)

	cache := calendar.NewCache(cfg.Calendar.TTL)
	proxy := calendar.NewProxy(cfg.Calendar, cache)

	srv := server.New(cfg.Server, orch, proxy)

	if err := orch.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start orchestrator")
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run(ctx)
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("http server failed")
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	orch.Stop()

	select {
	case <-serverErr:
	case <-time.After(10 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tradepulse stopped")
}
