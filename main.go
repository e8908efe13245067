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

	"github.com/KOPOData2025/Hana1QLiving-sub002/config"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/channel"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/dashboard"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/feed"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/gateway"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/kis"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/metrics"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/poller"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
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
		"service": cfg.Quotegate.Name,
		"version": cfg.Quotegate.Version,
	}).Info("starting quotegate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	logger.InitCloudWatch(os.Getenv("AWS_REGION"), "QuoteGate", cfg.Logging.DashboardName)
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.UpdateBuffer)
	defer channels.Close()

	channels.StartMetricsReporting(ctx)

	creds := kis.NewCredentialProvider(cfg.Kis)
	feedManager := feed.NewManager(cfg, creds, channels)
	quoteClient := kis.NewQuoteClient(cfg.Kis, creds)
	fallback := poller.New(cfg.Poller, quoteClient, feedManager, channels)
	server := gateway.NewServer(cfg, channels, feedManager)

	feedManager.Start(ctx)
	fallback.Start(ctx)
	server.Start(ctx)

	statusServer := dashboard.NewServer(cfg.Dashboard, cfg.Quotegate, log, dashboard.Sources{
		Gateway:  server,
		Feed:     feedManager,
		Channels: channels,
	})
	if statusServer != nil {
		go func() {
			if err := statusServer.Run(ctx); err != nil {
				log.WithError(err).Warn("status server failed")
			}
		}()
		log.WithFields(logger.Fields{"address": statusServer.Address()}).Info("status server started")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		fallback.Wait()
		feedManager.Wait()
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("quotegate stopped")
}
