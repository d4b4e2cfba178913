package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/regwatch/regwatch/app/api"
	"github.com/regwatch/regwatch/app/cache"
	"github.com/regwatch/regwatch/app/cfg"
	"github.com/regwatch/regwatch/app/database"
	"github.com/regwatch/regwatch/app/diff"
	"github.com/regwatch/regwatch/app/digest"
	"github.com/regwatch/regwatch/app/dispatch"
	"github.com/regwatch/regwatch/app/poller"
	"github.com/regwatch/regwatch/app/registry"
	"github.com/regwatch/regwatch/app/senders"
	"github.com/regwatch/regwatch/app/subscription"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	logLevel := slog.LevelInfo
	if appCfg.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting RegWatch", "version", appCfg.Version)

	db, err := database.NewConnection(appCfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "path", appCfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database ready", "path", appCfg.DBPath, "schema_version", version, "dirty", dirty)

	snapshotRepo := database.NewSnapshotRepository(db)
	changeRepo := database.NewChangeRepository(db)
	subscriptionRepo := database.NewSubscriptionRepository(db)
	notificationRepo := database.NewNotificationRepository(db)
	feedRepo := database.NewFeedRepository(db)

	// Subscriptions come from YAML files and are synced into the store on
	// every start.
	subs, err := subscription.LoadDir(appCfg.SubscriptionsDir)
	if err != nil {
		slog.Error("Failed to load subscription configurations", "dir", appCfg.SubscriptionsDir, "error", err)
		os.Exit(1)
	}
	if err := subscriptionRepo.Sync(subs); err != nil {
		slog.Error("Failed to sync subscriptions", "error", err)
		os.Exit(1)
	}
	slog.Info("Subscriptions synced", "count", len(subs), "dir", appCfg.SubscriptionsDir)

	var hashCache *cache.Cache
	if appCfg.RedisAddr != "" {
		hashCache = cache.New(appCfg.RedisAddr, 24*time.Hour)
		defer hashCache.Close()
	}

	sendersRegistry := senders.NewRegistry()
	sendersRegistry.Register(senders.NewWebhookSender(30*time.Second), 10, 20)
	sendersRegistry.Register(senders.NewChatWebhookSender(subscription.ChannelTypeDiscord, 30*time.Second), 5, 10)
	sendersRegistry.Register(senders.NewChatWebhookSender(subscription.ChannelTypeSlack, 30*time.Second), 5, 10)
	sendersRegistry.Register(senders.NewChatWebhookSender(subscription.ChannelTypeTeams, 30*time.Second), 5, 10)
	sendersRegistry.Register(senders.NewEmailSender(), 1, 5)
	sendersRegistry.Register(senders.NewTelegramSender(), 5, 10)
	sendersRegistry.Register(senders.NewRSSSender(feedRepo, appCfg.BaseUrl), 100, 100)

	dispatcher := dispatch.NewDispatcher(sendersRegistry, notificationRepo,
		subscriptionRepo, changeRepo, appCfg.MaxAttempts, appCfg.WorkerCount)

	client := registry.NewClient(appCfg.RegistryURL, appCfg.UserAgent, nil)

	p := poller.New(client, diff.NewEngine(), subscription.NewMatcher(), dispatcher,
		snapshotRepo, changeRepo, subscriptionRepo, hashCache,
		time.Duration(appCfg.PollInterval)*time.Second)

	digestScheduler := digest.NewScheduler(subscription.NewMatcher(), dispatcher,
		subscriptionRepo, changeRepo, appCfg.DigestSchedule)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Deliveries interrupted by the previous shutdown are retried before the
	// poll loop starts.
	if err := dispatcher.ResumePending(ctx, 500); err != nil {
		slog.Warn("Failed to resume pending notifications", "error", err)
	}

	go p.Run(ctx)

	if err := digestScheduler.Start(ctx); err != nil {
		slog.Error("Failed to start digest scheduler", "error", err)
		os.Exit(1)
	}
	defer digestScheduler.Stop()

	apiHandler := api.NewHandler(subscriptionRepo, changeRepo, notificationRepo, feedRepo, p)
	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(apiHandler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error, shutting down", "error", err)
	}

	// In-flight deliveries get the grace period to finish before their
	// context is cancelled and they are abandoned as pending.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(appCfg.ShutdownGrace)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	p.WaitIdle(shutdownCtx)
	cancel()

	slog.Info("Shutdown complete")
}
