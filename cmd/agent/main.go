/**
 * @description
 * This is the main entry point for the headless device agent. On startup it retries
 * any queued lock releases, runs the startup router to decide between the app area
 * and the gate, and while in the app area keeps the expiry guard armed. On shutdown
 * it releases the device lock, queueing the release if the server is unreachable.
 */
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/alcalc/licensing-service/internal/config"
	"github.com/alcalc/licensing-service/internal/gate"
	"github.com/alcalc/licensing-service/pkg/gateclient"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	locks, err := gate.NewLockStore(cfg.StateDir)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"state dir init failed\" err=%v", err)
	}
	deviceID, err := locks.EnsureDeviceID()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"device id init failed\" err=%v", err)
	}
	logger.Info("starting device agent", "device_id", deviceID, "offline", cfg.Offline)

	cache := gate.NewCache(filepath.Join(cfg.StateDir, "subscriptions.json"))
	notices := gate.NewNotices(filepath.Join(cfg.StateDir, "notices.json"))
	client := gateclient.NewClient(cfg.ServerURL, cfg.AuthToken)

	ctx := context.Background()

	// Deliver releases that were queued while the server was unreachable.
	if !cfg.Offline {
		retryPendingReleases(ctx, locks, client, logger)
	}

	router := gate.NewRouter(client, cache, locks, notices, logger)
	state := router.Resolve(ctx, gate.Session{
		Authenticated: cfg.UID != "",
		UID:           cfg.UID,
		Email:         cfg.Email,
		DeviceID:      deviceID,
		Platform:      cfg.Platform,
		Online:        !cfg.Offline,
	})

	if state != gate.StateRoutedToApp {
		if notice, _ := notices.Consume(); notice != nil {
			logger.Info("routed to gate", "notice_kind", string(notice.Kind), "notice", notice.Message)
		} else {
			logger.Info("routed to gate")
		}
		return
	}
	logger.Info("routed to app area")

	guardCtx, cancelGuard := context.WithCancel(ctx)
	guard := gate.NewGuard(cache, notices, logger, cfg.Email, func() {
		logger.Info("expiry guard kicked back to gate")
		cancelGuard()
	})
	go guard.Run(guardCtx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		logger.Info("shutdown requested")
	case <-guardCtx.Done():
	}
	cancelGuard()

	// Release never blocks sign-out: a failed release is queued for next startup.
	if cfg.Offline {
		queueRelease(locks, cfg.UID, logger)
	} else if err := client.ReleaseLock(ctx); err != nil {
		logger.Warn("lock release failed, queueing for retry", "error", err)
		queueRelease(locks, cfg.UID, logger)
	}
	if err := locks.Release(cfg.UID); err != nil {
		logger.Warn("local lock release failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func retryPendingReleases(ctx context.Context, locks *gate.LockStore, client *gateclient.Client, logger *slog.Logger) {
	pending := locks.PendingReleases()
	if len(pending) == 0 {
		return
	}
	if err := client.ReleaseLock(ctx); err != nil {
		logger.Warn("queued lock release still failing", "error", err)
		return
	}
	if err := locks.ClearPending(); err != nil {
		logger.Warn("failed to clear pending release queue", "error", err)
		return
	}
	logger.Info("delivered queued lock releases", "count", len(pending))
}

func queueRelease(locks *gate.LockStore, uid string, logger *slog.Logger) {
	if uid == "" {
		return
	}
	if err := locks.QueueRelease(uid); err != nil {
		logger.Warn("failed to queue lock release", "error", err)
	}
}
