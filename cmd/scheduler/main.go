/**
 * @description
 * This is the main entry point for the licensing-service scheduler. It runs the
 * periodic expired-subscription sweep that flips lapsed mirrors and user records
 * inactive independently of webhook delivery.
 */
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/alcalc/licensing-service/internal/app"
	"github.com/alcalc/licensing-service/internal/config"
	"github.com/alcalc/licensing-service/internal/store"
	"github.com/alcalc/licensing-service/pkg/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger.Info("starting licensing-scheduler", "schedule", cfg.SweepSchedule, "batch_size", cfg.SweepBatchSize)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	logger.Info("database connected")

	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.AMQPURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable, using fallback", "error", err)
		publisher = &rabbitmq.EventProducerFallback{}
	} else {
		defer producer.Close()
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}

	repository := store.NewRepository(dbpool)
	jobs := app.NewJobs(repository, publisher, logger, cfg.SweepBatchSize)

	scheduler := app.NewScheduler(jobs, logger, cfg.SweepSchedule)
	scheduler.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		logger.Warn("sweep did not finish before shutdown deadline")
	}
	logger.Info("shutdown complete")
}
