package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"slipway/pkg/bus"
	"slipway/pkg/db"
	gos3 "slipway/pkg/s3"
	"slipway/pkg/telemetry"
	"slipway/services/history"
)

func main() {
	if err := run("slipwayd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	store, err := history.NewStore(orm)
	if err != nil {
		return err
	}

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		return errors.New("NATS_URL is required")
	}
	eventBus, err := bus.New(natsURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer eventBus.Close()

	consumer, err := history.NewConsumer(store, eventBus, logger)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumer.Close()

	// Report links are optional: without a bucket or reachable object store
	// the API simply omits them.
	var reports history.ReportLinker
	bucket := os.Getenv("SLIPWAY_ARCHIVE_BUCKET")
	if bucket != "" {
		s3Client, err := gos3.NewClientFromEnv()
		if err != nil {
			logger.Warn("report links disabled", "error", err)
		} else {
			reports = s3Client
		}
	}

	api, err := history.NewAPI(store, reports, bucket)
	if err != nil {
		return err
	}

	addr := os.Getenv("SLIPWAYD_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:    addr,
		Handler: middleware(api.Routes()),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Info("listening", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		return err
	}

	return nil
}
