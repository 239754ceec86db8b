// bilancio-worker is the headless sync agent: it drains the durable
// queue against the remote store on a timer and mirrors month events
// published by other devices into the local snapshot database.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bilancio/internal/amqp"
	"bilancio/internal/config"
	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/remote"
	"bilancio/internal/remote/httpapi"
	"bilancio/internal/remote/memory"
	"bilancio/internal/services"
	"bilancio/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.DefaultConfig())
	log.SetDefault(logger)
	appLog := logger.WithComponent(log.ComponentApp)

	appLog.Info("starting bilancio-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		appLog.Error("configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	repo, err := storage.NewRepository(cfg.SQLiteDBPath)
	if err != nil {
		appLog.Error("failed to open local database", log.FieldError, err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var store remote.Store
	switch cfg.RemoteBackend {
	case "http":
		store, err = httpapi.New(cfg.RemoteBaseURL, cfg.RemoteToken)
		if err != nil {
			appLog.Error("failed to build remote client", log.FieldError, err)
			os.Exit(1)
		}
	default:
		store = memory.New(nil)
	}

	prop := services.NewPropagator(cfg.PropagationPolicy(), nil, logger.WithComponent(log.ComponentPropagation))
	ledger := services.NewLedger(prop, logger.WithComponent(log.ComponentLedger))
	rec := services.NewReconciler(ledger, repo, store, nil, cfg.ReconcilerConfig(), logger.WithComponent(log.ComponentSync))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rec.Start(ctx); err != nil {
		appLog.Error("failed to start sync loop", log.FieldError, err)
		os.Exit(1)
	}

	// Mirror month events from the other household devices into the
	// local snapshot database so the next app start is already fresh.
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger.WithComponent(log.ComponentAMQP))
		if err != nil {
			appLog.Error("failed to connect to AMQP", log.FieldError, err)
			os.Exit(1)
		}
		defer client.Close()

		go func() {
			handler := monthEventHandler(ctx, repo, store, logger.WithComponent(log.ComponentSync))
			if err := client.ConsumeMonthEvents(ctx, handler); err != nil && err != context.Canceled {
				appLog.Error("month event consumption failed", log.FieldError, err)
			}
		}()
	} else {
		appLog.Info("AMQP disabled, relying on the periodic flush only")
	}

	<-ctx.Done()
	appLog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rec.Flush(shutdownCtx)
	if err := rec.Stop(shutdownCtx); err != nil {
		appLog.Error("shutdown error", log.FieldError, err)
		os.Exit(1)
	}
	appLog.Info("worker stopped gracefully")
}

// monthEventHandler refreshes the local snapshot of a month announced
// on the bus.
func monthEventHandler(ctx context.Context, repo *storage.Repository, store remote.Store, logger *log.Logger) func(*amqp.MonthEventMessage) error {
	return func(msg *amqp.MonthEventMessage) error {
		key := core.MonthKey(msg.MonthKey)

		if msg.Event == amqp.EventMonthDeleted {
			if err := repo.DeleteMonth(ctx, key); err != nil {
				return err
			}
			logger.InfoContext(ctx, "dropped deleted month snapshot", log.FieldMonth, msg.MonthKey)
			return nil
		}

		rec, err := store.GetMonth(ctx, key)
		if remote.IsNotFound(err) {
			// Deleted again in the meantime; nothing to mirror.
			return nil
		}
		if err != nil {
			return err
		}
		payload, err := json.Marshal(rec.Data)
		if err != nil {
			return err
		}
		if err := repo.SaveMonth(ctx, key, payload, rec.UpdatedAt); err != nil {
			return err
		}
		logger.InfoContext(ctx, "mirrored remote month",
			log.FieldMonth, msg.MonthKey,
			log.FieldUpdatedAt, rec.UpdatedAt)
		return nil
	}
}
