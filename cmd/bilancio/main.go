package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"bilancio/internal/amqp"
	"bilancio/internal/config"
	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/normalize"
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
		appLog.Info("using http remote backend", log.FieldBackend, cfg.RemoteBackend)
	default:
		store = memory.New(nil)
		appLog.Info("using in-memory remote backend", log.FieldBackend, cfg.RemoteBackend)
	}

	// AMQP fan-out is optional; without it sync results stay local.
	var events services.EventPublisher
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger.WithComponent(log.ComponentAMQP))
		if err != nil {
			appLog.Error("failed to connect to AMQP", log.FieldError, err)
			os.Exit(1)
		}
		defer client.Close()
		events = client
	}

	prop := services.NewPropagator(cfg.PropagationPolicy(), nil, logger.WithComponent(log.ComponentPropagation))
	ledger := services.NewLedger(prop, logger.WithComponent(log.ComponentLedger))
	rec := services.NewReconciler(ledger, repo, store, events, cfg.ReconcilerConfig(), logger.WithComponent(log.ComponentSync))
	rec.OnSessionEnded(func() {
		appLog.Warn("remote session rejected, sign in again to resume syncing")
	})
	ledger.SetListeners(rec.NoteMonthChanged, rec.NoteMonthDeleted, rec.NoteSettingsChanged)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The flush loop probes the backend while offline and flips back
	// online on its own once it answers.
	if err := ledger.LoadRemote(ctx, store); err != nil {
		appLog.Warn("remote unreachable, starting from the offline snapshot", log.FieldError, err)
		rec.SetOnline(false)
		if err := rehydrate(ctx, ledger, repo); err != nil {
			appLog.Error("failed to load offline snapshot", log.FieldError, err)
			os.Exit(1)
		}
	}

	// Seed preference: explicit config, then the month the user last had
	// open, then the current month.
	seed := core.MonthKeyFromTime(time.Now())
	if last, err := repo.LastViewedMonth(ctx, ""); err == nil && last.Valid() {
		seed = last
	}
	if cfg.SeedMonth != "" {
		seed = core.MonthKey(cfg.SeedMonth)
	}
	if created, err := ledger.MaterializeYear(seed); err != nil {
		appLog.Error("failed to materialize months", log.FieldError, err)
		os.Exit(1)
	} else if len(created) > 0 {
		appLog.Info("materialized planning year", log.FieldMonth, string(seed), log.FieldMonthsTouched, len(created))
	}
	if err := repo.SetLastViewedMonth(ctx, "", seed); err != nil {
		appLog.Warn("failed to record last viewed month", log.FieldError, err)
	}

	if err := rec.Start(ctx); err != nil {
		appLog.Error("failed to start sync", log.FieldError, err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		appLog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Push anything still dirty before stopping the loop.
		rec.Flush(shutdownCtx)
		return rec.Stop(shutdownCtx)
	})

	appLog.Info("bilancio started",
		log.FieldBackend, cfg.RemoteBackend,
		"db_path", cfg.SQLiteDBPath,
		"seed_month", string(seed))

	if err := g.Wait(); err != nil {
		appLog.Error("shutdown error", log.FieldError, err)
		os.Exit(1)
	}
	appLog.Info("stopped gracefully")
}

// rehydrate fills the ledger from the durable month snapshots.
func rehydrate(ctx context.Context, ledger *services.Ledger, repo *storage.Repository) error {
	stored, err := repo.LoadMonths(ctx)
	if err != nil {
		return err
	}
	months := make(core.MonthlyBudget, len(stored))
	for _, m := range stored {
		data := normalize.BudgetData(m.Payload)
		months[m.Key] = &data
	}
	ledger.Rehydrate(months, core.Settings{})
	return nil
}
