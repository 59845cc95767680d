// Package app wires the stores and services into one runnable application.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/videoforge/videoforge/internal/app/metrics"
	"github.com/videoforge/videoforge/internal/app/provider"
	"github.com/videoforge/videoforge/internal/app/services/admission"
	"github.com/videoforge/videoforge/internal/app/services/batches"
	"github.com/videoforge/videoforge/internal/app/services/credits"
	"github.com/videoforge/videoforge/internal/app/services/reconciler"
	"github.com/videoforge/videoforge/internal/app/services/scheduler"
	"github.com/videoforge/videoforge/internal/app/storage"
	"github.com/videoforge/videoforge/internal/app/storage/memory"
	"github.com/videoforge/videoforge/internal/app/storage/postgres"
	"github.com/videoforge/videoforge/internal/app/system"
	"github.com/videoforge/videoforge/internal/config"
	"github.com/videoforge/videoforge/pkg/logger"
)

// Stores groups the persistence interfaces the services run on.
type Stores struct {
	Batches     storage.BatchStore
	Tasks       storage.TaskStore
	Credits     storage.CreditStore
	Idempotency storage.IdempotencyStore
}

// Application owns the service graph and its lifecycle.
type Application struct {
	cfg     config.Config
	log     *logger.Logger
	manager *system.Manager

	Credits   *credits.Service
	Admission *admission.Service
	Scheduler *scheduler.Service
	Batches   *batches.Service
	Recon     *reconciler.Service

	metricsSrv *http.Server
}

// New builds the application from configuration. An empty Postgres DSN selects
// the in-memory stores; an empty Redis address selects the in-process rate
// limiter. A nil client falls back to the HTTP provider client.
func New(ctx context.Context, cfg config.Config, client provider.Client, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	stores, err := buildStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	if client == nil {
		client, err = provider.NewHTTPClient(
			&http.Client{Timeout: cfg.RequestTimeout},
			cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderRatePerSec,
			log.WithField("component", "provider-client"),
		)
		if err != nil {
			return nil, err
		}
	}

	creditSvc := credits.New(stores.Credits, log.WithField("component", "credits"))
	recon := reconciler.New(stores.Batches, stores.Tasks, creditSvc,
		cfg.RunningStaleAfter, cfg.SweepSchedule, log.WithField("component", "reconciler"))

	sched := scheduler.New(scheduler.Config{
		GlobalConcurrency:   cfg.GlobalConcurrency,
		PerOwnerConcurrency: cfg.PerUserConcurrency,
		TickInterval:        cfg.TickInterval,
		PollInterval:        cfg.PollInterval,
		MaxPollDuration:     cfg.MaxPollDuration,
	}, stores.Tasks, creditSvc, recon, client, log.WithField("component", "scheduler"))

	limiter, err := buildLimiter(cfg)
	if err != nil {
		return nil, err
	}

	adm := admission.New(admission.Config{
		MaxTasksPerBatch:  cfg.MaxTasksPerBatch,
		MaxPromptLength:   cfg.MaxPromptLength,
		IdempotencyWindow: cfg.IdempotencyWindow,
	}, stores.Batches, stores.Tasks, stores.Idempotency, creditSvc, recon, limiter, sched,
		log.WithField("component", "admission"))

	batchSvc := batches.New(stores.Batches, stores.Tasks, creditSvc, recon, sched,
		log.WithField("component", "batches"))

	manager := system.NewManager()
	for _, svc := range []system.Service{sched, recon} {
		if err := manager.Register(svc); err != nil {
			return nil, err
		}
	}

	return &Application{
		cfg:       cfg,
		log:       log,
		manager:   manager,
		Credits:   creditSvc,
		Admission: adm,
		Scheduler: sched,
		Batches:   batchSvc,
		Recon:     recon,
	}, nil
}

// Start brings up the managed services and the metrics endpoint.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		a.metricsSrv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.WithError(err).Error("metrics server failed")
			}
		}()
		a.log.WithField("addr", a.cfg.MetricsAddr).Info("metrics endpoint up")
	}

	a.log.Info("application started")
	return nil
}

// Stop shuts the services down in reverse start order.
func (a *Application) Stop(ctx context.Context) error {
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(shutdownCtx)
	}
	return a.manager.Stop(ctx)
}

func buildStores(ctx context.Context, cfg config.Config, log *logger.Logger) (Stores, error) {
	if cfg.PostgresDSN == "" {
		mem := memory.New()
		return Stores{Batches: mem, Tasks: mem, Credits: mem, Idempotency: mem}, nil
	}

	pg, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return Stores{}, fmt.Errorf("open postgres: %w", err)
	}
	log.Info("postgres store ready")
	return Stores{Batches: pg, Tasks: pg, Credits: pg, Idempotency: pg}, nil
}

func buildLimiter(cfg config.Config) (admission.Limiter, error) {
	if cfg.RedisAddr == "" {
		return admission.NewWindowLimiter(cfg.MaxBatchesPerUserMinute, time.Minute), nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	return admission.NewRedisLimiter(client, cfg.MaxBatchesPerUserMinute, time.Minute), nil
}
