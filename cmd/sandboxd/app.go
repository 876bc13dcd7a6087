package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fslongjin/sandboxd/internal/access"
	"github.com/fslongjin/sandboxd/internal/clock"
	"github.com/fslongjin/sandboxd/internal/config"
	"github.com/fslongjin/sandboxd/internal/engine"
	"github.com/fslongjin/sandboxd/internal/lifecycle"
	"github.com/fslongjin/sandboxd/internal/metrics"
	"github.com/fslongjin/sandboxd/internal/notify"
	"github.com/fslongjin/sandboxd/internal/service"
	"github.com/fslongjin/sandboxd/internal/store"
)

// app holds every long-lived component of one sandboxd process.
type app struct {
	db         *sql.DB
	engine     engine.Engine
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	hub        *notify.Hub
	dispatcher *notify.Dispatcher
	authStore  *store.AuthStore
	drain      *lifecycle.DrainManager
	expiry     *service.ExpiryService
	plane      *service.ControlPlane
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	slog.Info("initializing database", "component", "store", "db_path", cfg.DBPath())
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	eng, err := newEngine(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	clk := clock.Real()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	admins := service.NewAdminService(store.NewAdminStore(db), store.NewSettingsStore(db), clk)
	if err := admins.Load(ctx, cfg.BootstrapAdmins(), cfg.DefaultSettings()); err != nil {
		db.Close()
		return nil, err
	}

	hub := notify.NewHub()
	dispatcher := notify.NewDispatcher(admins, hub, cfg.Notify.QueueSize, cfg.Notify.WebhookTimeout, notify.WithMetrics(m))
	admins.SetNotifier(dispatcher)

	sandboxStore := store.NewSandboxStore(db)
	sandboxes := service.NewSandboxService(eng, sandboxStore, dispatcher, clk, m, service.SandboxConfig{
		Images:        cfg.ImageMap(),
		Lifetime:      cfg.Sandbox.Lifetime,
		LockWait:      cfg.Sandbox.LockWait,
		EngineTimeout: cfg.Engine.Timeout,
	})
	sharing := service.NewSharingService(store.NewGrantStore(db), sandboxes, dispatcher, clk)
	drain := lifecycle.NewDrainManager()

	return &app{
		db:         db,
		engine:     eng,
		registry:   reg,
		metrics:    m,
		hub:        hub,
		dispatcher: dispatcher,
		authStore:  store.NewAuthStore(db),
		drain:      drain,
		expiry:     service.NewExpiryService(sandboxes, sandboxStore, dispatcher, clk, m, cfg.Scheduler.Concurrency),
		plane: &service.ControlPlane{
			Sandboxes: sandboxes,
			Sharing:   sharing,
			Admins:    admins,
			Reconcile: service.NewReconcileService(eng, sandboxStore, dispatcher, clk, m, cfg.Reconcile.Retention),
			Export:    service.NewExportService(sandboxes, sharing, admins, clk),
			Policy:    access.Policy{AllowAdminImpersonation: cfg.Access.AdminImpersonation},
			Drain:     drain,
			Metrics:   m,
		},
	}, nil
}

// Close flushes queued notifications and closes the registry.
func (a *app) Close(ctx context.Context) error {
	if err := a.dispatcher.Close(ctx); err != nil {
		slog.Warn("notifications not fully delivered", "component", "notify", "error", err)
	}
	return a.db.Close()
}

func newEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engine.Backend {
	case "docker":
		opts := []engine.DockerOption{engine.WithDiskQuota(cfg.Engine.Docker.DiskQuota)}
		if cfg.Engine.Docker.ProvisionScript != "" {
			opts = append(opts, engine.WithProvisionScript(cfg.Engine.Docker.ProvisionScript, cfg.Engine.Docker.ProvisionTimeout))
		}
		return engine.NewDocker(cfg.Engine.Docker.Binary, opts...), nil
	case "kubernetes":
		return engine.NewKubernetes(cfg.Engine.Kubernetes.Kubeconfig, cfg.Engine.Kubernetes.Namespace)
	case "memory":
		slog.Warn("using the in-memory engine, sandboxes are not real", "component", "engine")
		return engine.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
	}
}
