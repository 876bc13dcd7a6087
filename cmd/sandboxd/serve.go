package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fslongjin/sandboxd/internal/auth"
	"github.com/fslongjin/sandboxd/internal/engine"
	"github.com/fslongjin/sandboxd/internal/handler"
	"github.com/fslongjin/sandboxd/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and background schedulers",
	Example: `  # Serve with the docker engine on port 8080
  sandboxd serve

  # Serve with a config file and a different port
  sandboxd serve --config /etc/sandboxd/sandboxd.yaml --port 9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 8080, "HTTP listen port")
	_ = v.BindPFlag("http.port", serveCmd.Flags().Lookup("port"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	if k, ok := a.engine.(*engine.Kubernetes); ok {
		if err := k.EnsureNamespace(ctx); err != nil {
			return fmt.Errorf("failed to ensure namespace: %w", err)
		}
		slog.Info("sandbox namespace ensured", "component", "kubernetes_engine", "namespace", cfg.Engine.Kubernetes.Namespace)
		if err := k.EnsureNetworkPolicies(ctx); err != nil {
			slog.Warn("failed to ensure network policies", "component", "kubernetes_engine", "error", err)
		} else {
			slog.Info("network policies ensured", "component", "kubernetes_engine")
		}
	}
	if err := auth.EnsureBootstrapKey(ctx, a.authStore, cfg.Auth.BootstrapAPIKey); err != nil {
		return err
	}

	scheduler := service.NewScheduler()
	if err := scheduler.Every("sandbox_expiry", cfg.Scheduler.Interval, a.expiry.Run); err != nil {
		return err
	}
	if err := scheduler.Every("sandbox_reconcile", cfg.Reconcile.Interval, a.plane.Reconcile.Scheduled); err != nil {
		return err
	}
	scheduler.Start()
	// Catch up on sandboxes that expired while the process was down.
	if !scheduler.RunNow("sandbox_expiry") {
		slog.Info("expiry scheduler disabled, skipping catch-up pass", "component", "scheduler")
	}

	router := handler.NewRouter(handler.RouterConfig{
		Plane:      a.plane,
		AuthStore:  a.authStore,
		Hub:        a.hub,
		DrainState: a.drain,
		Metrics:    promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("api server starting", "component", "http_server", "port", cfg.HTTP.Port, "engine", cfg.Engine.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down api server", "component", "http_server", "signal", sig.String())
	case err := <-serveErr:
		slog.Error("api server failed", "component", "http_server", "error", err)
		_ = scheduler.Stop(ctx)
		_ = a.Close(ctx)
		return err
	}

	a.drain.StartDraining()
	time.Sleep(2 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "component", "http_server", "error", err)
	}
	a.hub.CloseAll()
	if err := a.drain.WaitStreams(shutdownCtx); err != nil {
		slog.Warn("channel streams still open after drain timeout", "component", "http_server", "active", a.drain.ActiveStreams())
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduled jobs still running after drain timeout", "component", "scheduler", "error", err)
	}
	if err := a.drain.WaitOperations(shutdownCtx); err != nil {
		slog.Warn("lifecycle operations still running after drain timeout", "component", "http_server", "active", a.drain.ActiveOperations())
	}
	if err := a.Close(shutdownCtx); err != nil {
		return err
	}
	slog.Info("api server stopped", "component", "http_server")
	return nil
}
