package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/appointment"
	"github.com/hackgods/clinic-queue-booking/internal/config"
	"github.com/hackgods/clinic-queue-booking/internal/db"
	"github.com/hackgods/clinic-queue-booking/internal/logger"
	"github.com/hackgods/clinic-queue-booking/internal/metrics"
	"github.com/hackgods/clinic-queue-booking/internal/monitor"
	redisclient "github.com/hackgods/clinic-queue-booking/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, "queue-monitor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("queue-monitor starting up",
		zap.String("store", cfg.StoreDriver),
		zap.Duration("interval", cfg.WorkerInterval),
	)

	if cfg.StoreDriver == config.StoreMemory {
		log.Fatal("queue-monitor needs a shared store; memory is per process")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancelConnect := context.WithTimeout(rootCtx, 15*time.Second)
	store, err := db.OpenStore(connectCtx, cfg, "queue-monitor", log)
	cancelConnect()
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "clinic")

	// Read-only: the service is used for occupancy reporting, never admission.
	reconciler := appointment.NewReconciler(store.Repo, nil, cfg.Currency, cfg.GatewayTimeout, log, m)
	svc := appointment.NewService(store.Repo, redisclient.NewLocalSlotLocker(), reconciler, cfg, log, m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics listener started", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener failed", zap.Error(err))
		}
	}()

	monitor.New(svc, m, log, 20*time.Second).Run(rootCtx, cfg.WorkerInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics listener shutdown error", zap.Error(err))
	}
	log.Info("queue-monitor stopped")
}
