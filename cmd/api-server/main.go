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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/api"
	"github.com/hackgods/clinic-queue-booking/internal/appointment"
	"github.com/hackgods/clinic-queue-booking/internal/config"
	"github.com/hackgods/clinic-queue-booking/internal/db"
	"github.com/hackgods/clinic-queue-booking/internal/logger"
	"github.com/hackgods/clinic-queue-booking/internal/metrics"
	"github.com/hackgods/clinic-queue-booking/internal/payment"
	redisclient "github.com/hackgods/clinic-queue-booking/internal/redis"
	"github.com/hackgods/clinic-queue-booking/internal/seed"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, "api-server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api-server stopped with error", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("api-server starting up",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store", cfg.StoreDriver),
		zap.String("lock", cfg.LockDriver),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancelConnect := context.WithTimeout(rootCtx, 15*time.Second)
	store, err := db.OpenStore(connectCtx, cfg, "api-server", log)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	log.Info("store ready", zap.String("driver", store.Driver))

	if store.Memory != nil {
		fixtures := seed.Generate(10, 50, seed.SequentialRefs)
		seed.Load(store.Memory, fixtures)
		log.Info("memory store loaded with demo data",
			zap.Int("doctors", len(fixtures.Doctors)),
			zap.Int("patients", len(fixtures.Patients)),
		)
	}

	var (
		rdb    *redis.Client
		locker redisclient.Locker
	)
	if cfg.LockDriver == config.LockRedis {
		rdb, err = redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
		log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
	} else {
		locker = redisclient.NewLocalSlotLocker()
	}

	var gateways []payment.Gateway
	if cfg.Stripe.Enabled() {
		gateways = append(gateways, payment.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, cfg.FrontendURL))
	}
	if cfg.Razorpay.Enabled() {
		gateways = append(gateways, payment.NewRazorpayGateway(cfg.Razorpay.KeyID, cfg.Razorpay.KeySecret, cfg.Razorpay.WebhookSecret))
	}
	for _, g := range gateways {
		log.Info("payment gateway enabled", zap.String("gateway", string(g.Name())))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, "clinic")

	reconciler := appointment.NewReconciler(store.Repo, gateways, cfg.Currency, cfg.GatewayTimeout, log, m)
	svc := appointment.NewService(store.Repo, locker, reconciler, cfg, log, m)

	checks := []api.Check{{Name: store.Driver, Critical: true, Ping: store.Ping}}
	if rdb != nil {
		checks = append(checks, api.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	router := api.NewRouter(api.RouterConfig{
		Service:   svc,
		Health:    api.NewHealthHandler(cfg.Env, version, checks...),
		Gatherer:  reg,
		Logger:    log,
		JWTSecret: cfg.JWTSecret,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout + 10*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("api-server stopped")
	return nil
}
