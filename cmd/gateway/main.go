package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"MeshGate/internal/audit"
	"MeshGate/internal/auth"
	"MeshGate/internal/breaker"
	"MeshGate/internal/gateway"
	"MeshGate/internal/metrics"
	"MeshGate/internal/ratelimit"
	"MeshGate/internal/store"
	"MeshGate/pkg/bootstrap"
	"MeshGate/pkg/config"
	"MeshGate/pkg/db/mysql"
	rdb "MeshGate/pkg/db/redis"
	"MeshGate/pkg/monitor"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to ./config.yaml)")
	flag.Parse()

	cleanup, err := bootstrap.InitAll(*configPath)
	if err != nil {
		fmt.Printf("gateway boot failed: %v\n", err)
		return
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conf := config.Conf
	st := store.NewRedisStore(rdb.Rdb)

	allowed := make(map[string]bool, len(conf.AuthConfig.AllowedServices))
	for _, s := range conf.AuthConfig.AllowedServices {
		allowed[s] = true
	}
	authenticator := auth.NewAuthenticator(auth.Config{
		ServiceID:       conf.AuthConfig.ServiceID,
		Secret:          []byte(conf.AuthConfig.Secret),
		RequireMTLS:     conf.AuthConfig.RequireMTLS,
		AllowedServices: allowed,
	})

	limiter := ratelimit.New(limiterConfig(conf), st)

	upstreamNames := make([]string, 0, len(conf.UpstreamConfig.Services))
	for name := range conf.UpstreamConfig.Services {
		upstreamNames = append(upstreamNames, name)
	}
	breakerDefaults := breaker.DefaultSettings()
	var overrides map[string]breaker.Settings
	if conf.BreakerConfig != nil {
		breakerDefaults = toBreakerSettings(conf.BreakerConfig.Defaults, breakerDefaults)
		overrides = breakerOverrides(conf.BreakerConfig.Overrides)
	}
	breakers := breaker.NewRegistry(conf.Name, upstreamNames, breakerDefaults, overrides, st)

	instance := fmt.Sprintf("%s-%d", conf.Name, conf.MachineID)
	sampleSize := 0
	snapInterval, retention := time.Duration(0), time.Duration(0)
	if conf.MetricsConfig != nil {
		sampleSize = conf.MetricsConfig.SampleSize
		snapInterval = time.Duration(conf.MetricsConfig.SnapshotIntervalSec) * time.Second
		retention = time.Duration(conf.MetricsConfig.RetentionSeconds) * time.Second
	}
	collector := metrics.NewCollector(instance, sampleSize)
	publisher := metrics.NewPublisher(collector, st, snapInterval, retention)
	publisher.Run(ctx)

	var auditLogger *audit.Logger
	if conf.AuditConfig != nil && conf.AuditConfig.Enabled {
		auditLogger, err = audit.NewLogger(rdb.Rdb, mysql.DB, conf.AuditConfig.QueueKey, conf.MachineID)
		if err != nil {
			zap.L().Fatal("init audit logger failed", zap.Error(err))
		}
		auditLogger.StartFlusher(ctx,
			time.Duration(conf.AuditConfig.FlushInterval)*time.Second,
			conf.AuditConfig.BatchSize)
	}

	gw := gateway.New(gateway.Options{
		Name:          conf.Name,
		Authenticator: authenticator,
		Limiter:       limiter,
		Breakers:      breakers,
		Collector:     collector,
		Publisher:     publisher,
		Audit:         auditLogger,
		Upstreams:     conf.UpstreamConfig.Services,
		RetryPolicies: conf.UpstreamConfig.Policies,
	})

	rdb.Monitor.Run(ctx)
	if mysql.Monitor != nil {
		mysql.Monitor.Run(ctx)
	}
	gw.UpstreamMonitor().Run(ctx)
	monitor.StartSampler(ctx, 5*time.Second)

	addr := fmt.Sprintf(":%d", conf.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: gw.NewRouter(),
	}

	go func() {
		zap.L().Info("gateway run",
			zap.String("addr", addr),
			zap.String("environment", conf.Environment))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zap.L().Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("server shutdown failed", zap.Error(err))
	}
	zap.L().Info("gateway stopped")
}

func limiterConfig(conf *config.AppConfig) ratelimit.Config {
	cfg := ratelimit.Config{Window: 60 * time.Second}
	if rl := conf.RateLimitConfig; rl != nil {
		if rl.WindowSeconds > 0 {
			cfg.Window = time.Duration(rl.WindowSeconds) * time.Second
		}
		cfg.TierLimits = rl.TierLimits
		cfg.ServiceLimits = rl.ServiceLimits
		cfg.GlobalPerWindow = rl.GlobalPerWindow
		cfg.DDoSChallengeAt = rl.DDoSChallengeAt
		cfg.DDoSBlockAt = rl.DDoSBlockAt
		cfg.LocalRPS = rl.LocalRPS
		cfg.LocalBurst = rl.LocalBurst
	}
	if cfg.TierLimits == nil {
		cfg.TierLimits = map[string]int{
			ratelimit.TierAnonymous:     30,
			ratelimit.TierAuthenticated: 120,
			ratelimit.TierPremium:       600,
		}
	}
	return cfg
}

func toBreakerSettings(in config.BreakerSettings, fallback breaker.Settings) breaker.Settings {
	out := fallback
	if in.FailureThreshold > 0 {
		out.FailureThreshold = in.FailureThreshold
	}
	if in.ResetTimeoutSec > 0 {
		out.ResetTimeout = time.Duration(in.ResetTimeoutSec) * time.Second
	}
	if in.HalfOpenRequests > 0 {
		out.HalfOpenRequests = in.HalfOpenRequests
	}
	if in.TimeoutSec > 0 {
		out.Timeout = time.Duration(in.TimeoutSec) * time.Second
	}
	return out
}

func breakerOverrides(in map[string]config.BreakerSettings) map[string]breaker.Settings {
	out := make(map[string]breaker.Settings, len(in))
	for name, s := range in {
		out[name] = toBreakerSettings(s, breaker.DefaultSettings())
	}
	return out
}
