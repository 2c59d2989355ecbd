package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbbouncer/pgproxy/internal/api"
	"github.com/dbbouncer/pgproxy/internal/auth"
	"github.com/dbbouncer/pgproxy/internal/config"
	"github.com/dbbouncer/pgproxy/internal/health"
	"github.com/dbbouncer/pgproxy/internal/metrics"
	"github.com/dbbouncer/pgproxy/internal/plugin"
	"github.com/dbbouncer/pgproxy/internal/pool"
	"github.com/dbbouncer/pgproxy/internal/proxy"
	"github.com/dbbouncer/pgproxy/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/pgproxy.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("pgproxy starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "targets", len(cfg.Targets))

	secrets := auth.NewSecretStore()
	for username, u := range cfg.Auth.Users {
		if err := secrets.AddUser(username, u.EffectivePassword(), auth.Method(u.Method)); err != nil {
			slog.Error("loading auth user", "user", username, "err", err)
			os.Exit(1)
		}
	}

	m := metrics.New()
	r := router.New(cfg)
	pm := pool.NewManager(cfg.Pool, cfg.Limits.AcquireTimeout)

	pm.SetOnPoolExhausted(func(target string) {
		m.PoolExhausted(target)
	})
	pm.StartStatsLoop(5*time.Second, func(s pool.Stats) {
		m.UpdatePoolStats(s.Target, s.Active, s.Idle, s.Total, s.Waiting)
	})

	hc := health.NewChecker(r, m, cfg.Pool.HealthCheckInterval, cfg.Limits.HealthCheckFailureThreshold, cfg.Limits.HealthCheckTimeout)
	hc.SetPoolManager(pm)
	hc.Start()

	// No plugin implementations ship with this proxy yet — cfg.Plugins
	// is parsed and validated but there is nothing in the registry to
	// load it against. Recorded as an open question in DESIGN.md rather
	// than fabricating plugin types with no concrete behavior.
	plugins := plugin.NewRegistry()
	plugins.Freeze()

	proxyServer := proxy.NewServer(r, pm, hc, m, plugins, secrets, cfg.Limits)
	if err := proxyServer.Listen(cfg.Listen); err != nil {
		slog.Error("starting proxy listeners", "err", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(r, pm, hc, m, cfg.Listen, cfg.Admin.APIKey)
	if err := apiServer.Start(cfg.Admin.Address); err != nil {
		slog.Error("starting admin API", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration")
		r.Reload(newCfg)
		pm.UpdateDefaults(newCfg.Pool)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("pgproxy ready", "listen", cfg.Listen, "admin", cfg.Admin.Address)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()
	pm.Close()

	slog.Info("pgproxy stopped")
}
