package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/picvault/picvault/internal/ai"
	"github.com/picvault/picvault/internal/config"
	"github.com/picvault/picvault/internal/credentials"
	"github.com/picvault/picvault/internal/logging"
	"github.com/picvault/picvault/internal/publish"
	"github.com/picvault/picvault/internal/schedule"
	"github.com/picvault/picvault/internal/storage/dropbox"
	"github.com/picvault/picvault/internal/telemetry"
	"github.com/picvault/picvault/internal/tenant"
	"github.com/picvault/picvault/internal/web"
	"github.com/picvault/picvault/internal/workflow"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logging.Setup(logLevel, os.Stdout)
	log := slog.Default()

	applyINIFlag()
	cfg, err := config.Load(log)
	if err != nil {
		log.Error("config_load_failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version, log)
	if err != nil {
		log.Error("telemetry_setup_failed", "error", err.Error())
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("telemetry_shutdown_failed", "error", err.Error())
		}
	}()

	store := dropbox.New(dropbox.Config{
		AppKey:       cfg.Secrets.DropboxAppKey,
		AppSecret:    cfg.Secrets.DropboxAppSecret,
		RefreshToken: cfg.Secrets.DropboxRefreshToken,
	})

	opts := tenant.ResolverOptions{Logger: log}
	if cfg.MultiTenant() {
		opts.OrchestratorURL = cfg.Orchestrator.URL
		opts.CacheSize = cfg.Orchestrator.CacheMaxSize
		opts.DefaultTTL = time.Duration(cfg.Orchestrator.TTLSeconds) * time.Second
		opts.Credentials = credentials.EnvResolver{}
	} else {
		opts.Fallback = cfg.DefaultTenant()
	}
	tenants, err := tenant.NewResolver(opts)
	if err != nil {
		log.Error("tenant_resolver_failed", "error", err.Error())
		os.Exit(1)
	}

	runner := workflow.New(workflow.Options{
		Store: store,
		AI:    ai.New(ai.Options{Logger: log}),
		PublisherDeps: publish.Deps{
			HTTPClient: &http.Client{Timeout: 60 * time.Second},
			Logger:     log,
		},
		Logger: log,
	})

	server := web.NewServer(web.Options{
		Config:  cfg,
		Tenants: tenants,
		Runner:  runner,
		Store:   store,
		Logger:  log,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown_signal", "signal", sig.String())
		cancel()
	}()

	log.Info("picvault_starting",
		"version", Version,
		"addr", cfg.ListenAddr(),
		"environment", cfg.Environment,
		"multi_tenant", cfg.MultiTenant(),
		"config_version", cfg.Hash(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })

	if cfg.AutoPublish.Cron != "" {
		hosts := cfg.AutoPublish.Hosts
		if len(hosts) == 0 && !cfg.MultiTenant() {
			hosts = []string{"default"}
		}
		sched, err := schedule.New(schedule.Options{
			Cron:    cfg.AutoPublish.Cron,
			Hosts:   hosts,
			Tenants: tenants,
			Runner:  runner,
			Logger:  log,
		})
		if err != nil {
			log.Error("schedule_setup_failed", "error", err.Error())
			os.Exit(1)
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Error("serve_failed", "error", err.Error())
		os.Exit(1)
	}
}
