package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/bustinjailey/dev-farm-sub000/internal/docker"
	"github.com/bustinjailey/dev-farm-sub000/internal/environment"
	"github.com/bustinjailey/dev-farm-sub000/internal/github"
	"github.com/bustinjailey/dev-farm-sub000/internal/httpx"
	"github.com/bustinjailey/dev-farm-sub000/internal/readiness"
	"github.com/bustinjailey/dev-farm-sub000/internal/reconcile"
	"github.com/bustinjailey/dev-farm-sub000/internal/registry"
	"github.com/bustinjailey/dev-farm-sub000/internal/sse"
	"github.com/bustinjailey/dev-farm-sub000/internal/update"
	"github.com/bustinjailey/dev-farm-sub000/pkg/config"
	"github.com/bustinjailey/dev-farm-sub000/pkg/logger"
)

func main() {
	cfg := config.LoadDashboardConfig()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("dashboard", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Error("docker engine unreachable", "error", err)
		os.Exit(1)
	}

	store := registry.NewStore(cfg.RegistryFile, cfg.BasePort, log)

	broker := sse.NewBroker(cfg.HeartbeatInterval, log)
	go broker.Run(ctx)

	store.OnSave(func() {
		broker.Publish("registry-update", map[string]string{"type": "registry-update"})
	})

	watcher := registry.NewWatcher(store, log, func() {
		broker.Publish("registry-update", map[string]string{"type": "registry-update"})
	})
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("registry watcher stopped", "error", err)
		}
	}()

	ghub := github.NewManager(github.Config{
		ClientID:       cfg.GithubClientID,
		FarmConfigFile: cfg.FarmConfigFile,
		TokenFile:      cfg.GithubTokenFile,
		DeviceCodeFile: cfg.DeviceCodeFile,
	}, log)

	detector := readiness.NewDetector(engine, nil, cfg.LogTailLines, log)

	var extraEnv []string
	if key := os.Getenv("BRAVE_API_KEY"); key != "" {
		extraEnv = append(extraEnv, "BRAVE_API_KEY="+key)
	}
	envs := environment.NewService(store, engine, detector, environment.Options{
		ContainerPrefix:    cfg.ContainerPrefix,
		ImageNamespace:     cfg.ImageNamespace,
		CodeServerImage:    cfg.CodeServerImage,
		DashboardContainer: cfg.DashboardContainer,
		ExternalURL:        cfg.ExternalURL,
		BasePort:           cfg.BasePort,
		TokenSource:        ghub.Token,
		ExtraEnv:           extraEnv,
	}, log)

	if cfg.SyncOnStart {
		if _, err := envs.SyncRegistry(ctx); err != nil {
			log.Warn("initial registry sync failed", "error", err)
		}
	}

	reconciler := reconcile.New(store, detector, broker, envs.URLFor, cfg.ReconcileInterval, log)
	go reconciler.Run(ctx)

	buildTargets := map[string]httpx.BuildTarget{
		"code-server": {Dir: "docker/code-server", Tag: cfg.CodeServerImage},
		"terminal":    {Dir: "docker/terminal", Tag: cfg.ImageNamespace + "/terminal:latest"},
		"dashboard":   {Dir: "docker/dashboard", Tag: cfg.ImageNamespace + "/dashboard:latest"},
	}

	updater := update.New(
		update.NewState(),
		broker,
		engine,
		func(ctx context.Context) error { return engine.Restart(ctx, cfg.DashboardContainer) },
		cfg.RepoPath,
		[]update.ImageTarget{
			{Name: "code-server", Dir: "docker/code-server", Tag: cfg.CodeServerImage},
			{Name: "dashboard", Dir: "docker/dashboard", Tag: cfg.ImageNamespace + "/dashboard:latest"},
		},
		cfg.BuildTimeout,
		cfg.GitTimeout,
		log,
	)

	router := httpx.NewRouter(log, envs, updater, broker, ghub, engine, httpx.Options{
		StaticDir:      cfg.StaticDir,
		ImageNamespace: cfg.ImageNamespace,
		BuildTargets:   buildTargets,
		BuildTimeout:   cfg.BuildTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("dashboard server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("dashboard server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
