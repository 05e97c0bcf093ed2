package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bdobrica/Banken/common/environment"
	"github.com/bdobrica/Banken/common/version"
	"github.com/bdobrica/Banken/internal/banken/audit"
	"github.com/bdobrica/Banken/internal/banken/config"
	"github.com/bdobrica/Banken/internal/banken/manager"
	"github.com/bdobrica/Banken/internal/banken/matrix"
	"github.com/bdobrica/Banken/internal/banken/proxy"
	"github.com/bdobrica/Banken/internal/banken/runtime"
	"github.com/bdobrica/Banken/internal/banken/runtime/cli"
	"github.com/bdobrica/Banken/internal/banken/runtime/docker"
	"github.com/bdobrica/Banken/internal/banken/server"
	"github.com/bdobrica/Banken/internal/banken/store"
)

func main() {
	fmt.Printf("Banken Agent Container Service\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	configPath := flag.String("config", environment.StringOr("BANKEN_CONFIG", ""),
		"path to the YAML config file (optional; env vars always apply)")
	flag.Parse()

	setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	rt, err := newRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize container runtime: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The bridge network is a precondition for container creation, not for
	// serving the API. An unavailable runtime degrades to 503s on container
	// operations instead of preventing startup.
	if err := rt.EnsureNetwork(ctx, cfg.Containers.Network); err != nil {
		slog.Warn("bridge network setup failed, container operations may fail",
			"network", cfg.Containers.Network, "error", err)
	}

	ports, err := runtime.NewPortAllocator(rt, cfg.Containers.PortRangeStart, cfg.Containers.PortRangeEnd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	notifier := newNotifier(cfg)

	mgr := manager.New(rt, st, ports, notifier, manager.Config{
		DefaultImage:       cfg.Containers.Image,
		Network:            cfg.Containers.Network,
		DefaultMemoryLimit: cfg.Containers.MemoryLimit,
		DefaultCPULimit:    cfg.Containers.CPULimit,
		RestartPolicy:      cfg.Containers.RestartPolicy,
		StopGrace:          cfg.Containers.StopGrace.Std(),
		KnowledgeRoot:      cfg.Containers.KnowledgeRoot,
		KBRecreate:         cfg.Containers.KBRecreate,
		VectorDBURL:        cfg.Containers.VectorDBURL,
		HostAlias:          cfg.Containers.HostAlias,
	})

	px := proxy.New(st, mgr, proxy.Config{Timeout: cfg.Containers.ProxyTimeout.Std()})

	reconciler := manager.NewReconciler(rt, st, notifier, manager.ReconcilerConfig{
		Interval: cfg.Containers.ReconcileInterval.Std(),
	})
	go reconciler.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(mgr, px, st, rt).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown", "error", err)
		}
	}()

	slog.Info("banken listening", "addr", cfg.ListenAddr, "driver", cfg.Runtime.Driver)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Error running Banken: %v\n", err)
		os.Exit(1)
	}
	slog.Info("banken stopped")
}

// newRuntime constructs the configured runtime driver.
func newRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime.Driver {
	case "docker":
		return docker.New(cfg.Runtime.Timeout.Std())
	default:
		return cli.New(cfg.Runtime.Binary, cfg.Runtime.Timeout.Std()), nil
	}
}

// newNotifier builds the Matrix audit notifier when configured, otherwise a
// no-op. A misconfigured Matrix connection downgrades to no-op with a
// warning instead of refusing to start.
func newNotifier(cfg *config.Config) audit.Notifier {
	if !cfg.MatrixEnabled() {
		return audit.Nop{}
	}
	client, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		AuditRoom:   cfg.Matrix.AuditRoom,
	})
	if err != nil {
		slog.Warn("matrix audit notifier disabled", "error", err)
		return audit.Nop{}
	}
	slog.Info("matrix audit notifier enabled", "room", cfg.Matrix.AuditRoom)
	return audit.NewMatrixNotifier(client, cfg.Matrix.AuditRoom)
}

// setupLogging configures the default slog logger from LOG_LEVEL.
func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(environment.StringOr("LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
