// Bridge multiplexer entry point.
//
// The multiplexer sits between a Matrix homeserver and a fleet of
// bridge appservices, presenting itself as a single appservice to the
// homeserver and as a homeserver to each bridge.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bridgemux/bridgemux/pkg/admin"
	"github.com/bridgemux/bridgemux/pkg/appservice"
	"github.com/bridgemux/bridgemux/pkg/config"
	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/metrics"
	"github.com/bridgemux/bridgemux/pkg/orchestrator"
	"github.com/bridgemux/bridgemux/pkg/registry"
	"github.com/bridgemux/bridgemux/pkg/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridgemux: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load resolves BRIDGEMUX_CONFIG when no path is given; fall back
	// to a conventional config.toml next to the binary when present.
	configPath := ""
	if os.Getenv("BRIDGEMUX_CONFIG") == "" {
		if _, err := os.Stat("config.toml"); err == nil {
			configPath = "config.toml"
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return err
	}
	log := logger.Global()

	st, err := store.Open(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// The configured homeserver always has a row; bridges provisioned at
	// runtime attach to it.
	hs, err := st.Homeservers.Ensure(cfg.Homeserver.Name, cfg.Homeserver.URL, cfg.Homeserver.HSToken)
	if err != nil {
		return fmt.Errorf("seed homeserver: %w", err)
	}
	log.Info("homeserver registered", "name", hs.Name, "url", hs.URL)

	reg := registry.New(st.Bridges, log)
	m := metrics.New()
	svc := appservice.New(cfg, st, reg, m, log)
	ingress := appservice.NewIngress(svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	handler := ingress.Handler()

	if cfg.Orchestrator.Enabled {
		runtime, err := orchestrator.NewDockerRuntime(cfg.Orchestrator.DockerHost)
		if err != nil {
			return fmt.Errorf("connect docker: %w", err)
		}
		orch := orchestrator.New(cfg, st, reg, runtime, m, log)
		defer orch.Close()

		if err := runtime.Ping(ctx); err != nil {
			return fmt.Errorf("docker daemon unreachable: %w", err)
		}

		if cfg.Server.AdminToken != "" {
			root := http.NewServeMux()
			root.Handle("/admin/", admin.New(cfg.Server.AdminToken, orch, st, log).Handler())
			root.Handle("/", handler)
			handler = root
		} else {
			log.Warn("orchestrator enabled without admin token; provisioning api disabled")
		}

		sweeper := cron.New()
		_, err = sweeper.AddFunc(cfg.Orchestrator.StatusSweepSchedule, func() {
			if err := orch.Sweep(ctx); err != nil {
				log.Warn("status sweep failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule status sweep: %w", err)
		}
		sweeper.Start()
		g.Go(func() error {
			<-ctx.Done()
			<-sweeper.Stop().Done()
			return nil
		})
		log.Info("orchestrator enabled",
			"docker_host", cfg.Orchestrator.DockerHost,
			"sweep", cfg.Orchestrator.StatusSweepSchedule)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: handler,
	}
	g.Go(func() error {
		log.Info("ingress listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ingress server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("bridgemux started", "appservice_id", cfg.AppService.ID)
	return g.Wait()
}
