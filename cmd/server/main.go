// The server daemon hosts the pipeline control plane: the REST API, event
// and log subscriptions, signed-URL redemption, and event ingress.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pipeworks-io/pipeworks/api"
	"github.com/pipeworks-io/pipeworks/authz"
	"github.com/pipeworks-io/pipeworks/broker"
	"github.com/pipeworks-io/pipeworks/config"
	"github.com/pipeworks-io/pipeworks/engine"
	"github.com/pipeworks-io/pipeworks/logbus"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/monitor"
	"github.com/pipeworks-io/pipeworks/observability"
	"github.com/pipeworks-io/pipeworks/rest"
	"github.com/pipeworks-io/pipeworks/sanitize"
	"github.com/pipeworks-io/pipeworks/server"
	"github.com/pipeworks-io/pipeworks/server/endpoint"
	"github.com/pipeworks-io/pipeworks/signedurl"
	"github.com/pipeworks-io/pipeworks/store"
	"github.com/pipeworks-io/pipeworks/version"
)

// monitorInterval paces the terminal-state poll behind event subscriptions.
const monitorInterval = 500 * time.Millisecond

func main() {
	var specFile, envFile string
	flag.StringVar(&specFile, "spec", "", "path to the YAML spec file (defaults to $API_SPEC)")
	flag.StringVar(&envFile, "env-file", "", "path to a .env file")
	flag.Parse()

	if err := run(specFile, envFile); err != nil {
		fmt.Fprintln(os.Stderr, "pipeworks-server:", err)
		os.Exit(1)
	}
}

func run(specFile, envFile string) error {
	cfg, err := config.Load(config.WithSpecFile(specFile), config.WithEnvFile(envFile))
	if err != nil {
		return err
	}

	log := logger.New(&cfg.Logging, cfg.Name)
	logger.SetGlobalLogger(log)
	log.Info("Configuration loaded", map[string]interface{}{
		"environment": cfg.Environment,
		"config":      cfg.String(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracer(ctx, observability.TracerConfig{
			ServiceName:    cfg.Name,
			ServiceVersion: version.Version,
			Environment:    cfg.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       true,
			SampleRate:     1.0,
		})
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	st, err := store.New(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	b, err := broker.New(cfg.Broker, log)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer b.Close()

	bus, err := logbus.New(cfg.LogBus, log)
	if err != nil {
		return fmt.Errorf("connect log bus: %w", err)
	}
	defer bus.Close()

	eng := engine.New()
	if err := engine.RegisterExamples(eng); err != nil {
		return fmt.Errorf("register pipelines: %w", err)
	}

	provider, err := signedurl.NewProvider(cfg.SignedURL)
	if err != nil {
		return fmt.Errorf("signed url provider: %w", err)
	}

	policy, err := authz.New(cfg.Authz)
	if err != nil {
		return fmt.Errorf("authorization policy: %w", err)
	}

	san := sanitize.New(cfg.Sanitize.MaskList(), cfg.Sanitize.AllowedRoots)
	mon := monitor.New(b, bus, log, monitorInterval)

	ingress := make(map[string]api.EventRule, len(cfg.Ingress.Events))
	for name, rule := range cfg.Ingress.Events {
		ingress[name] = api.EventRule{Source: rule.Source, Type: rule.Type}
	}

	svc := api.New(eng, st, b, mon, provider, san, policy, log, api.Options{
		UniquePaths:   cfg.Sanitize.UniquePaths,
		IngressEvents: ingress,
	})

	checker := func(ctx context.Context) []endpoint.Check {
		return []endpoint.Check{
			check(ctx, "store", st.Ping),
			check(ctx, "broker", b.Ping),
			check(ctx, "logbus", bus.Ping),
		}
	}

	srv := server.New(cfg.Server, log)
	srv.ApplyDefaults(cfg.Name, checker)
	rest.NewHandler(svc, provider, log, cfg.Sanitize.UniquePaths).Register(srv.GinEngine())

	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutdown signal received")
	return srv.Stop(context.Background())
}

func check(ctx context.Context, name string, ping func(context.Context) error) endpoint.Check {
	if err := ping(ctx); err != nil {
		return endpoint.Check{Name: name, Status: endpoint.StatusUnhealthy, Message: err.Error()}
	}
	return endpoint.Check{Name: name, Status: endpoint.StatusHealthy}
}
