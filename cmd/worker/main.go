// The worker daemon consumes queued run tasks and executes pipelines,
// publishing status and logs as it goes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pipeworks-io/pipeworks/broker"
	"github.com/pipeworks-io/pipeworks/config"
	"github.com/pipeworks-io/pipeworks/engine"
	"github.com/pipeworks-io/pipeworks/executor"
	"github.com/pipeworks-io/pipeworks/logbus"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/observability"
	"github.com/pipeworks-io/pipeworks/store"
	"github.com/pipeworks-io/pipeworks/version"
)

func main() {
	var specFile, envFile string
	flag.StringVar(&specFile, "spec", "", "path to the YAML spec file (defaults to $API_SPEC)")
	flag.StringVar(&envFile, "env-file", "", "path to a .env file")
	flag.Parse()

	if err := run(specFile, envFile); err != nil {
		fmt.Fprintln(os.Stderr, "pipeworks-worker:", err)
		os.Exit(1)
	}
}

func run(specFile, envFile string) error {
	cfg, err := config.Load(config.WithSpecFile(specFile), config.WithEnvFile(envFile))
	if err != nil {
		return err
	}

	log := logger.New(&cfg.Logging, cfg.Name+"-worker")
	logger.SetGlobalLogger(log)
	log.Info("Configuration loaded", map[string]interface{}{
		"environment": cfg.Environment,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracer(ctx, observability.TracerConfig{
			ServiceName:    cfg.Name + "-worker",
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

	exec, err := executor.New(cfg.Executor, log, eng, st, b, bus)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}

	w := broker.NewWorker(cfg.Broker, log, b)
	defer w.Close()
	exec.Attach(w)

	log.Info("Worker started")
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("Worker stopped")
	return nil
}
