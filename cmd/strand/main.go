package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ocf/strand/pkg/clusterhealth"
	"github.com/ocf/strand/pkg/config"
	"github.com/ocf/strand/pkg/lease"
	"github.com/ocf/strand/pkg/observability"
	"github.com/ocf/strand/pkg/orchestrator"
	"github.com/ocf/strand/pkg/server"
	"github.com/ocf/strand/pkg/version"
)

const (
	exitOK           = 0
	exitUsage        = 64
	exitConfigError  = 65
	exitBackendError = 66
	exitServeError   = 67
)

func main() {
	exitCode := run(os.Args[1:])
	os.Exit(exitCode)
}

func run(args []string) int {
	return runWithWriters(args, os.Stdout, os.Stderr)
}

func runWithWriters(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}

	switch args[0] {
	case "serve":
		return commandServeWithWriters(args[1:], stdout, stderr)
	case "validate-config":
		return commandValidateWithWriters(args[1:], stdout, stderr)
	case "status":
		return commandStatusWithWriters(args[1:], stdout, stderr)
	case "release":
		return commandReleaseWithWriters(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.Version)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: strand <command> [options]
Commands:
  serve              Serve the FleetLock protocol
  validate-config    Validate the configuration file
  status             Display the lock holder, cooldown and node health
  release            Release the reboot lock on behalf of a node
  version            Print build version
`)
}

func commandServeWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	deps, err := buildRuntime(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise backend: %v\n", err)
		return exitBackendError
	}
	defer deps.Close()

	registry, err := buildRegistry(cfg, deps.kube)
	if err != nil {
		fmt.Fprintf(stderr, "failed to register strategies: %v\n", err)
		return exitConfigError
	}
	evaluator, err := buildWindows(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to parse maintenance windows: %v\n", err)
		return exitConfigError
	}

	logger := observability.NewJSONLogger(stdout)
	logger.SetMinLevel(cfg.Level())
	var (
		metrics   observability.MetricsCollector
		collector *observability.PrometheusCollector
	)
	if cfg.Metrics.Enabled {
		collector = observability.NewPrometheusCollector()
		metrics = collector
	}
	reporter := orchestrator.NewStructuredReporter("orchestrator", logger, metrics)

	opts := []orchestrator.Option{
		orchestrator.WithReporter(reporter),
		orchestrator.WithWindows(evaluator),
	}
	if deps.cooldown != nil {
		opts = append(opts, orchestrator.WithCooldown(deps.cooldown, cfg.RebootCooldownInterval()))
	}
	if deps.health != nil {
		opts = append(opts, orchestrator.WithHealthRecorder(deps.health))
	}
	orch, err := orchestrator.New(deps.lock, registry, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create orchestrator: %v\n", err)
		return exitConfigError
	}

	srv, err := server.New(orch,
		server.WithReporter(reporter.WithComponent("server")),
		server.WithRequireHeader(cfg.RequireHeader()),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create server: %v\n", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "serve_start",
		Fields: map[string]interface{}{
			"listen":     cfg.Listen,
			"backend":    cfg.Backend.Type,
			"lock":       cfg.Lock.Namespace + "/" + cfg.Lock.Name,
			"strategies": registry.Names(),
			"version":    version.Version,
		},
	})

	errCh := make(chan error, 2)
	running := 1
	go func() { errCh <- srv.ListenAndServe(ctx, cfg.Listen) }()
	if collector != nil {
		running++
		go func() { errCh <- server.Serve(ctx, cfg.Metrics.Listen, collector.Handler()) }()
	}

	var serveErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && serveErr == nil {
			serveErr = err
			stop()
		}
	}

	reporter.RecordEvent(context.Background(), observability.Event{
		Level: observability.LevelInfo,
		Event: "serve_stop",
	})
	if serveErr != nil {
		fmt.Fprintf(stderr, "server failed: %v\n", serveErr)
		return exitServeError
	}
	return exitOK
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

func commandStatusWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	timeout := fs.Duration("timeout", 10*time.Second, "time limit for backend queries")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	deps, err := buildRuntime(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise backend: %v\n", err)
		return exitBackendError
	}
	defer deps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Fprintf(stdout, "lock %s/%s (%s backend):\n", cfg.Lock.Namespace, cfg.Lock.Name, cfg.Backend.Type)
	meta, err := deps.lock.GetMetadata(ctx)
	switch {
	case errors.Is(err, lease.ErrNotFound):
		fmt.Fprintln(stdout, "  holder: none")
	case err != nil:
		fmt.Fprintf(stderr, "failed to read lock: %v\n", err)
		return exitBackendError
	default:
		fmt.Fprintf(stdout, "  holder: %s\n", meta.Holder)
		fmt.Fprintf(stdout, "  progress: %d\n", meta.ProgressFlag)
		completed := "none"
		if len(meta.Completed) > 0 {
			completed = strings.Join(meta.Completed, ", ")
		}
		fmt.Fprintf(stdout, "  completed pre-reboot strategies: %s\n", completed)
	}

	if deps.cooldown != nil {
		status, err := deps.cooldown.Status(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "failed to read cooldown: %v\n", err)
			return exitBackendError
		}
		if status.Active {
			fmt.Fprintf(stdout, "cooldown: active after %s, %s remaining (until %s)\n",
				status.Node, status.Remaining.Round(time.Second), status.ExpiresAt.UTC().Format(time.RFC3339))
		} else {
			fmt.Fprintln(stdout, "cooldown: inactive")
		}
	}

	if deps.health != nil {
		records, err := deps.health.Status(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "failed to read health records: %v\n", err)
			return exitBackendError
		}
		unhealthy := clusterhealth.Unhealthy(records)
		fmt.Fprintf(stdout, "node health: %d recorded, %d unhealthy\n", len(records), len(unhealthy))
		for _, rec := range unhealthy {
			fmt.Fprintf(stdout, "  - %s: %s %s at %s: %s\n", rec.Node, rec.Strategy, rec.Stage,
				rec.ReportedAt.UTC().Format(time.RFC3339), rec.Reason)
		}
	}
	return exitOK
}

func commandReleaseWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("release", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	holder := fs.String("holder", "", "release only if this node holds the lock")
	force := fs.Bool("force", false, "release regardless of the current holder")
	timeout := fs.Duration("timeout", 10*time.Second, "time limit for backend queries")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if (*holder == "") == !*force {
		fmt.Fprintln(stderr, "release requires exactly one of --holder or --force")
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	deps, err := buildRuntime(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise backend: %v\n", err)
		return exitBackendError
	}
	defer deps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *force {
		err = deps.lock.ForceRelease(ctx)
	} else {
		err = deps.lock.Release(ctx, *holder)
	}
	if err != nil {
		fmt.Fprintf(stderr, "failed to release lock: %v\n", err)
		return exitBackendError
	}

	fmt.Fprintf(stdout, "lock %s/%s released\n", cfg.Lock.Namespace, cfg.Lock.Name)
	return exitOK
}
