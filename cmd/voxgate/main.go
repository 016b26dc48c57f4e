// Command voxgate is the main entry point for the voxgate device gateway.
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
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/auth"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
)

// version is overridden at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	issueToken := flag.String("issue-token", "", "print a signed device token for the given device id and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var level slog.LevelVar
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config, d config.ConfigDiff) {
		onConfigChange(&level, d)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	if *issueToken != "" {
		token, err := auth.New(cfg.Auth).Issue(*issueToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
			return 1
		}
		fmt.Println(token)
		return 0
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Backend ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	backend, err := buildBackend(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build backend", "err", err)
		return 1
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	gw := gateway.NewServer(gateway.ServerConfig{
		Config:      watcher.Current,
		Provider:    backend,
		BackendName: backend.Name(),
		Metrics:     metrics,
	})

	hc := health.New(health.Checker{Name: "backend", Check: backend.Check})
	hc.ReportConnections(gw.ActiveConnections)

	mux := http.NewServeMux()
	gw.Register(mux)
	hc.Register(mux)
	mux.Handle("GET "+cfg.Observe.MetricsPath, tel.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, gw.Endpoint())

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()

		// ── Graceful shutdown ─────────────────────────────────────────────
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx, hc, gw, srv, tel)
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// shutdown drains the server: readiness flips first so load balancers stop
// routing, then open sessions are closed before the listener and exporters.
func shutdown(ctx context.Context, hc *health.Handler, gw *gateway.Server, srv *http.Server, tel *observe.Telemetry) error {
	hc.SetDraining(true)

	var errs []error
	if err := gw.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// onConfigChange applies the settings that can change without a restart and
// reports the rest.
func onConfigChange(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.GatewayChanged {
		slog.Info("gateway settings reloaded, new connections use them")
	}
	if d.AuthChanged {
		slog.Info("auth settings reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// buildBackend instantiates the configured backend behind a circuit breaker.
func buildBackend(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*resilience.Backend, error) {
	p, err := reg.CreateBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	name := cfg.Backend.Name
	return resilience.NewBackend(name, p, resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeoutDuration(),
		OnStateChange: func(_ string, _, to resilience.State) {
			if to == resilience.StateOpen {
				metrics.RecordBackendError(context.Background(), name, "breaker_open")
			}
		},
	}), nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, endpoint string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxgate startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Backend.Name, cfg.Backend.Model)
	printRow("Endpoint", endpoint, "")
	printRow("Protocol", fmt.Sprintf("v%d", cfg.Gateway.DefaultProtocolVersion), "")
	printRow("Client audio", fmt.Sprintf("%s %d Hz", cfg.Gateway.AudioFormat, cfg.Gateway.SampleRate), "")
	if cfg.Auth.Enabled {
		printRow("Auth", fmt.Sprintf("%d static tokens", len(cfg.Auth.Tokens)), "")
	} else {
		printRow("Auth", "(disabled)", "")
	}
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
