// Package cli runs a diagnostic scenario as a command line program.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unixpickle/essentials"
	"go.uber.org/zap"

	"github.com/rocketbitz/gni-go/diag"
)

// Program describes one example binary.
type Program struct {
	Name     string
	Features diag.Feature
	Scenario diag.Scenario
	// Defaults adjusts the built-in options before the environment and
	// flags are applied.
	Defaults func(*diag.Options)
}

// Main parses args, runs the scenario and returns the process exit code.
func Main(p Program, args []string, lookup func(string) (string, bool), stdout, stderr io.Writer) int {
	opts := diag.DefaultOptions()
	if p.Defaults != nil {
		p.Defaults(&opts)
	}
	if err := diag.ApplyEnv(&opts, lookup); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", p.Name, err)
		return 2
	}
	fs := flag.NewFlagSet(p.Name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	diag.RegisterFlags(fs, &opts, p.Features)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", p.Name, err)
		return 2
	}

	logger := zap.NewNop()
	if opts.Verbosity > 0 {
		dev, err := zap.NewDevelopment()
		essentials.Must(err)
		logger = dev
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()
	cfg := diag.Config{Logger: sugar, StructuredLogger: sugar}

	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics, err := diag.NewPrometheusMetrics(diag.PrometheusMetricsOptions{Registerer: reg})
		if err != nil {
			fmt.Fprintf(stderr, "%s: metrics: %v\n", p.Name, err)
			return 2
		}
		cfg.Metrics = metrics
		stop := serveMetrics(opts.MetricsAddr, reg, sugar)
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	summary, err := diag.Run(ctx, opts, cfg, p.Scenario)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", p.Name, err)
		return 2
	}
	summary.Print(stdout, p.Name)
	return summary.ExitCode()
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.SugaredLogger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnw("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
