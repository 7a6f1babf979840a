package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dan-solli/ctxrelay/pkg/api"
	"github.com/dan-solli/ctxrelay/pkg/config"
	"github.com/dan-solli/ctxrelay/pkg/ctxrelay"
	"github.com/dan-solli/ctxrelay/pkg/embeddings"
	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/metrics"
	"github.com/dan-solli/ctxrelay/pkg/trace"
)

type serveOptions struct {
	*rootOptions
	Addr string
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and event stream",
		Long: `Start the context engine behind the HTTP API.

Examples:
  ctxrelay serve
  ctxrelay serve --config ctxrelay.yaml --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.http_addr)")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions, cmd *cobra.Command) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.HTTPAddr = opts.Addr
	}
	logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())

	st, err := cfg.OpenStore()
	if err != nil {
		return &commandError{msg: "failed to open store", err: err}
	}
	defer st.Close()

	emb, err := embeddings.New(cfg.EmbeddingsOptions())
	if err != nil {
		return &commandError{msg: "failed to configure embeddings", err: err}
	}

	var (
		collector metrics.Collector = metrics.NewNoopCollector()
		registry  prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		mc := metrics.NewCollector()
		collector = mc
		registry = mc.Registry()
	}

	tracer, err := newTracer(cfg.Tracing)
	if err != nil {
		return &commandError{msg: "failed to open trace file", err: err}
	}
	defer tracer.Close()

	evOpts := cfg.EventsOptions()
	evOpts.Logger = logger
	evOpts.Metrics = collector
	bus := events.NewBroadcaster(evOpts)
	defer bus.Close()

	engine, err := ctxrelay.New(st, emb, bus, cfg.EngineOptions())
	if err != nil {
		return err
	}
	engine.WithLogger(logger).WithMetrics(collector).WithTracer(tracer)

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(engine, api.Options{
		Logger:            logger,
		Registry:          registry,
		MetricsPath:       cfg.Metrics.Path,
		KeepaliveInterval: cfg.Server.KeepaliveInterval,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(cmd, cfg)
	logger.Info("starting ctxrelay",
		"addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Backend,
		"embeddings", cfg.Embeddings.Provider,
		"version", version)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	// closing the broadcaster ends open event streams so Shutdown can drain
	bus.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

func newTracer(cfg config.TracingConfig) (trace.Exporter, error) {
	var opts []trace.FileExporterOption
	if cfg.MaxSizeBytes > 0 {
		opts = append(opts, trace.WithMaxSize(cfg.MaxSizeBytes))
	}
	if cfg.MaxRotatedFiles > 0 {
		opts = append(opts, trace.WithMaxRotatedFiles(cfg.MaxRotatedFiles))
	}
	return trace.NewFileExporter(cfg.Path, opts...)
}

func printBanner(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	cyan.Fprintf(out, "ctxrelay %s\n", version)
	green.Fprint(out, "  ▶ ")
	fmt.Fprintf(out, "HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Fprint(out, "  ▶ ")
	fmt.Fprintf(out, "Store:      %s\n", describeStore(cfg.Store))
	green.Fprint(out, "  ▶ ")
	fmt.Fprintf(out, "Embeddings: %s\n", cfg.Embeddings.Provider)
	if cfg.Metrics.Enabled {
		green.Fprint(out, "  ▶ ")
		fmt.Fprintf(out, "Metrics:    %s\n", cfg.Metrics.Path)
	}
	fmt.Fprintln(out)
}

func describeStore(s config.StoreConfig) string {
	switch s.Backend {
	case config.BackendSQLite:
		return fmt.Sprintf("sqlite (%s) %s", s.Driver, s.Path)
	case config.BackendBadger:
		return "badger " + s.Path
	default:
		return s.Backend
	}
}
