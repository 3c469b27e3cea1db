package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baldanca/eda-ingestor/config"
	"github.com/baldanca/eda-ingestor/ingestor"
	"github.com/baldanca/eda-ingestor/logging"
	"github.com/baldanca/eda-ingestor/metrics"
	"github.com/baldanca/eda-ingestor/queue"
	"github.com/baldanca/eda-ingestor/source"
)

type runFlags struct {
	config   string
	logLevel string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured sources until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "path to the configuration file")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "override logging.level")
	return cmd
}

func run(ctx context.Context, f runFlags, out io.Writer) error {
	cfg, err := config.Load(f.config)
	if err != nil {
		return err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	q := queue.New(cfg.Queue.Capacity)
	m.ObserveQueue(func() float64 { return float64(q.Len()) })

	opts := []ingestor.Option{
		ingestor.WithLogger(log),
		ingestor.WithMetrics(m),
		ingestor.WithRestartPolicy(cfg.Restart.Policy()),
	}
	if cfg.FailFast {
		opts = append(opts, ingestor.WithFailFast())
	}
	ing := ingestor.New(q, opts...)

	for _, sc := range cfg.Sources {
		s, err := sc.Build(
			source.WithLogger(log.Named(sc.Name).With(zap.String("source_type", sc.Type))),
			source.WithMetrics(m),
		)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Name, err)
		}
		if err := ing.Add(sc.Name, s); err != nil {
			return err
		}
	}

	log.Info("eda-ingest starting",
		zap.String("config", cfg.Path),
		zap.Int("sources", len(cfg.Sources)),
		zap.Int("queue_capacity", cfg.Queue.Capacity))

	// runCtx outlives ctx only until the ingestor returns, so the metrics
	// server also stops when every source has ended on its own.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := &errgroup.Group{}
	g.Go(func() error {
		defer cancel()
		defer q.Close()
		return ing.Run(runCtx)
	})
	g.Go(func() error {
		n, err := consume(q, out)
		if err != nil {
			cancel()
			return err
		}
		log.Info("consumer drained", zap.Int("envelopes", n))
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(runCtx, cfg.Metrics.Addr, reg, log) })
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("serving metrics", zap.String("addr", addr))

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
