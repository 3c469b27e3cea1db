// Package ingestor supervises event sources feeding one shared queue.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baldanca/eda-ingestor/metrics"
	"github.com/baldanca/eda-ingestor/source"
)

var (
	ErrNoSources      = errors.New("no sources registered")
	ErrAlreadyRunning = errors.New("ingestor already running")
)

// Option configures an Ingestor.
type Option func(*Ingestor)

func WithLogger(l *zap.Logger) Option {
	return func(i *Ingestor) {
		if l != nil {
			i.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// WithRestartPolicy sets how a failed source is restarted. Nil restores the
// default, which never restarts.
func WithRestartPolicy(p RetryPolicy) Option {
	return func(i *Ingestor) {
		if p == nil {
			p = nopRetry{}
		}
		i.restart = p
	}
}

// WithFailFast stops every source as soon as one of them fails for good.
func WithFailFast() Option {
	return func(i *Ingestor) { i.failFast = true }
}

type namedSource struct {
	name string
	src  source.Sourcer
}

// Ingestor runs a set of sources concurrently, all pushing into the same queue.
//
// By default sources are independent: one source ending with an error does not
// stop the others. With WithFailFast the first terminal error cancels them all.
type Ingestor struct {
	q        source.Queue
	log      *zap.Logger
	metrics  *metrics.Metrics
	restart  RetryPolicy
	failFast bool

	mu      sync.Mutex
	sources []namedSource
	names   map[string]struct{}
	running bool
}

func New(q source.Queue, opts ...Option) *Ingestor {
	i := &Ingestor{
		q:       q,
		log:     zap.NewNop(),
		restart: nopRetry{},
		names:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Add registers s under name. Names must be unique. Sources cannot be added
// once Run has started.
func (i *Ingestor) Add(name string, s source.Sourcer) error {
	if s == nil {
		return fmt.Errorf("source %q is nil", name)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running {
		return ErrAlreadyRunning
	}
	if _, dup := i.names[name]; dup {
		return fmt.Errorf("duplicate source name %q", name)
	}
	i.names[name] = struct{}{}
	i.sources = append(i.sources, namedSource{name: name, src: s})
	return nil
}

// Run starts every source and blocks until all of them have returned.
//
// Cancelling ctx stops the sources; cancellation is not reported as an error.
// The result joins the terminal error of every source that failed.
func (i *Ingestor) Run(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(i.sources) == 0 {
		i.mu.Unlock()
		return ErrNoSources
	}
	i.running = true
	sources := append([]namedSource(nil), i.sources...)
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
	}()

	var (
		g    *errgroup.Group
		gctx = ctx
	)
	if i.failFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}

	var (
		errMu sync.Mutex
		errs  []error
	)

	i.log.Info("starting sources", zap.Int("count", len(sources)), zap.Bool("fail_fast", i.failFast))

	for _, ns := range sources {
		g.Go(func() error {
			err := i.runSource(gctx, ns)
			if err == nil {
				return nil
			}
			errMu.Lock()
			errs = append(errs, fmt.Errorf("source %s: %w", ns.name, err))
			errMu.Unlock()
			return err
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// runSource runs one source through the restart policy. It returns nil when
// the source ended cleanly or was stopped by ctx.
func (i *Ingestor) runSource(ctx context.Context, ns namedSource) error {
	log := i.log.With(zap.String("source", ns.name))

	i.metrics.SourceStarted()
	defer i.metrics.SourceStopped()

	runs := 0
	err := i.restart.Do(ctx, func(ctx context.Context) error {
		runs++
		if runs > 1 {
			log.Info("restarting source", zap.Int("run", runs))
		} else {
			log.Info("source started")
		}

		err := ns.src.Run(ctx, i.q)
		if err == nil || stopped(ctx, err) {
			return err
		}

		kind := source.ErrorKind(err)
		i.metrics.SourceError(ns.name, kind)
		log.Warn("source failed", zap.String("kind", kind), zap.Bool("permanent", source.IsPermanent(err)), zap.Error(err))
		return err
	})

	switch {
	case err == nil:
		log.Info("source finished")
		return nil
	case stopped(ctx, err):
		log.Info("source stopped")
		return nil
	default:
		log.Error("source gave up", zap.Int("runs", runs), zap.Error(err))
		return err
	}
}

// stopped reports whether err is the result of ctx being cancelled.
func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
