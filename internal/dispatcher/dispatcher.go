// Package dispatcher runs evaluation jobs on a fixed-size worker pool and
// bounds how long a caller waits for each one.
//
// Cancellation is best-effort. When a caller stops waiting, the job's context
// is cancelled and a job that has not started yet is skipped, but a job that
// is already running keeps its worker until it returns. Whatever external
// call it made may still complete and be billed.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/maplearner/internal/evaluator"
	"github.com/example/maplearner/internal/logging"
	"github.com/example/maplearner/internal/observability"
)

var (
	// ErrEvaluationTimeout is returned when no result arrives before the deadline.
	ErrEvaluationTimeout = errors.New("evaluation timed out")
	// ErrClosed is returned for work submitted after Shutdown.
	ErrClosed = errors.New("dispatcher is shut down")

	errNoResult = errors.New("evaluation returned no result")
)

// Job is one evaluation. It runs on a pool worker with a context that is
// cancelled once the submitting caller gives up.
type Job func(ctx context.Context) (*evaluator.Result, error)

// Config sizes the pool and the wait deadline.
type Config struct {
	Workers   int
	QueueSize int
	// Timeout covers queueing and execution.
	Timeout time.Duration
}

type outcome struct {
	result *evaluator.Result
	err    error
}

type task struct {
	ctx       context.Context
	requestID string
	job       Job
	done      chan outcome
}

// Dispatcher owns the worker goroutines. Create it with New and stop it with
// Shutdown.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	tasks   chan *task
	closing chan struct{}
	stopped chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New starts cfg.Workers workers (default 4).
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 35 * time.Second
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg,
		logger:     logger.Named("dispatcher"),
		tracer:     otel.Tracer("github.com/example/maplearner/internal/dispatcher"),
		tasks:      make(chan *task, cfg.QueueSize),
		closing:    make(chan struct{}),
		stopped:    make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	observability.RegisterMetrics()
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker(i)
	}
	d.logger.Info("worker pool started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("timeout", cfg.Timeout),
	)
	return d
}

// Workers returns the pool size.
func (d *Dispatcher) Workers() int { return d.cfg.Workers }

// Timeout returns the per-request wait deadline.
func (d *Dispatcher) Timeout() time.Duration { return d.cfg.Timeout }

// Dispatch submits job and blocks until it returns, the deadline passes
// (ErrEvaluationTimeout), ctx is done, or the dispatcher shuts down (ErrClosed).
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, job Job) (*evaluator.Result, error) {
	select {
	case <-d.closing:
		observability.Evaluations().WithLabelValues("closed").Inc()
		return nil, ErrClosed
	default:
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.Int("pool.workers", d.cfg.Workers),
	))
	defer span.End()

	opLogger := logging.WithOperation(d.logger, "dispatcher.dispatch", requestID)
	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	// The job keeps the caller's values but not its cancellation; it is
	// cancelled explicitly below or when the pool is torn down.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(d.baseCtx, cancel)
	defer stopAfter()

	t := &task{ctx: jobCtx, requestID: requestID, job: job, done: make(chan outcome, 1)}

	observability.QueuedJobs().Inc()
	select {
	case d.tasks <- t:
	case <-timer.C:
		observability.QueuedJobs().Dec()
		cancel()
		return nil, d.fail(span, opLogger, "timeout", ErrEvaluationTimeout)
	case <-ctx.Done():
		observability.QueuedJobs().Dec()
		cancel()
		return nil, d.fail(span, opLogger, "cancelled", ctx.Err())
	case <-d.closing:
		observability.QueuedJobs().Dec()
		cancel()
		return nil, d.fail(span, opLogger, "closed", ErrClosed)
	}

	select {
	case out := <-t.done:
		cancel()
		if out.err == nil && out.result == nil {
			out.err = errNoResult
		}
		if out.err != nil {
			return nil, d.fail(span, opLogger, "failed", out.err)
		}
		observability.Evaluations().WithLabelValues("ok").Inc()
		span.SetStatus(codes.Ok, "evaluated")
		return out.result, nil
	case <-timer.C:
		cancel()
		opLogger.Warn("evaluation deadline passed, abandoning job", zap.Duration("timeout", d.cfg.Timeout))
		return nil, d.fail(span, opLogger, "timeout", ErrEvaluationTimeout)
	case <-ctx.Done():
		cancel()
		return nil, d.fail(span, opLogger, "cancelled", ctx.Err())
	case <-d.stopped:
		cancel()
		select {
		case out := <-t.done:
			if out.err == nil {
				observability.Evaluations().WithLabelValues("ok").Inc()
				return out.result, nil
			}
			return nil, d.fail(span, opLogger, "failed", out.err)
		default:
		}
		return nil, d.fail(span, opLogger, "closed", ErrClosed)
	}
}

func (d *Dispatcher) fail(span trace.Span, logger *zap.Logger, label string, err error) error {
	observability.Evaluations().WithLabelValues(label).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, label)
	logger.Debug("dispatch finished without result", zap.String("outcome", label), zap.Error(err))
	return err
}

// Shutdown stops accepting work and waits for running jobs. Queued jobs are
// answered with ErrClosed. If ctx expires first, running jobs are cancelled
// and Shutdown returns without waiting for them.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.closing)
		go func() {
			d.wg.Wait()
			d.baseCancel()
			close(d.stopped)
		}()
	})

	select {
	case <-d.stopped:
		d.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		d.baseCancel()
		d.logger.Warn("worker pool shutdown deadline exceeded, running jobs cancelled", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.closing:
			d.drain()
			return
		case t := <-d.tasks:
			observability.QueuedJobs().Dec()
			d.run(id, t)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case t := <-d.tasks:
			observability.QueuedJobs().Dec()
			t.done <- outcome{err: ErrClosed}
		default:
			return
		}
	}
}

func (d *Dispatcher) run(id int, t *task) {
	opLogger := logging.WithOperation(d.logger, "dispatcher.run", t.requestID).With(zap.Int("worker", id))
	if err := t.ctx.Err(); err != nil {
		opLogger.Debug("skipping job abandoned while queued")
		t.done <- outcome{err: err}
		return
	}

	observability.BusyWorkers().Inc()
	defer observability.BusyWorkers().Dec()

	start := time.Now()
	result, err := safeCall(t.ctx, t.job)
	elapsed := time.Since(start)
	observability.EvaluationDuration().Observe(elapsed.Seconds())

	if t.ctx.Err() != nil {
		opLogger.Debug("abandoned job finished", zap.Duration("elapsed", elapsed), zap.Error(err))
	}
	t.done <- outcome{result: result, err: err}
}

func safeCall(ctx context.Context, job Job) (result *evaluator.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation panicked: %v", r)
		}
	}()
	return job(ctx)
}
