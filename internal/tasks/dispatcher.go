package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
)

// ErrClosed is returned by Dispatch after Close has been called.
var ErrClosed = errors.New("task dispatcher closed")

// ErrQueueFull is returned by Dispatch when the buffer has no room.
var ErrQueueFull = errors.New("task queue full")

type Options struct {
	Workers        int
	BufferSize     int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func OptionsFromConfig(cfg config.TasksConfig) Options {
	return Options{
		Workers:        cfg.Workers,
		BufferSize:     cfg.BufferSize,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		AttemptTimeout: cfg.AttemptTimeout,
	}
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

type Stats struct {
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// Dispatcher runs fire-and-forget side effects on a fixed worker pool. Each
// task is retried with exponential backoff and every attempt gets its own
// deadline, detached from the request that queued it.
type Dispatcher struct {
	opts   Options
	logger *zap.Logger

	ch   chan task
	done chan struct{}
	// abort cuts retry backoff short when Close runs out of time.
	abort chan struct{}
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	abortOnce sync.Once

	succeeded atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func NewDispatcher(opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}

	d := &Dispatcher{
		opts:   opts,
		logger: logger,
		ch:     make(chan task, opts.BufferSize),
		done:   make(chan struct{}),
		abort:  make(chan struct{}),
	}

	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch queues fn without blocking. The caller never sees fn's result.
func (d *Dispatcher) Dispatch(name string, fn func(ctx context.Context) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		d.logger.Warn("Task dropped after shutdown", zap.String("task", name))
		return ErrClosed
	}

	select {
	case d.ch <- task{name: name, run: fn}:
		return nil
	default:
		d.dropped.Add(1)
		d.logger.Warn("Task queue full, dropping task", zap.String("task", name))
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case t := <-d.ch:
			d.execute(t)
		case <-d.done:
			for {
				select {
				case t := <-d.ch:
					d.execute(t)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) execute(t task) {
	backoff := d.opts.InitialBackoff

	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		err := d.attempt(t)
		if err == nil {
			d.succeeded.Add(1)
			if attempt > 1 {
				d.logger.Info("Task succeeded after retry",
					zap.String("task", t.name),
					zap.Int("attempt", attempt))
			}
			return
		}

		if attempt == d.opts.MaxAttempts {
			d.failed.Add(1)
			d.logger.Error("Task failed permanently",
				zap.String("task", t.name),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return
		}

		d.logger.Warn("Task attempt failed, retrying",
			zap.String("task", t.name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-d.abort:
			timer.Stop()
			d.failed.Add(1)
			d.logger.Error("Task abandoned during shutdown",
				zap.String("task", t.name),
				zap.Int("attempts", attempt))
			return
		}

		backoff *= 2
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
	}
}

func (d *Dispatcher) attempt(t task) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.AttemptTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Task panicked", zap.String("task", t.name), zap.Any("panic", r))
			err = errors.New("task panicked")
		}
	}()

	return t.run(ctx)
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// expires first, pending retries are abandoned and ctx's error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
	})

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		d.abortOnce.Do(func() { close(d.abort) })
		<-finished
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Pending:   len(d.ch),
	}
}
