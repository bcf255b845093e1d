package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one fire-and-forget side effect.
type Task struct {
	Name    string
	OrderID string
	Run     func(ctx context.Context) error
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Dispatcher runs side effects off the request path. Enqueue never blocks and a
// failing task never affects the caller or other tasks.
type Dispatcher struct {
	queue   chan Task
	workers int
	timeout time.Duration
	log     *zap.Logger

	wg sync.WaitGroup
}

func New(cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:   make(chan Task, cfg.QueueSize),
		workers: cfg.Workers,
		timeout: cfg.Timeout,
		log:     log.Named("dispatch"),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker(ctx)
		}()
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case t := <-d.queue:
			d.run(t)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case t := <-d.queue:
			d.run(t)
		default:
			return
		}
	}
}

// Enqueue reports false when the queue is full and the task was dropped.
func (d *Dispatcher) Enqueue(t Task) bool {
	select {
	case d.queue <- t:
		return true
	default:
		d.log.Error("dispatch queue full, dropping task",
			zap.String("task", t.Name),
			zap.String("order_id", t.OrderID),
		)
		return false
	}
}

func (d *Dispatcher) run(t Task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	err := safeRun(ctx, t)
	if err != nil {
		d.log.Error("side effect failed",
			zap.String("task", t.Name),
			zap.String("order_id", t.OrderID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	d.log.Debug("side effect done",
		zap.String("task", t.Name),
		zap.String("order_id", t.OrderID),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

func (d *Dispatcher) Shutdown(cancelFunc context.CancelFunc) {
	cancelFunc()
	d.wg.Wait()
}
