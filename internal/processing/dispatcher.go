package processing

import (
	"context"
	"errors"
	"sync"
	"time"

	"crop-diagnosis-back/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrBusy means the job could not be handed off; the caller should retry.
var ErrBusy = errors.New("diagnosis queue is busy")

const (
	ModeInline   = "inline"
	ModeQueued   = "queued"
	ModeRabbitMQ = "rabbitmq"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, id string) error
}

// guard tracks ids with a diagnosis queued or running in this process.
type guard struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newGuard() *guard {
	return &guard{ids: make(map[string]struct{})}
}

func (g *guard) acquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.ids[id]; ok {
		return false
	}
	g.ids[id] = struct{}{}
	return true
}

func (g *guard) release(id string) {
	g.mu.Lock()
	delete(g.ids, id)
	g.mu.Unlock()
}

func (g *guard) inFlight(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.ids[id]
	return ok
}

// Inline runs the worker on the caller's goroutine. The run is detached from
// request cancellation so a dropped client cannot strand a record.
type Inline struct {
	worker *Worker
	guard  *guard
}

func NewInline(worker *Worker) *Inline {
	return &Inline{worker: worker, guard: newGuard()}
}

func (d *Inline) Dispatch(ctx context.Context, id string) error {
	if !d.guard.acquire(id) {
		metrics.Dispatches.WithLabelValues(ModeInline, "duplicate").Inc()
		return nil
	}
	defer d.guard.release(id)

	metrics.Dispatches.WithLabelValues(ModeInline, "accepted").Inc()
	d.worker.Run(context.WithoutCancel(ctx), id)
	return nil
}

// Pool is a bounded queue drained by a fixed number of goroutines.
type Pool struct {
	worker         *Worker
	guard          *guard
	jobs           chan string
	workers        int
	enqueueTimeout time.Duration
	log            *zap.Logger
}

func NewPool(worker *Worker, size, workers int, enqueueTimeout time.Duration, log *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		worker:         worker,
		guard:          newGuard(),
		jobs:           make(chan string, size),
		workers:        workers,
		enqueueTimeout: enqueueTimeout,
		log:            log,
	}
}

// Dispatch enqueues id, waiting up to the enqueue timeout when the queue is
// full. It returns ErrBusy rather than dropping the job.
func (p *Pool) Dispatch(ctx context.Context, id string) error {
	if !p.guard.acquire(id) {
		metrics.Dispatches.WithLabelValues(ModeQueued, "duplicate").Inc()
		return nil
	}

	select {
	case p.jobs <- id:
		p.accepted()
		return nil
	default:
	}

	if p.enqueueTimeout <= 0 {
		p.guard.release(id)
		metrics.Dispatches.WithLabelValues(ModeQueued, "busy").Inc()
		return ErrBusy
	}

	timer := time.NewTimer(p.enqueueTimeout)
	defer timer.Stop()

	select {
	case p.jobs <- id:
		p.accepted()
		return nil
	case <-timer.C:
		p.guard.release(id)
		metrics.Dispatches.WithLabelValues(ModeQueued, "busy").Inc()
		return ErrBusy
	case <-ctx.Done():
		p.guard.release(id)
		return ctx.Err()
	}
}

func (p *Pool) accepted() {
	metrics.QueueDepth.Inc()
	metrics.Dispatches.WithLabelValues(ModeQueued, "accepted").Inc()
}

// Run consumes jobs until ctx is cancelled. A job already taken from the
// queue runs to completion; jobs still queued stay UPLOADED for recovery.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-p.jobs:
					metrics.QueueDepth.Dec()
					p.worker.Run(context.WithoutCancel(gctx), id)
					p.guard.release(id)
				}
			}
		})
	}
	p.log.Info("diagnosis pool started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.jobs)))
	return g.Wait()
}
