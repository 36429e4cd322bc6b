package engine

import (
	"context"
	"sync"

	"github.com/alitto/pond"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/depotfusion/internal/depot"
	"github.com/rcowham/depotfusion/internal/gitobj"
	"github.com/rcowham/depotfusion/internal/metrics"
)

// clientPool hands out the per-worker depot connections: each worker
// holds its own long-lived connection, and workers must not share these
// handles. Checkout/checkin is a bounded channel
// rather than goroutine-local storage, since pond's worker goroutines
// are not individually addressable — correctness only needs "never two
// jobs use the same Client concurrently", which the channel guarantees
// regardless of which goroutine happens to run which job.
type clientPool struct {
	all []depot.Client
	ch  chan depot.Client
}

func newClientPool(clients []depot.Client) *clientPool {
	ch := make(chan depot.Client, len(clients))
	for _, c := range clients {
		ch <- c
	}
	return &clientPool{all: clients, ch: ch}
}

func (p *clientPool) borrow() depot.Client  { return <-p.ch }
func (p *clientPool) release(c depot.Client) { p.ch <- c }

// closeAll releases every underlying connection. Call only after the
// pool's jobs have all drained.
func (p *clientPool) closeAll() {
	for _, c := range p.all {
		c.Close()
	}
}

// Scheduler is the worker pool plus the bounded look-ahead window. Built
// on github.com/alitto/pond as the literal job queue, with an
// exception-watchdog channel mirroring ThreadPool::RaiseCaughtExceptions'
// one-shot rethrow-and-shutdown model.
type Scheduler struct {
	pool           *pond.WorkerPool
	clients        *clientPool
	odb            gitobj.ObjectDatabase
	printBatchSize int
	logger         *logrus.Logger
	metrics        *metrics.Registry

	cancel context.CancelFunc

	mu     sync.Mutex
	failed error
	errCh  chan error
}

// NewScheduler builds a Scheduler with one worker per client (workers is
// both the pool size and the number of depot connections opened). reg
// may be nil, in which case the scheduler simply does not publish the
// queue-depth/active-worker gauges.
func NewScheduler(cancel context.CancelFunc, clients []depot.Client, odb gitobj.ObjectDatabase, printBatchSize int, logger *logrus.Logger, reg *metrics.Registry) *Scheduler {
	workers := len(clients)
	return &Scheduler{
		pool:           pond.New(workers, 0, pond.MinWorkers(workers)),
		clients:        newClientPool(clients),
		odb:            odb,
		printBatchSize: printBatchSize,
		logger:         logger,
		metrics:        reg,
		cancel:         cancel,
		errCh:          make(chan error, 1),
	}
}

// Enqueue submits task's Prepare-then-Download job to the pool. A job
// that runs after shutdown has been requested is a no-op (it still
// signals its latches so the committer does not hang).
func (s *Scheduler) Enqueue(ctx context.Context, task *ChangelistTask) {
	if s.metrics != nil {
		s.metrics.QueueDepth.Inc()
	}
	s.pool.Submit(func() {
		if s.metrics != nil {
			s.metrics.QueueDepth.Dec()
			s.metrics.ActiveWorkers.Inc()
			defer s.metrics.ActiveWorkers.Dec()
		}
		if ctx.Err() != nil {
			task.prepared.Signal(ctx.Err())
			task.ready.Signal(ctx.Err())
			return
		}
		client := s.clients.borrow()
		defer s.clients.release(client)

		if err := task.Prepare(ctx, client); err != nil {
			task.ready.Signal(err)
			s.fail(err)
			return
		}
		if err := task.Download(ctx, client, s.odb); err != nil {
			s.fail(err)
		}
	})
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	first := s.failed == nil
	if first {
		s.failed = err
	}
	s.mu.Unlock()
	if first {
		s.errCh <- err
		s.cancel()
	}
}

// Watch returns the channel the run's watchdog should select on; it
// receives at most once, the first fatal worker error.
func (s *Scheduler) Watch() <-chan error {
	return s.errCh
}

// StopAndWait drains and joins the pool, then closes every worker's
// depot connection.
func (s *Scheduler) StopAndWait() {
	s.pool.StopAndWait()
	s.clients.closeAll()
}
