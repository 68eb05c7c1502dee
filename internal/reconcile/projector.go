package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"custodyline/internal/logging"
	"custodyline/internal/metrics"
)

// Projection is one cache write that follows a committed ledger transaction.
// Apply must be idempotent: it may run more than once and in any order relative
// to other projections of the same batch.
type Projection struct {
	Name  string
	Batch string
	Apply func(ctx context.Context) error
}

// ProjectionError reports a projection abandoned after its last attempt.
type ProjectionError struct {
	Projection Projection
	Attempts   int
	Err        error
}

type ProjectorConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
}

// Projector runs projections on a bounded worker pool with retries. It never
// blocks the caller: when the queue is full the projection is dropped, logged
// and counted, and left for the reconciliation sweep.
type Projector struct {
	cfg  ProjectorConfig
	log  *zap.Logger
	jobs chan Projection
	errs chan ProjectionError

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup
}

func NewProjector(cfg ProjectorConfig, log *zap.Logger) *Projector {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Projector{
		cfg:  cfg,
		log:  log,
		jobs: make(chan Projection, cfg.QueueSize),
		errs: make(chan ProjectionError, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	return p
}

// Submit enqueues pr and reports whether it was accepted.
func (p *Projector) Submit(pr Projection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.drop(pr, "projector closed")
		return false
	}
	p.pending.Add(1)
	select {
	case p.jobs <- pr:
		metrics.ProjectorQueueDepth.Inc()
		return true
	default:
		p.pending.Done()
		p.drop(pr, "queue full")
		return false
	}
}

func (p *Projector) drop(pr Projection, reason string) {
	metrics.ProjectionsDropped.Inc()
	p.log.Warn("projection dropped",
		logging.WithProjection(pr.Name),
		zap.String(logging.FieldBatch, pr.Batch),
		zap.String("reason", reason))
}

// Errors delivers abandoned projections. Reports are discarded when nobody reads
// them and the buffer is full.
func (p *Projector) Errors() <-chan ProjectionError {
	return p.errs
}

// Wait blocks until every accepted projection has finished.
func (p *Projector) Wait() {
	p.pending.Wait()
}

// Close stops accepting projections, drains the queue and stops the workers.
func (p *Projector) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.workers.Wait()
}

func (p *Projector) work() {
	defer p.workers.Done()
	for pr := range p.jobs {
		metrics.ProjectorQueueDepth.Dec()
		p.run(pr)
		p.pending.Done()
	}
}

func (p *Projector) run(pr Projection) {
	ctx := context.Background()
	attempts := 0
	op := func() error {
		attempts++
		err := pr.Apply(ctx)
		if err != nil {
			p.log.Debug("projection attempt failed",
				logging.WithProjection(pr.Name),
				zap.String(logging.FieldBatch, pr.Batch),
				logging.WithAttempt(attempts),
				zap.Error(err))
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.Backoff
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1)))
	if err == nil {
		return
	}
	metrics.ProjectionFailures.WithLabelValues(pr.Name).Inc()
	metrics.ProjectionsDropped.Inc()
	p.log.Error("projection abandoned",
		logging.WithProjection(pr.Name),
		zap.String(logging.FieldBatch, pr.Batch),
		logging.WithAttempt(attempts),
		zap.Error(err))
	select {
	case p.errs <- ProjectionError{Projection: pr, Attempts: attempts, Err: err}:
	default:
	}
}
