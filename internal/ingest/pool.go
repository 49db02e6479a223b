package ingest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/pkg/logger"
)

// Pool is a bounded worker pool for ingestion jobs. At most one job per
// document can be queued or running at a time; a crashed job never takes
// its worker down with it.
type Pool struct {
	jobs    chan uuid.UUID
	process func(ctx context.Context, docID uuid.UUID)
	log     *logger.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(workers, queueSize int, process func(ctx context.Context, docID uuid.UUID), log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		jobs:     make(chan uuid.UUID, queueSize),
		process:  process,
		log:      log.WithComponent("ingest-pool"),
		inflight: make(map[uuid.UUID]struct{}),
	}

}

// Start launches the workers. They run until Stop is called.
func (p *Pool) Start(ctx context.Context, workers int) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info("ingestion workers started", "workers", workers)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case docID, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, docID, id)
		}
	}
}

// run executes one job, releasing the in-flight slot and containing panics.
func (p *Pool) run(ctx context.Context, docID uuid.UUID, worker int) {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, docID)
		p.mu.Unlock()

		if r := recover(); r != nil {
			p.log.Error("ingestion job panicked", "document_id", docID, "worker", worker, "panic", r)
		}
	}()

	p.process(ctx, docID)
}

// Enqueue submits a document for processing. Returns ErrAlreadyQueued if a
// job for this document is queued or running, ErrQueueFull if the queue has
// no room.
func (p *Pool) Enqueue(docID uuid.UUID) error {
	p.mu.Lock()
	if _, busy := p.inflight[docID]; busy {
		p.mu.Unlock()
		return ErrAlreadyQueued
	}
	p.inflight[docID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.jobs <- docID:
		return nil
	default:
		p.mu.Lock()
		delete(p.inflight, docID)
		p.mu.Unlock()
		return ErrQueueFull
	}
}

// Stop cancels running jobs and waits for the workers to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("ingestion workers stopped")
}
