package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/CDCgov/nhsnlink-sub007/id"
)

// ErrPoolStopped is returned by Submit when the pool is not running.
var ErrPoolStopped = errors.New("worker: pool stopped")

// Task is a unit of work bound to a partition key.
type Task func(ctx context.Context)

type item struct {
	key string
	run Task
}

// Pool is a keyed worker pool. Tasks sharing a key hash to the same shard
// and run one at a time in submission order; different shards run in
// parallel. There is no global lock.
type Pool struct {
	shards   int
	depth    int
	workerID id.WorkerID
	logger   *slog.Logger

	mu      sync.RWMutex
	running bool
	queues  []chan item
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithShards sets the number of shards (goroutines).
func WithShards(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.shards = n
		}
	}
}

// WithQueueDepth sets the per-shard buffer.
func WithQueueDepth(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.depth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a keyed pool. Call Start before Submit.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		shards:   8,
		depth:    64,
		workerID: id.NewWorkerID(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Shards returns the number of shards.
func (p *Pool) Shards() int { return p.shards }

// Shard returns the shard index key maps to.
func (p *Pool) Shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.shards))
}

// Start launches the shard goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.queues = make([]chan item, p.shards)

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("shards", p.shards),
		slog.Int("queue_depth", p.depth),
	)

	for i := range p.queues {
		p.queues[i] = make(chan item, p.depth)
		p.wg.Add(1)
		go p.shardLoop(p.queues[i])
	}
	return nil
}

// Submit enqueues run on the shard owning key. It blocks while the shard is
// full, until ctx is done.
func (p *Pool) Submit(ctx context.Context, key string, run Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolStopped
	}
	select {
	case p.queues[p.Shard(key)] <- item{key: key, run: run}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting work and waits for queued tasks to drain. If ctx
// expires first, the context passed to running tasks is cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancel()
		<-done
	}
	p.cancel()
	return nil
}

func (p *Pool) shardLoop(q <-chan item) {
	defer p.wg.Done()
	for it := range q {
		p.run(it)
	}
}

func (p *Pool) run(it item) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked",
				slog.String("key", it.key),
				slog.Any("panic", r),
			)
		}
	}()
	it.run(p.ctx)
}
