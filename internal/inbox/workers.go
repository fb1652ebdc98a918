package inbox

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"eventrelay/internal/domain"
)

// ErrPoolClosed is returned by Submit once Close has begun; the caller
// should stop consuming and leave the message uncommitted for redelivery.
var ErrPoolClosed = errors.New("worker pool is closed")

type job struct {
	msg  domain.ConsumedMessage
	done func(error)
}

// Pool runs dispatches with bounded concurrency. Messages are routed to a
// worker by hashing their ordering key, so messages sharing a key are
// serialized relative to each other while cross-key messages run in
// parallel. Submit blocks when the target worker's queue is full, which
// backpressures the consumer.
type Pool struct {
	queues  []chan job
	process func(ctx context.Context, msg domain.ConsumedMessage) error
	logger  *zap.Logger

	mu        sync.Mutex
	closed    bool
	closing   chan struct{}
	producers sync.WaitGroup

	wg   sync.WaitGroup
	once sync.Once
}

func NewPool(workers, queueSize int, process func(ctx context.Context, msg domain.ConsumedMessage) error, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	queues := make([]chan job, workers)
	for i := range queues {
		queues[i] = make(chan job, queueSize)
	}
	return &Pool{
		queues:  queues,
		process: process,
		logger:  logger,
		closing: make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i, q := range p.queues {
		p.wg.Add(1)
		go func(id int, queue chan job) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j, ok := <-queue:
					if !ok {
						return
					}
					j.done(p.process(ctx, j.msg))
				}
			}
		}(i, q)
	}
	p.logger.Info("consumer worker pool started", zap.Int("workers", len(p.queues)))
}

// Submit enqueues msg for its ordering key's worker. done is called exactly
// once with the dispatch outcome, from the worker goroutine. After Close has
// begun, Submit returns ErrPoolClosed and done is never called.
func (p *Pool) Submit(ctx context.Context, msg domain.ConsumedMessage, done func(error)) error {
	// Registering as a producer under the lock guarantees Close cannot
	// close the queues while this send is pending.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.producers.Add(1)
	p.mu.Unlock()
	defer p.producers.Done()

	key := msg.OrderingKey
	if key == "" {
		key = msg.ID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	queue := p.queues[int(h.Sum32())%len(p.queues)]

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolClosed
	case queue <- job{msg: msg, done: done}:
		return nil
	}
}

// Close stops accepting work, waits out pending Submits, then drains the
// queues and waits for in-flight jobs to finish.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.closing)
		p.mu.Unlock()

		p.producers.Wait()
		for _, q := range p.queues {
			close(q)
		}
	})
	p.wg.Wait()
}
