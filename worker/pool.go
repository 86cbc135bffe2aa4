/*
Package worker runs stored events through the engine on a fixed number of
goroutines fed by a bounded queue of event ids.

BACKPRESSURE:
  Submit never blocks. When the queue is full it returns ErrQueueFull and the
  caller (the HTTP handler) answers 503 so the billing side redelivers later.
  The event is already stored by then, so the replay scheduler picks it up
  even without a redelivery.

SHUTDOWN:
  Cancelling Run's context closes the queue. Workers finish everything
  already queued on a context detached from the cancellation, then Run
  returns.
*/
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/metrics"
)

var (
	ErrQueueFull  = errors.New("worker queue is full")
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Handler processes one stored event. Errors are logged; the pool keeps
// running.
type Handler func(ctx context.Context, id commission.EventID) error

type Pool struct {
	workers int
	handler Handler
	log     logrus.FieldLogger

	mu     sync.RWMutex
	queue  chan commission.EventID
	closed bool
	done   chan struct{}
	once   sync.Once
}

func NewPool(workers, queueSize int, handler Handler, log logrus.FieldLogger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		workers: workers,
		handler: handler,
		log:     log.WithField("component", "worker"),
		queue:   make(chan commission.EventID, queueSize),
		done:    make(chan struct{}),
	}
}

// Submit enqueues id without blocking.
func (p *Pool) Submit(id commission.EventID) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- id:
		metrics.QueueLength.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Len is the number of queued events.
func (p *Pool) Len() int { return len(p.queue) }

// Close stops accepting events. Queued events are still processed by Run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		close(p.done)
	})
}

// Run blocks until ctx is cancelled (or Close is called) and the queue is
// drained.
func (p *Pool) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(work, id)
			return nil
		})
	}
	p.log.WithField("workers", p.workers).Info("worker pool started")

	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.done:
		}
	}()

	err := g.Wait()
	p.log.Info("worker pool drained")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	for eventID := range p.queue {
		metrics.QueueLength.Set(float64(len(p.queue)))
		start := time.Now()

		fields := logrus.Fields{
			"worker":   id,
			"event_id": eventID,
		}
		if err := p.handler(ctx, eventID); err != nil {
			p.log.WithFields(fields).WithError(err).Error("event processing failed")
			continue
		}
		p.log.WithFields(fields).WithField("took", time.Since(start)).Debug("event processed")
	}
}
